package outbox

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(key, state string, terminal bool, at time.Time) OrderRecord {
	return OrderRecord{Key: key, State: state, Terminal: terminal, Payload: json.RawMessage(`{"symbol":"AAPL"}`), UpdatedAt: at}
}

func TestFileStoreReplaysJournal(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	s, err := OpenFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.SaveOrder(ctx, rec("k1", "pending", false, base)))
	require.NoError(t, s.SaveOrder(ctx, rec("k1", "submitted", false, base.Add(time.Second))))
	require.NoError(t, s.SaveOrder(ctx, rec("k2", "pending", false, base.Add(2*time.Second))))
	require.NoError(t, s.SaveOrder(ctx, rec("k2", "filled", true, base.Add(3*time.Second))))
	require.NoError(t, s.SaveOrder(ctx, rec("k3", "acked", false, base.Add(4*time.Second))))
	require.NoError(t, s.Close())

	// Torn last line from a crash mid-write
	f, err := os.OpenFile(filepath.Join(dir, "orders.jsonl"), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, _ = f.WriteString(`{"key":"k4","sta`)
	require.NoError(t, f.Close())

	s2, err := OpenFileStore(dir)
	require.NoError(t, err)
	defer s2.Close()

	open, err := s2.LoadOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "k1", open[0].Key)
	assert.Equal(t, "submitted", open[0].State)
	assert.Equal(t, "k3", open[1].Key)
	assert.JSONEq(t, `{"symbol":"AAPL"}`, string(open[0].Payload))

	got, ok := s2.Lookup("k2")
	require.True(t, ok)
	assert.True(t, got.Terminal)
}

func TestFileStoreCompact(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, err := OpenFileStore(dir)
	require.NoError(t, err)
	defer s.Close()

	now := time.Now().UTC()
	for i := 0; i < 10; i++ {
		require.NoError(t, s.SaveOrder(ctx, rec("done", "submitted", false, now)))
	}
	require.NoError(t, s.SaveOrder(ctx, rec("done", "filled", true, now)))
	require.NoError(t, s.SaveOrder(ctx, rec("open", "acked", false, now)))
	require.NoError(t, s.Compact())

	records, err := ReadJournal(filepath.Join(dir, "orders.jsonl"))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "open", records[0].Key)

	// Still writable after compaction
	require.NoError(t, s.SaveOrder(ctx, rec("open", "filled", true, now)))
	open, err := s.LoadOpenOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestFileStoreRiskSnapshot(t *testing.T) {
	ctx := context.Background()
	s, err := OpenFileStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	data, err := s.LoadRiskSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, s.SaveRiskSnapshot(ctx, []byte(`{"peak_equity":100000}`)))
	require.NoError(t, s.SaveRiskSnapshot(ctx, []byte(`{"peak_equity":101000}`)))
	data, err = s.LoadRiskSnapshot(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"peak_equity":101000}`, string(data))
}

func TestFileStoreClosed(t *testing.T) {
	s, err := OpenFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.SaveOrder(context.Background(), rec("k", "pending", false, time.Now())), ErrClosed)
}

// Runs against a real database when TRADER_TEST_POSTGRES_DSN is set.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TRADER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TRADER_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := OpenPostgresStore(ctx, PostgresConfig{DSN: dsn, AccountID: "test-" + time.Now().Format("150405.000000")})
	require.NoError(t, err)
	defer s.Close()

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.SaveOrder(ctx, rec("pg-k1-"+now.Format("150405.000000"), "pending", false, now)))
	open, err := s.LoadOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, s.SaveRiskSnapshot(ctx, []byte(`{"a":1}`)))
	data, err := s.LoadRiskSnapshot(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))
}
