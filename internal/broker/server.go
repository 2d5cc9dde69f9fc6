package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const maxBacklog = 10000

// Server exposes a PaperBroker over the venue wire protocol that HTTPBroker
// speaks: POST /orders, DELETE /orders/{id} and a websocket fill stream at
// /fills/stream with resume via ?after=<fill id>.
type Server struct {
	paper *PaperBroker
	mux   *http.ServeMux

	mu      sync.Mutex
	backlog []FillNotice
	clients map[string]chan FillNotice

	PingInterval time.Duration
}

func NewServer(paper *PaperBroker) *Server {
	s := &Server{
		paper:        paper,
		mux:          http.NewServeMux(),
		clients:      make(map[string]chan FillNotice),
		PingInterval: 20 * time.Second,
	}
	s.mux.HandleFunc("POST /orders", s.handleSubmit)
	s.mux.HandleFunc("DELETE /orders/{id}", s.handleCancel)
	s.mux.HandleFunc("GET /fills/stream", s.handleStream)
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run pumps paper fills into the backlog and out to connected clients
func (s *Server) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.paper.Fills():
			s.broadcast(f)
		}
	}
}

func (s *Server) broadcast(f FillNotice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backlog = append(s.backlog, f)
	if len(s.backlog) > maxBacklog {
		s.backlog = s.backlog[len(s.backlog)-maxBacklog:]
	}
	for id, ch := range s.clients {
		select {
		case ch <- f:
		default:
			// Slow client: drop it; it resumes from its last fill on reconnect
			log.Warn().Str("client", id).Msg("fill stream client too slow, disconnecting")
			close(ch)
			delete(s.clients, id)
		}
	}
}

// ConnectedClients returns the number of stream subscribers
func (s *Server) ConnectedClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// DropClients disconnects every stream subscriber. Clients resume from
// their last fill when they reconnect.
func (s *Server) DropClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.clients {
		close(ch)
		delete(s.clients, id)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Code: "bad_json", Message: err.Error()})
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		writeJSON(w, http.StatusBadRequest, apiError{Code: "missing_idempotency_key"})
		return
	}
	if req.IdempotencyKey != "" && req.IdempotencyKey != key {
		writeJSON(w, http.StatusBadRequest, apiError{Code: "idempotency_key_mismatch"})
		return
	}
	req.IdempotencyKey = key

	res, err := s.paper.SubmitOrder(r.Context(), req)
	var rej *RejectError
	switch {
	case errors.As(err, &rej):
		writeJSON(w, http.StatusUnprocessableEntity, apiError{Code: rej.Code, Message: rej.Message})
	case err != nil:
		writeJSON(w, http.StatusServiceUnavailable, apiError{Code: "unavailable", Message: err.Error()})
	case res.Status == StatusDuplicate:
		writeJSON(w, http.StatusConflict, res)
	default:
		writeJSON(w, http.StatusCreated, res)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := s.paper.CancelOrder(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, ErrUnknownOrder):
		writeJSON(w, http.StatusNotFound, apiError{Code: "unknown_order"})
	case errors.Is(err, ErrNotCancelable):
		writeJSON(w, http.StatusConflict, apiError{Code: "not_cancelable"})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, apiError{Code: "error", Message: err.Error()})
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("fill stream upgrade failed")
		return
	}
	defer conn.Close()

	id := "client-" + uuid.NewString()
	ch := make(chan FillNotice, 256)

	// Replay and register under one lock so no fill is missed or reordered
	s.mu.Lock()
	replay := s.replayAfter(r.URL.Query().Get("after"))
	s.clients[id] = ch
	s.mu.Unlock()
	log.Info().Str("client", id).Int("replay", len(replay)).Msg("fill stream client connected")

	defer func() {
		s.mu.Lock()
		if _, ok := s.clients[id]; ok {
			delete(s.clients, id)
			close(ch)
		}
		s.mu.Unlock()
	}()

	// Detect client close
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(f FillNotice) error {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(f)
	}
	for _, f := range replay {
		if err := write(f); err != nil {
			return
		}
	}

	ticker := time.NewTicker(s.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return
		case f, ok := <-ch:
			if !ok {
				return
			}
			if err := write(f); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

// replayAfter returns backlog fills after the given id; an unknown or empty
// id replays everything.
func (s *Server) replayAfter(after string) []FillNotice {
	start := 0
	if after != "" {
		for i, f := range s.backlog {
			if f.FillID == after {
				start = i + 1
				break
			}
		}
	}
	return append([]FillNotice(nil), s.backlog[start:]...)
}
