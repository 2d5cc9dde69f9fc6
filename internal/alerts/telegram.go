package alerts

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type TelegramConfig struct {
	Token  string `yaml:"-"` // TRADER_TELEGRAM_TOKEN
	ChatID int64  `yaml:"chat_id"`
}

// TelegramSender posts alerts to one chat through the Bot API
type TelegramSender struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

func NewTelegramSender(cfg TelegramConfig) (*TelegramSender, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramSender{bot: bot, chatID: cfg.ChatID}, nil
}

// NewTelegramSenderWithEndpoint targets a non-default Bot API server. The
// endpoint is a format string taking the token and the method name.
func NewTelegramSenderWithEndpoint(cfg TelegramConfig, endpoint string) (*TelegramSender, error) {
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.Token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramSender{bot: bot, chatID: cfg.ChatID}, nil
}

func (t *TelegramSender) Name() string { return "telegram" }

func (t *TelegramSender) Send(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, plainSummary(a))
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
