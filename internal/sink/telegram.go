package sink

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "voicefeedback/pkg/logx"
)

const (
	DefaultTelegramTimeout = 10 * time.Second
	telegramTextLimit      = 4096
)

// TelegramConfig forwards feedback to a chat instead of speaking it.
type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	Timeout  time.Duration
	// APIURL overrides the Bot API endpoint (tests, local bot API servers).
	APIURL string
}

func (c TelegramConfig) withDefaults() TelegramConfig {
	c.Token = strings.TrimSpace(c.Token)
	c.Timeout = orDuration(c.Timeout, DefaultTelegramTimeout)
	return c
}

func (c TelegramConfig) validate() error {
	if c.Token == "" {
		return errors.New("sink.telegram.token is empty")
	}
	if c.ChatID == 0 {
		return errors.New("sink.telegram.chat_id is required")
	}
	return nil
}

type Telegram struct {
	cfg  TelegramConfig
	bot  *tele.Bot
	chat *tele.Chat
	log  logx.Logger
}

// NewTelegram builds the bot client. tele.NewBot performs a getMe round-trip, so a bad
// token or unreachable API fails here rather than on the first message.
func NewTelegram(ctx context.Context, cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := tele.NewBot(tele.Settings{
		URL:    cfg.APIURL,
		Token:  cfg.Token,
		Client: &http.Client{Timeout: cfg.Timeout},
		// Updates are never polled; the bot only sends.
		Poller: &tele.LongPoller{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log.Debug("telegram sink connected", logx.String("bot", b.Me.Username), logx.Int64("chat_id", cfg.ChatID))
	return &Telegram{cfg: cfg, bot: b, chat: &tele.Chat{ID: cfg.ChatID}, log: log}, nil
}

func (t *Telegram) Render(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r := []rune(text); len(r) > telegramTextLimit {
		text = string(r[:telegramTextLimit])
	}
	_, err := t.bot.Send(t.chat, text, &tele.SendOptions{ThreadID: t.cfg.ThreadID})
	return err
}

func (t *Telegram) Pump(ctx context.Context) error { return nil }

func (t *Telegram) Shutdown(ctx context.Context) error { return nil }
