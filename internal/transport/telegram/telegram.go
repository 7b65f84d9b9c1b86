package telegram

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/ZUA228132/wishlist-app/internal/transport"
	logx "github.com/ZUA228132/wishlist-app/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter bridges telebot long polling to the relay's update channel and
// implements the transport.Notifier send capability.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot       *tele.Bot
	out       chan<- transport.Update
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	runMu     sync.Mutex
	running   bool

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the Telegram poll loop. Logged periodically to avoid per-update spam.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out = out
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(2)
	a.runMu.Unlock()

	// Periodic summary for dropped updates.
	go func() {
		defer a.runWG.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				// Final flush.
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)))
				}
			}
		}
	}()

	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		a.forward(messageFrom(m))
		return nil
	})

	// Payloads submitted by the wishlist web app arrive as web_app_data messages.
	a.bot.Handle(tele.OnWebApp, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.WebAppData == nil {
			return nil
		}
		up := messageFrom(m)
		up.Message.WebAppData = []byte(m.WebAppData.Data)
		a.forward(up)
		return nil
	})

	// Telebot's Start() blocks until Stop() is called.
	go func() {
		defer a.runWG.Done()
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	}()

	// Stop telebot when the context is cancelled.
	go func() {
		<-rctx.Done()
		a.bot.Stop()
	}()

	return nil
}

func messageFrom(m *tele.Message) transport.Update {
	return transport.Update{
		Message: &transport.Message{
			ID:           m.ID,
			ChatID:       m.Chat.ID,
			FromID:       m.Sender.ID,
			FromName:     m.Sender.FirstName,
			FromUsername: m.Sender.Username,
			Text:         m.Text,
		},
	}
}

func (a *Adapter) forward(up transport.Update) {
	a.runMu.Lock()
	out := a.out
	a.runMu.Unlock()
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	if !a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = false
	cancel := a.runCancel
	a.runCancel = nil
	a.out = nil
	a.runMu.Unlock()

	if cancel != nil {
		cancel()
	}

	// Grace window: keep shutdown snappy even if getUpdates long-poll is still waiting.
	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		a.log.Warn("telegram stop timed out")
	case <-ctx.Done():
	}
	return nil
}

// Username reports the bot's own username, used for building deep links.
func (a *Adapter) Username() string {
	if a.bot == nil || a.bot.Me == nil {
		return ""
	}
	return a.bot.Me.Username
}

func (a *Adapter) SendText(ctx context.Context, recipient int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.bot.Send(&tele.User{ID: recipient}, text, &tele.SendOptions{
		DisableWebPagePreview: true,
	})
	return err
}

func (a *Adapter) SendPhoto(ctx context.Context, recipient int64, photo []byte, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := &tele.Photo{File: tele.FromReader(bytes.NewReader(photo)), Caption: caption}
	_, err := a.bot.Send(&tele.User{ID: recipient}, p)
	return err
}
