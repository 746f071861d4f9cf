// Package telegram owns the bot transport: the long-poll loop, outbound
// sends, and the operator command surface.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "igwatch/pkg/logx"
)

type Config struct {
	Token        string
	PollTimeout  time.Duration
	AdminUserIDs []int64
	LogChatID    int64
}

// Bot wraps telebot with lifecycle management and an admin gate. Commands are
// registered separately by Handlers.Register.
type Bot struct {
	log logx.Logger
	tb  *tele.Bot

	mu        sync.Mutex
	admins    map[int64]struct{}
	logChatID int64

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfg Config, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tb, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}

	b := &Bot{log: log, tb: tb, logChatID: cfg.LogChatID}
	b.setAdmins(cfg.AdminUserIDs)
	tb.Use(b.adminGate)
	return b, nil
}

// Apply updates the admin list and log chat at runtime.
func (b *Bot) Apply(cfg Config) {
	b.setAdmins(cfg.AdminUserIDs)
	b.mu.Lock()
	b.logChatID = cfg.LogChatID
	b.mu.Unlock()
}

func (b *Bot) setAdmins(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	b.mu.Lock()
	b.admins = m
	b.mu.Unlock()
}

func (b *Bot) isAdmin(id int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.admins[id]
	return ok
}

// LogChatID returns the configured operator log chat, 0 when unset.
func (b *Bot) LogChatID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logChatID
}

// adminGate drops commands from unknown senders without replying, so the bot
// stays invisible to strangers who find it.
func (b *Bot) adminGate(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		sender := c.Sender()
		if sender == nil || !b.isAdmin(sender.ID) {
			if sender != nil {
				b.log.Debug("ignored command from non-admin",
					logx.Int64("user_id", sender.ID),
					logx.String("text", c.Text()))
			}
			return nil
		}
		return next(c)
	}
}

// Start launches the long-poll loop. It returns immediately; the loop runs
// until Stop or context cancellation.
func (b *Bot) Start(ctx context.Context) {
	b.runMu.Lock()
	if b.running {
		b.runMu.Unlock()
		return
	}
	b.running = true
	rctx, cancel := context.WithCancel(ctx)
	b.runCancel = cancel
	b.wg.Add(1)
	b.runMu.Unlock()

	go func() {
		<-rctx.Done()
		b.tb.Stop()
	}()
	go func() {
		defer b.wg.Done()
		b.log.Info("telegram polling started")
		b.tb.Start()
		b.log.Info("telegram polling stopped")
	}()
}

// Stop shuts the poll loop down. A short grace window keeps shutdown snappy
// even when a getUpdates long-poll is still in flight.
func (b *Bot) Stop(ctx context.Context) {
	b.runMu.Lock()
	cancel := b.runCancel
	b.runCancel = nil
	wasRunning := b.running
	b.running = false
	b.runMu.Unlock()
	if !wasRunning {
		return
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
	case <-ctx.Done():
		b.log.Warn("telegram stop cancelled", logx.Err(ctx.Err()))
	case <-t.C:
		b.log.Warn("telegram stop grace elapsed; continuing shutdown")
	}
}

// SendTo delivers a plain-text message to a chat. Satisfies the sender
// interfaces of the notifier and monitor packages.
func (b *Bot) SendTo(ctx context.Context, chatID int64, text string) error {
	_, err := b.tb.Send(&tele.Chat{ID: chatID}, text)
	return err
}

// Handle registers a command handler behind the admin gate.
func (b *Bot) Handle(endpoint string, fn tele.HandlerFunc) {
	b.tb.Handle(endpoint, fn)
}
