// Package digest sends a scheduled operator summary to the log chat and
// prunes old audit entries.
package digest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"igwatch/internal/registry"
	"igwatch/internal/session"
	"igwatch/internal/storage"
	logx "igwatch/pkg/logx"
)

const (
	defaultSchedule = "0 9 * * *"
	// recentWindow is how far back the digest looks for audit activity.
	recentWindow = 24 * time.Hour
	auditScanMax = 500
)

type Config struct {
	Enabled        bool
	Schedule       string
	ChatID         int64
	AuditRetention time.Duration
}

type Sender interface {
	SendTo(ctx context.Context, chatID int64, text string) error
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	sender Sender
	ban    *registry.Registry
	unban  *registry.Registry
	pool   *session.Pool
	store  storage.Store
	log    logx.Logger

	c       *cron.Cron
	runCtx  context.Context
	running bool
}

func New(cfg Config, sender Sender, ban, unban *registry.Registry, pool *session.Pool, store storage.Store, log logx.Logger) *Service {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = defaultSchedule
	}
	return &Service{
		cfg:    cfg,
		sender: sender,
		ban:    ban,
		unban:  unban,
		pool:   pool,
		store:  store,
		log:    log,
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.runCtx = ctx
	s.startCronLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.running = false
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Apply swaps the schedule and chat at runtime, restarting cron when the
// schedule or enabled flag changed.
func (s *Service) Apply(cfg Config) {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = defaultSchedule
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	restart := s.running &&
		(cfg.Schedule != s.cfg.Schedule || cfg.Enabled != s.cfg.Enabled)
	s.cfg = cfg
	if !restart {
		return
	}
	if s.c != nil {
		s.c.Stop()
		s.c = nil
	}
	s.startCronLocked()
}

func (s *Service) startCronLocked() {
	if !s.cfg.Enabled || s.cfg.ChatID == 0 {
		s.log.Info("digest disabled")
		return
	}
	c := cron.New()
	ctx := s.runCtx
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.runOnce(ctx) }); err != nil {
		s.log.Error("invalid digest schedule", logx.String("schedule", s.cfg.Schedule), logx.Err(err))
		return
	}
	c.Start()
	s.c = c
	s.log.Info("digest scheduled", logx.String("schedule", s.cfg.Schedule))
}

// runOnce builds and sends one digest, then prunes old audit entries. Also
// exercised directly by tests and on demand.
func (s *Service) runOnce(ctx context.Context) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	text := s.render(ctx)
	if err := s.sender.SendTo(ctx, cfg.ChatID, text); err != nil {
		s.log.Warn("digest send failed", logx.Err(err))
	}

	if cfg.AuditRetention > 0 {
		cutoff := time.Now().Add(-cfg.AuditRetention)
		n, err := s.store.PruneAudit(ctx, cutoff)
		if err != nil {
			s.log.Warn("audit prune failed", logx.Err(err))
		} else if n > 0 {
			s.log.Info("audit pruned", logx.Int64("removed", n))
		}
	}
}

func (s *Service) render(ctx context.Context) string {
	var b strings.Builder
	b.WriteString("📋 igwatch daily digest\n")
	fmt.Fprintf(&b, "unban watches: %d, ban watches: %d\n", s.unban.Count(), s.ban.Count())
	fmt.Fprintf(&b, "sessions in pool: %d", s.pool.Count())
	if s.pool.OnFallback() {
		b.WriteString(" (running on fallback)")
	}
	b.WriteByte('\n')

	entries, err := s.store.RecentAudit(ctx, auditScanMax)
	if err != nil {
		s.log.Warn("audit read failed", logx.Err(err))
		return strings.TrimRight(b.String(), "\n")
	}

	cutoff := time.Now().Add(-recentWindow)
	var transitions, actions int
	for _, e := range entries {
		if e.At.Before(cutoff) {
			continue
		}
		if e.Action == "transition" {
			transitions++
		} else {
			actions++
		}
	}
	fmt.Fprintf(&b, "last 24h: %d transition(s), %d operator action(s)", transitions, actions)
	return b.String()
}
