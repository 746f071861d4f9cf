// Package monitor drives the polling cycles. One loop per monitor type
// (ban, unban) runs independently: a stall or failure in one never blocks
// the other. Each cycle snapshots the active records, fetches every profile
// once with the pool's current session, classifies the outcome, and on a
// fired transition notifies first and persists second, so a crash in between
// re-fires the still-detectable transition instead of losing it.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"igwatch/internal/detect"
	"igwatch/internal/instagram"
	"igwatch/internal/registry"
	"igwatch/internal/session"
	"igwatch/internal/storage"
	logx "igwatch/pkg/logx"
)

// Fetcher is the profile lookup surface the loops poll through.
type Fetcher interface {
	FetchProfile(ctx context.Context, username, sessionID string) (instagram.Outcome, error)
}

// Notifier receives fired transitions for delivery.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, tr detect.Transition, elapsed time.Duration) error
}

// OpsSender carries degraded-service warnings to the operator log chat.
type OpsSender interface {
	SendTo(ctx context.Context, chatID int64, text string) error
}

type Config struct {
	MinInterval time.Duration
	MaxInterval time.Duration
	// AuthCooldown is added to the inter-cycle sleep after a cycle with 3+
	// credential-level failures, backing off a provider that is pushing back.
	AuthCooldown time.Duration
}

func (c *Config) withDefaults() {
	if c.MinInterval <= 0 {
		c.MinInterval = 3 * time.Minute
	}
	if c.MaxInterval < c.MinInterval {
		c.MaxInterval = c.MinInterval
	}
	if c.AuthCooldown <= 0 {
		c.AuthCooldown = 5 * time.Minute
	}
}

type Deps struct {
	Pool     *session.Pool
	Fetcher  Fetcher
	Notifier Notifier
	Ban      *registry.Registry
	Unban    *registry.Registry
	Store    storage.Store

	// Ops and OpsChatID are optional; when set, pool-exhaustion warnings go
	// to that chat in addition to the log.
	Ops       OpsSender
	OpsChatID int64
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	deps Deps
	log  logx.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	runCancel context.CancelFunc
	wg        sync.WaitGroup

	// lastDegradedWarn rate-limits the exhausted-pool warning to one per
	// hour so a dead pool does not flood the ops chat every cycle.
	lastDegradedWarn time.Time
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	cfg.withDefaults()
	return &Service{
		cfg:  cfg,
		deps: deps,
		log:  log,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Apply updates the cycle intervals at runtime (config reload, /setinterval).
func (s *Service) Apply(cfg Config) {
	cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.log.Info("monitor intervals updated",
		logx.Duration("min", cfg.MinInterval),
		logx.Duration("max", cfg.MaxInterval))
}

// Start launches both polling loops. Leftover notified records from a crash
// between notify and prune are swept first.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.runCancel != nil {
		s.mu.Unlock()
		return
	}
	rctx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	s.mu.Unlock()

	for _, reg := range []*registry.Registry{s.deps.Ban, s.deps.Unban} {
		if n, err := reg.PruneNotified(ctx); err != nil {
			s.log.Warn("startup prune failed", logx.String("kind", string(reg.Kind())), logx.Err(err))
		} else if n > 0 {
			s.log.Info("pruned leftover notified records", logx.String("kind", string(reg.Kind())), logx.Int("count", n))
		}
	}

	s.wg.Add(2)
	go s.run(rctx, s.deps.Unban)
	go s.run(rctx, s.deps.Ban)

	s.log.Info("monitor loops started",
		logx.Int("ban_active", len(s.deps.Ban.Active())),
		logx.Int("unban_active", len(s.deps.Unban.Active())))
}

// Stop cancels the loops and waits for in-flight fetches to finish or time
// out.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("monitor stop timed out waiting for loops")
	}
}

func (s *Service) run(ctx context.Context, reg *registry.Registry) {
	defer s.wg.Done()
	log := s.log.With(logx.String("kind", string(reg.Kind())))
	log.Info("polling loop started")

	for {
		authFailures := s.runCycle(ctx, reg)
		if ctx.Err() != nil {
			log.Info("polling loop stopped")
			return
		}

		wait := s.nextInterval()
		if authFailures >= 3 {
			cooldown := s.cooldown()
			log.Warn("repeated credential failures; cooling down",
				logx.Int("failures", authFailures),
				logx.Duration("cooldown", cooldown))
			wait += cooldown
		}

		log.Debug("cycle complete", logx.Duration("next_in", wait))
		select {
		case <-ctx.Done():
			log.Info("polling loop stopped")
			return
		case <-time.After(wait):
		}
	}
}

// runCycle processes every active record of one registry exactly once and
// returns how many credential-level failures were seen.
func (s *Service) runCycle(ctx context.Context, reg *registry.Registry) (authFailures int) {
	records := reg.Active()
	if len(records) == 0 {
		return 0
	}
	log := s.log.With(logx.String("kind", string(reg.Kind())))

	for _, rec := range records {
		if ctx.Err() != nil {
			return authFailures
		}

		sess := s.deps.Pool.Current()
		outcome, err := s.deps.Fetcher.FetchProfile(ctx, rec.Username, sess)
		if err != nil {
			// Only caller mistakes and context cancellation surface here.
			if ctx.Err() == nil {
				log.Error("fetch failed", logx.String("username", rec.Username), logx.Err(err))
			}
			continue
		}

		reg.SetLastOutcome(ctx, rec.Username, outcome.Describe())

		if detect.IsCredentialFailure(outcome) {
			authFailures++
			exhausted := s.deps.Pool.Rotate(ctx)
			if exhausted {
				s.warnDegraded(ctx)
			}
			log.Warn("credential failure; rotated session",
				logx.String("username", rec.Username),
				logx.Int("status", outcome.StatusCode),
				logx.Bool("pool_exhausted", exhausted))
			// Retried next cycle with the new session.
			continue
		}

		var (
			tr    detect.Transition
			fired bool
		)
		if reg.Kind() == registry.KindUnban {
			tr, fired = detect.DetectRecovery(rec.Username, outcome)
		} else {
			tr, fired = detect.DetectBan(rec.Username, outcome)
		}
		if !fired {
			log.Debug("no transition",
				logx.String("username", rec.Username),
				logx.String("outcome", outcome.Describe()))
			continue
		}

		s.handleTransition(ctx, reg, rec, tr)
	}

	if _, err := reg.PruneNotified(ctx); err != nil {
		log.Warn("prune failed", logx.Err(err))
	}
	return authFailures
}

// handleTransition delivers the alert, then persists Notified. The order is
// deliberate: if persistence fails after a successful send the worst case is
// a duplicate alert next cycle, never a silently lost one.
func (s *Service) handleTransition(ctx context.Context, reg *registry.Registry, rec registry.Record, tr detect.Transition) {
	log := s.log.With(logx.String("kind", string(reg.Kind())), logx.String("username", rec.Username))
	elapsed := time.Since(rec.StartedAt)

	if err := s.deps.Notifier.Notify(ctx, rec.ChatID, tr, elapsed); err != nil {
		// Record stays pending; the same condition re-fires next cycle.
		log.Warn("notify failed; will retry next cycle", logx.Err(err))
		return
	}

	if err := reg.MarkNotified(ctx, rec.Username); err != nil {
		if errors.Is(err, registry.ErrNotMonitored) {
			// Removed concurrently by an operator; the later operation wins.
			log.Info("record removed during notification")
			return
		}
		log.Error("failed persisting notified state; duplicate alert possible", logx.Err(err))
		return
	}

	log.Info("transition detected",
		logx.String("transition", string(tr.Kind)),
		logx.Duration("elapsed", elapsed))

	detail := string(tr.Kind)
	if tr.ReportedUsername != "" {
		detail = fmt.Sprintf("%s (now @%s)", detail, tr.ReportedUsername)
	}
	if err := s.deps.Store.AppendAudit(ctx, storage.AuditEntry{
		Kind:     string(reg.Kind()),
		Action:   "transition",
		Username: rec.Username,
		ChatID:   rec.ChatID,
		Detail:   detail,
	}); err != nil {
		log.Warn("audit append failed", logx.Err(err))
	}
}

func (s *Service) warnDegraded(ctx context.Context) {
	s.mu.Lock()
	recently := time.Since(s.lastDegradedWarn) < time.Hour
	if !recently {
		s.lastDegradedWarn = time.Now()
	}
	ops := s.deps.Ops
	chat := s.deps.OpsChatID
	s.mu.Unlock()
	if recently {
		return
	}

	s.log.Error("session pool exhausted: every session and the fallback failed this pass")
	if ops != nil && chat != 0 {
		msg := "⚠️ igwatch degraded: all sessions (including fallback) are failing. Add fresh sessions with /addsession."
		if err := ops.SendTo(ctx, chat, msg); err != nil {
			s.log.Warn("degraded warning send failed", logx.Err(err))
		}
	}
}

func (s *Service) nextInterval() time.Duration {
	s.mu.Lock()
	min, max := s.cfg.MinInterval, s.cfg.MaxInterval
	s.mu.Unlock()

	if max <= min {
		return min
	}
	s.rngMu.Lock()
	d := min + time.Duration(s.rng.Int63n(int64(max-min)+1))
	s.rngMu.Unlock()
	return d
}

func (s *Service) cooldown() time.Duration {
	s.mu.Lock()
	base := s.cfg.AuthCooldown
	s.mu.Unlock()

	// Jitter the cooldown between 100% and 200% of the configured base.
	s.rngMu.Lock()
	d := base + time.Duration(s.rng.Int63n(int64(base)+1))
	s.rngMu.Unlock()
	return d
}
