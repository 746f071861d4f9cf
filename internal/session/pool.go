package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"igwatch/internal/storage"
	logx "igwatch/pkg/logx"
)

var (
	ErrExists    = errors.New("session already exists")
	ErrNotFound  = errors.New("session not found")
	ErrAmbiguous = errors.New("session prefix is ambiguous")
)

// sentinel marks "no pool entry active; use the fallback session".
const sentinel = -1

// Pool owns the rotatable session ids plus one immutable fallback.
//
// Rotation is sticky-until-error: callers keep using Current() until a fetch
// reports a credential-level failure, then call Rotate(). One rotation pass
// tries each pool entry at most once; after the last untried entry fails the
// cursor parks on the fallback. A failure reported while on the fallback
// clears the pass, so the next cycle starts from the top of the pool again
// instead of sticking on a dead fallback forever.
type Pool struct {
	mu sync.Mutex

	sessions []string
	fallback string
	cursor   int

	// tried holds the session values already consumed in the current
	// rotation pass. Keyed by value, not index, so Add/Remove cannot
	// corrupt pass bookkeeping.
	tried map[string]struct{}

	store storage.Store
	log   logx.Logger
}

type stateDoc struct {
	Sessions     []string `json:"sessions"`
	CurrentIndex int      `json:"current_index"`
}

// New loads the persisted session list (if any) and returns a ready pool.
// fallback is taken from config and is never a member of the rotatable list.
func New(ctx context.Context, store storage.Store, fallback string, log logx.Logger) (*Pool, error) {
	p := &Pool{
		fallback: fallback,
		cursor:   sentinel,
		tried:    map[string]struct{}{},
		store:    store,
		log:      log,
	}

	var doc stateDoc
	err := store.LoadState(ctx, storage.KeySessions, &doc)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// first run
	case err != nil:
		return nil, fmt.Errorf("load sessions: %w", err)
	default:
		p.sessions = doc.Sessions
		if doc.CurrentIndex >= 0 && doc.CurrentIndex < len(p.sessions) {
			p.cursor = doc.CurrentIndex
		} else if len(p.sessions) > 0 {
			p.cursor = 0
		}
	}
	if p.cursor == sentinel && len(p.sessions) > 0 {
		p.cursor = 0
	}

	log.Info("session pool loaded",
		logx.Int("sessions", len(p.sessions)),
		logx.Bool("fallback_set", fallback != ""))
	return p, nil
}

// Current returns the active session id. It is total: a pool entry when the
// cursor is valid, otherwise the fallback.
func (p *Pool) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentLocked()
}

func (p *Pool) currentLocked() string {
	if p.cursor >= 0 && p.cursor < len(p.sessions) {
		return p.sessions[p.cursor]
	}
	return p.fallback
}

// ActiveIndex returns the cursor position (0-based) or -1 when the fallback
// is in use. Diagnostics only.
func (p *Pool) ActiveIndex() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cursor >= 0 && p.cursor < len(p.sessions) {
		return p.cursor
	}
	return sentinel
}

// Rotate reacts to a credential-level failure of the current session.
//
// It returns exhausted=true when the failure happened on the fallback, i.e.
// the whole pool plus the fallback failed within one pass. In that case the
// pass is cleared and the cursor reset to the first entry so the next cycle
// retries from the top.
func (p *Pool) Rotate(ctx context.Context) (exhausted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cursor == sentinel || len(p.sessions) == 0 {
		// Fallback itself failed: start a fresh pass from the top.
		p.tried = map[string]struct{}{}
		if len(p.sessions) > 0 {
			p.cursor = 0
		} else {
			p.cursor = sentinel
		}
		p.log.Warn("session pool exhausted; resetting rotation pass",
			logx.Int("sessions", len(p.sessions)))
		p.persistLocked(ctx)
		return true
	}

	p.tried[p.sessions[p.cursor]] = struct{}{}
	next := (p.cursor + 1) % len(p.sessions)
	if _, seen := p.tried[p.sessions[next]]; seen {
		p.cursor = sentinel
		p.log.Warn("all pool sessions failed this pass; switching to fallback")
	} else {
		p.cursor = next
		p.log.Info("rotated session",
			logx.Int("index", p.cursor+1),
			logx.Int("total", len(p.sessions)))
	}
	p.persistLocked(ctx)
	return false
}

// Add appends a session id. The active session's identity is never disturbed
// by an append. Returns ErrExists on duplicates; a store failure leaves the
// pool unchanged.
func (p *Pool) Add(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("empty session id")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.sessions {
		if s == id {
			return ErrExists
		}
	}

	next := append(append([]string(nil), p.sessions...), id)
	cursor := p.cursor
	// A previously empty pool (no pass in flight) activates the new entry.
	if cursor == sentinel && len(p.tried) == 0 {
		cursor = len(next) - 1
	}
	if err := p.saveLocked(ctx, next, cursor); err != nil {
		return err
	}
	p.sessions = next
	p.cursor = cursor
	p.log.Info("session added", logx.Int("total", len(p.sessions)))
	return nil
}

// Remove deletes a session by exact value or unambiguous prefix. The fallback
// is not a member and cannot be removed. Removing the active session behaves
// like a rotation to the next surviving entry (or the fallback sentinel).
func (p *Pool) Remove(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("empty session id")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx := -1
	matches := 0
	for i, s := range p.sessions {
		if s == id || strings.HasPrefix(s, id) {
			idx = i
			matches++
		}
	}
	if matches == 0 {
		return ErrNotFound
	}
	if matches > 1 {
		return ErrAmbiguous
	}

	removed := p.sessions[idx]
	wasActive := p.cursor == idx

	next := make([]string, 0, len(p.sessions)-1)
	next = append(next, p.sessions[:idx]...)
	next = append(next, p.sessions[idx+1:]...)

	cursor := p.cursor
	switch {
	case len(next) == 0:
		cursor = sentinel
	case wasActive:
		cursor = idx % len(next)
		// The slot that replaced the removed entry may already be spent
		// in this pass; then the pass falls through to the fallback.
		if _, seen := p.tried[next[cursor]]; seen {
			cursor = sentinel
		}
	case idx < cursor:
		cursor--
	}

	if err := p.saveLocked(ctx, next, cursor); err != nil {
		return err
	}
	p.sessions = next
	p.cursor = cursor
	delete(p.tried, removed)
	p.log.Info("session removed", logx.Int("remaining", len(p.sessions)))
	return nil
}

// List returns the sessions in rotation order, masked for display.
func (p *Pool) List() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, len(p.sessions))
	for i, s := range p.sessions {
		out[i] = Mask(s)
	}
	return out
}

func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// OnFallback reports whether the current pass has spent every pool entry and
// is running on the fallback session.
func (p *Pool) OnFallback() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor == sentinel || len(p.sessions) == 0
}

// ResetRotation abandons the current pass and re-activates the first session.
func (p *Pool) ResetRotation(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tried = map[string]struct{}{}
	if len(p.sessions) > 0 {
		p.cursor = 0
	} else {
		p.cursor = sentinel
	}
	p.persistLocked(ctx)
}

// Mask redacts a session id for display: long ids show only a short
// prefix/suffix, short ids pass through.
func Mask(s string) string {
	if len(s) > 20 {
		return s[:10] + "..." + s[len(s)-10:]
	}
	return s
}

// saveLocked persists the candidate state before it is committed in memory,
// so durable and in-memory state never diverge.
func (p *Pool) saveLocked(ctx context.Context, sessions []string, cursor int) error {
	doc := stateDoc{Sessions: sessions, CurrentIndex: cursor}
	if err := p.store.SaveState(ctx, storage.KeySessions, doc); err != nil {
		return fmt.Errorf("save sessions: %w", err)
	}
	return nil
}

// persistLocked records rotation progress. Unlike Add/Remove this is
// best-effort: failing to record a cursor move only costs a restart an extra
// rotation, while failing the rotation would wedge the polling cycle.
func (p *Pool) persistLocked(ctx context.Context) {
	if err := p.saveLocked(ctx, p.sessions, p.cursor); err != nil {
		p.log.Warn("failed persisting rotation state", logx.Err(err))
	}
}
