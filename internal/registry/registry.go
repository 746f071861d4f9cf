// Package registry keeps the durable per-kind set of monitored accounts.
//
// Ban and unban monitoring each own an independent Registry instance backed
// by its own state document; the same username may be tracked by both at
// once. Every mutation persists before it is committed in memory, so a
// reported success is always durable and a reported failure never leaks a
// half-applied change.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"igwatch/internal/storage"
	logx "igwatch/pkg/logx"
)

var (
	ErrAlreadyMonitored = errors.New("already monitored")
	ErrNotMonitored     = errors.New("not monitored")
)

type Kind string

const (
	KindBan   Kind = "ban"
	KindUnban Kind = "unban"
)

func (k Kind) StateKey() string {
	if k == KindBan {
		return storage.KeyBanMonitor
	}
	return storage.KeyUnbanMonitor
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusNotified Status = "notified"
)

// Record tracks one monitored account within a kind.
type Record struct {
	Username  string    `json:"username"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	// ChatID is where the registering command came from; the notification
	// for this record goes back there.
	ChatID  int64 `json:"chat_id"`
	AddedBy int64 `json:"added_by,omitempty"`
	// LastOutcome is diagnostics only (shown by /list and /test); it never
	// influences detection.
	LastOutcome string `json:"last_outcome,omitempty"`
}

type Registry struct {
	kind  Kind
	store storage.Store
	log   logx.Logger

	mu      sync.Mutex
	records map[string]Record
}

// Open loads the persisted registry for kind, creating an empty one on first
// run.
func Open(ctx context.Context, kind Kind, store storage.Store, log logx.Logger) (*Registry, error) {
	r := &Registry{
		kind:    kind,
		store:   store,
		log:     log.With(logx.String("registry", string(kind))),
		records: map[string]Record{},
	}

	var doc map[string]Record
	err := store.LoadState(ctx, kind.StateKey(), &doc)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// first run
	case err != nil:
		return nil, fmt.Errorf("load %s registry: %w", kind, err)
	default:
		r.records = doc
	}

	r.log.Info("registry loaded", logx.Int("records", len(r.records)))
	return r, nil
}

func (r *Registry) Kind() Kind { return r.kind }

// Add registers a new pending record. Returns ErrAlreadyMonitored without
// touching state when the username is already present.
func (r *Registry) Add(ctx context.Context, username string, chatID, addedBy int64) error {
	username = normalize(username)
	if username == "" {
		return errors.New("empty username")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[username]; ok {
		return ErrAlreadyMonitored
	}

	next := r.copyLocked()
	next[username] = Record{
		Username:  username,
		Status:    StatusPending,
		StartedAt: time.Now(),
		ChatID:    chatID,
		AddedBy:   addedBy,
	}
	if err := r.saveLocked(ctx, next); err != nil {
		return err
	}
	r.records = next
	return nil
}

// Remove deletes a record. Returns ErrNotMonitored when absent.
func (r *Registry) Remove(ctx context.Context, username string) error {
	username = normalize(username)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[username]; !ok {
		return ErrNotMonitored
	}

	next := r.copyLocked()
	delete(next, username)
	if err := r.saveLocked(ctx, next); err != nil {
		return err
	}
	r.records = next
	return nil
}

// RemoveAll clears the registry and returns how many records were dropped.
func (r *Registry) RemoveAll(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.records)
	if n == 0 {
		return 0, nil
	}
	next := map[string]Record{}
	if err := r.saveLocked(ctx, next); err != nil {
		return 0, err
	}
	r.records = next
	return n, nil
}

// MarkNotified transitions a record from Pending to Notified. This is the
// durable point of "the alert went out": once it returns nil the record will
// never be polled or notified again. Marking a record that was concurrently
// removed returns ErrNotMonitored and does not resurrect it.
func (r *Registry) MarkNotified(ctx context.Context, username string) error {
	username = normalize(username)

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[username]
	if !ok {
		return ErrNotMonitored
	}
	if rec.Status == StatusNotified {
		return nil
	}

	next := r.copyLocked()
	rec.Status = StatusNotified
	next[username] = rec
	if err := r.saveLocked(ctx, next); err != nil {
		return err
	}
	r.records = next
	return nil
}

// PruneNotified drops records that already reached Notified. Called by the
// scheduler after notifications and at startup to sweep leftovers from a
// crash between MarkNotified and the prune.
func (r *Registry) PruneNotified(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.copyLocked()
	removed := 0
	for name, rec := range next {
		if rec.Status == StatusNotified {
			delete(next, name)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := r.saveLocked(ctx, next); err != nil {
		return 0, err
	}
	r.records = next
	return removed, nil
}

// SetLastOutcome records the latest fetch result for diagnostics. Best
// effort: a persist failure is logged, not surfaced, because this field has
// no correctness role.
func (r *Registry) SetLastOutcome(ctx context.Context, username, outcome string) {
	username = normalize(username)

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[username]
	if !ok {
		return
	}
	rec.LastOutcome = outcome
	r.records[username] = rec
	if err := r.saveLocked(ctx, r.records); err != nil {
		r.log.Warn("failed persisting last outcome", logx.String("username", username), logx.Err(err))
	}
}

// Get returns a record by username.
func (r *Registry) Get(username string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[normalize(username)]
	return rec, ok
}

// Active returns the records still awaiting a transition, oldest first.
func (r *Registry) Active() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		if rec.Status == StatusPending {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out
}

// List returns every record, oldest first.
func (r *Registry) List() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sortRecords(out)
	return out
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].StartedAt.Equal(recs[j].StartedAt) {
			return recs[i].Username < recs[j].Username
		}
		return recs[i].StartedAt.Before(recs[j].StartedAt)
	})
}

func (r *Registry) copyLocked() map[string]Record {
	next := make(map[string]Record, len(r.records))
	for k, v := range r.records {
		next[k] = v
	}
	return next
}

func (r *Registry) saveLocked(ctx context.Context, records map[string]Record) error {
	if err := r.store.SaveState(ctx, r.kind.StateKey(), records); err != nil {
		return fmt.Errorf("save %s registry: %w", r.kind, err)
	}
	return nil
}

func normalize(username string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(username, "@")))
}
