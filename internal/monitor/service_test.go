package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"igwatch/internal/detect"
	"igwatch/internal/instagram"
	"igwatch/internal/registry"
	"igwatch/internal/session"
	"igwatch/internal/storage"
	logx "igwatch/pkg/logx"
)

// scriptFetcher returns a queued outcome per username; when a queue runs dry
// the last outcome repeats.
type scriptFetcher struct {
	outcomes map[string][]instagram.Outcome
	sessions []string
	calls    int
}

func (f *scriptFetcher) FetchProfile(ctx context.Context, username, sessionID string) (instagram.Outcome, error) {
	f.calls++
	f.sessions = append(f.sessions, sessionID)
	q := f.outcomes[username]
	if len(q) == 0 {
		return instagram.Outcome{}, errors.New("no scripted outcome for " + username)
	}
	o := q[0]
	if len(q) > 1 {
		f.outcomes[username] = q[1:]
	}
	return o, nil
}

type captureNotifier struct {
	sent []detect.Transition
	err  error
}

func (n *captureNotifier) Notify(ctx context.Context, chatID int64, tr detect.Transition, elapsed time.Duration) error {
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, tr)
	return nil
}

type fixture struct {
	svc      *Service
	store    storage.Store
	pool     *session.Pool
	ban      *registry.Registry
	unban    *registry.Registry
	fetcher  *scriptFetcher
	notifier *captureNotifier
}

func newFixture(t *testing.T, sessions []string) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "igwatch")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	pool, err := session.New(ctx, st, "fallback-session", logx.Nop())
	if err != nil {
		t.Fatalf("New pool: %v", err)
	}
	for _, s := range sessions {
		if err := pool.Add(ctx, s); err != nil {
			t.Fatalf("Add session: %v", err)
		}
	}

	ban, err := registry.Open(ctx, registry.KindBan, st, logx.Nop())
	if err != nil {
		t.Fatalf("Open ban registry: %v", err)
	}
	unban, err := registry.Open(ctx, registry.KindUnban, st, logx.Nop())
	if err != nil {
		t.Fatalf("Open unban registry: %v", err)
	}

	f := &fixture{
		store:    st,
		pool:     pool,
		ban:      ban,
		unban:    unban,
		fetcher:  &scriptFetcher{outcomes: map[string][]instagram.Outcome{}},
		notifier: &captureNotifier{},
	}
	f.svc = New(Config{MinInterval: time.Minute, MaxInterval: time.Minute}, Deps{
		Pool:     pool,
		Fetcher:  f.fetcher,
		Notifier: f.notifier,
		Ban:      ban,
		Unban:    unban,
		Store:    st,
	}, logx.Nop())
	return f
}

func ok200(username string) instagram.Outcome {
	return instagram.Outcome{Transport: instagram.TransportSuccess, StatusCode: 200, Username: username}
}

func status(code int) instagram.Outcome {
	return instagram.Outcome{Transport: instagram.TransportSuccess, StatusCode: code}
}

func TestRecoveryFiresOnceAndPrunes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, []string{"sess-a"})

	if err := f.unban.Add(ctx, "alice", 100, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	f.fetcher.outcomes["alice"] = []instagram.Outcome{status(404), ok200("alice")}

	// First cycle: still 404, nothing fires.
	f.svc.runCycle(ctx, f.unban)
	if len(f.notifier.sent) != 0 {
		t.Fatalf("premature notification: %v", f.notifier.sent)
	}

	// Second cycle: 200 with matching username fires exactly once, and the
	// record is pruned so later cycles do nothing.
	f.svc.runCycle(ctx, f.unban)
	if len(f.notifier.sent) != 1 || f.notifier.sent[0].Kind != detect.KindRecovered {
		t.Fatalf("sent = %v", f.notifier.sent)
	}
	if f.unban.Count() != 0 {
		t.Fatalf("record not pruned, count = %d", f.unban.Count())
	}

	f.svc.runCycle(ctx, f.unban)
	if len(f.notifier.sent) != 1 {
		t.Fatalf("duplicate notification: %v", f.notifier.sent)
	}
}

func TestBanFiresOnStatusChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, []string{"sess-a"})

	if err := f.ban.Add(ctx, "bob", 200, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	f.fetcher.outcomes["bob"] = []instagram.Outcome{ok200("bob"), status(404)}

	f.svc.runCycle(ctx, f.ban)
	if len(f.notifier.sent) != 0 {
		t.Fatal("200 with matching name must not fire a ban")
	}

	f.svc.runCycle(ctx, f.ban)
	if len(f.notifier.sent) != 1 || f.notifier.sent[0].Kind != detect.KindBanned {
		t.Fatalf("sent = %v", f.notifier.sent)
	}
	if f.ban.Count() != 0 {
		t.Fatal("fired record must be pruned")
	}
}

func TestCredentialFailureRotatesAndRetriesNextCycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, []string{"sess-a", "sess-b"})

	if err := f.unban.Add(ctx, "carol", 1, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	f.fetcher.outcomes["carol"] = []instagram.Outcome{status(429), ok200("carol")}

	auth := f.svc.runCycle(ctx, f.unban)
	if auth != 1 {
		t.Fatalf("authFailures = %d", auth)
	}
	if len(f.notifier.sent) != 0 {
		t.Fatal("credential failure must not classify the account")
	}
	if got := f.pool.Current(); got != "sess-b" {
		t.Fatalf("pool did not rotate, current = %q", got)
	}
	// The record stays pending and fires with the fresh session next cycle.
	f.svc.runCycle(ctx, f.unban)
	if len(f.notifier.sent) != 1 {
		t.Fatalf("sent = %v", f.notifier.sent)
	}
	if f.fetcher.sessions[1] != "sess-b" {
		t.Fatalf("second fetch used %q", f.fetcher.sessions[1])
	}
}

func TestNotifyFailureKeepsRecordPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, []string{"sess-a"})
	f.notifier.err = errors.New("telegram down")

	if err := f.unban.Add(ctx, "dave", 1, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	f.fetcher.outcomes["dave"] = []instagram.Outcome{ok200("dave")}

	f.svc.runCycle(ctx, f.unban)
	rec, ok := f.unban.Get("dave")
	if !ok || rec.Status != registry.StatusPending {
		t.Fatalf("record = %+v, %v; must stay pending for a retry", rec, ok)
	}

	// Transport recovers: the same condition re-fires.
	f.notifier.err = nil
	f.svc.runCycle(ctx, f.unban)
	if len(f.notifier.sent) != 1 {
		t.Fatalf("sent = %v", f.notifier.sent)
	}
	if f.unban.Count() != 0 {
		t.Fatal("record must be pruned after successful delivery")
	}
}

func TestTransientErrorsLeaveRecordUntouched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, []string{"sess-a"})

	if err := f.unban.Add(ctx, "erin", 1, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	f.fetcher.outcomes["erin"] = []instagram.Outcome{
		{Transport: instagram.TransportTimeout},
		{Transport: instagram.TransportNetworkError},
		status(500),
	}

	for i := 0; i < 3; i++ {
		if auth := f.svc.runCycle(ctx, f.unban); auth != 0 {
			t.Fatalf("cycle %d counted a credential failure", i)
		}
	}
	if len(f.notifier.sent) != 0 {
		t.Fatalf("transient outcomes fired: %v", f.notifier.sent)
	}
	if got := f.pool.Current(); got != "sess-a" {
		t.Fatalf("transient outcomes rotated the pool to %q", got)
	}
	if rec, ok := f.unban.Get("erin"); !ok || rec.Status != registry.StatusPending {
		t.Fatalf("record = %+v, %v", rec, ok)
	}
}

func TestExhaustionWarnsOps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil) // empty pool, straight to fallback

	warned := &captureSender{}
	f.svc.deps.Ops = warned
	f.svc.deps.OpsChatID = -100

	if err := f.unban.Add(ctx, "frank", 1, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	f.fetcher.outcomes["frank"] = []instagram.Outcome{status(401)}

	f.svc.runCycle(ctx, f.unban)
	if warned.chatID != -100 || warned.text == "" {
		t.Fatalf("ops warning not sent: %+v", warned)
	}

	// Rate limited: a second exhaustion within the hour stays quiet.
	warned.text = ""
	f.svc.runCycle(ctx, f.unban)
	if warned.text != "" {
		t.Fatal("exhaustion warning must be rate limited")
	}
}

type captureSender struct {
	chatID int64
	text   string
}

func (c *captureSender) SendTo(ctx context.Context, chatID int64, text string) error {
	c.chatID = chatID
	c.text = text
	return nil
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []string{"sess-a"})

	ctx := context.Background()
	f.svc.Start(ctx)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	f.svc.Stop(stopCtx)
	if stopCtx.Err() != nil {
		t.Fatal("Stop did not finish before the deadline")
	}
}

func TestNextIntervalStaysInRange(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.svc.Apply(Config{MinInterval: 3 * time.Minute, MaxInterval: 7 * time.Minute})

	for i := 0; i < 200; i++ {
		d := f.svc.nextInterval()
		if d < 3*time.Minute || d > 7*time.Minute {
			t.Fatalf("interval %v out of range", d)
		}
	}
}
