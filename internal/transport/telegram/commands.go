package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	tele "gopkg.in/telebot.v4"

	"igwatch/internal/config"
	"igwatch/internal/detect"
	"igwatch/internal/instagram"
	"igwatch/internal/notifier"
	"igwatch/internal/registry"
	"igwatch/internal/session"
	"igwatch/internal/storage"
	logx "igwatch/pkg/logx"
)

// Fetcher is the one-off profile lookup used by /test.
type Fetcher interface {
	FetchProfile(ctx context.Context, username, sessionID string) (instagram.Outcome, error)
}

// handlerTimeout bounds the work of a single command, including the /test
// profile fetch.
const handlerTimeout = 30 * time.Second

type HandlerDeps struct {
	Config  *config.Manager
	Pool    *session.Pool
	Ban     *registry.Registry
	Unban   *registry.Registry
	Fetcher Fetcher
	Store   storage.Store
	// Requests reports total outbound profile requests for /status. Optional.
	Requests func() uint64
}

// Handlers implements the operator command surface.
type Handlers struct {
	bot     *Bot
	deps    HandlerDeps
	log     logx.Logger
	started time.Time
}

func NewHandlers(bot *Bot, deps HandlerDeps, log logx.Logger) *Handlers {
	return &Handlers{bot: bot, deps: deps, log: log, started: time.Now()}
}

// Register wires every command onto the bot. All handlers sit behind the
// admin gate installed by New.
func (h *Handlers) Register() {
	h.bot.Handle("/unban", h.watchCmd(h.deps.Unban))
	h.bot.Handle("/ban", h.watchCmd(h.deps.Ban))
	h.bot.Handle("/clearunban", h.clearCmd(h.deps.Unban))
	h.bot.Handle("/clearban", h.clearCmd(h.deps.Ban))
	h.bot.Handle("/list", h.cmdList)
	h.bot.Handle("/sessions", h.cmdSessions)
	h.bot.Handle("/addsession", h.cmdAddSession)
	h.bot.Handle("/rmsession", h.cmdRmSession)
	h.bot.Handle("/test", h.cmdTest)
	h.bot.Handle("/status", h.cmdStatus)
	h.bot.Handle("/setinterval", h.cmdSetInterval)
	h.bot.Handle("/ping", func(c tele.Context) error { return c.Send("pong 🏓") })
	h.bot.Handle("/help", h.cmdHelp)
}

func handlerCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), handlerTimeout)
}

// watchCmd builds the /unban or /ban handler: register usernames with the
// given registry, enforcing the per-type cap.
func (h *Handlers) watchCmd(reg *registry.Registry) tele.HandlerFunc {
	verb := "recovery"
	if reg.Kind() == registry.KindBan {
		verb = "ban"
	}
	return func(c tele.Context) error {
		names := ParseUsernames(strings.Join(c.Args(), " "))
		if len(names) == 0 {
			return c.Send(fmt.Sprintf("Usage: /%s <username> [username ...]", commandFor(reg.Kind())))
		}

		ctx, cancel := handlerCtx()
		defer cancel()

		max := h.maxPerType()
		var lines []string
		for _, name := range names {
			if max > 0 && reg.Count() >= max {
				lines = append(lines, fmt.Sprintf("⚠️ @%s skipped: %s monitor limit reached (%d)", name, verb, max))
				continue
			}
			err := reg.Add(ctx, name, c.Chat().ID, c.Sender().ID)
			switch {
			case errors.Is(err, registry.ErrAlreadyMonitored):
				lines = append(lines, fmt.Sprintf("ℹ️ @%s is already being watched", name))
			case err != nil:
				lines = append(lines, fmt.Sprintf("❌ @%s: %v", name, err))
			default:
				lines = append(lines, fmt.Sprintf("✅ Watching @%s for %s", name, verb))
				h.audit(ctx, reg.Kind(), "add", name, c)
			}
		}
		return c.Send(strings.Join(lines, "\n"))
	}
}

// clearCmd builds the /clearunban or /clearban handler: remove the listed
// usernames, or everything when none are given.
func (h *Handlers) clearCmd(reg *registry.Registry) tele.HandlerFunc {
	return func(c tele.Context) error {
		ctx, cancel := handlerCtx()
		defer cancel()

		names := ParseUsernames(strings.Join(c.Args(), " "))
		if len(names) == 1 && names[0] == "all" {
			names = nil
		}
		if len(names) == 0 {
			n, err := reg.RemoveAll(ctx)
			if err != nil {
				return c.Send(fmt.Sprintf("❌ clear failed: %v", err))
			}
			h.audit(ctx, reg.Kind(), "clear", "", c)
			return c.Send(fmt.Sprintf("🗑 Removed %d %s monitor(s)", n, reg.Kind()))
		}

		var lines []string
		for _, name := range names {
			err := reg.Remove(ctx, name)
			switch {
			case errors.Is(err, registry.ErrNotMonitored):
				lines = append(lines, fmt.Sprintf("ℹ️ @%s was not being watched", name))
			case err != nil:
				lines = append(lines, fmt.Sprintf("❌ @%s: %v", name, err))
			default:
				lines = append(lines, fmt.Sprintf("🗑 Stopped watching @%s", name))
				h.audit(ctx, reg.Kind(), "remove", name, c)
			}
		}
		return c.Send(strings.Join(lines, "\n"))
	}
}

func (h *Handlers) cmdList(c tele.Context) error {
	var b strings.Builder
	writeSection := func(title string, recs []registry.Record) {
		fmt.Fprintf(&b, "%s (%d)\n", title, len(recs))
		if len(recs) == 0 {
			b.WriteString("  none\n")
			return
		}
		for _, rec := range recs {
			fmt.Fprintf(&b, "  @%s — %s", rec.Username, notifier.FormatElapsed(time.Since(rec.StartedAt)))
			if rec.LastOutcome != "" {
				fmt.Fprintf(&b, " (%s)", rec.LastOutcome)
			}
			b.WriteByte('\n')
		}
	}
	writeSection("🔓 Unban watches", h.deps.Unban.List())
	b.WriteByte('\n')
	writeSection("🚫 Ban watches", h.deps.Ban.List())
	return c.Send(b.String())
}

func (h *Handlers) cmdSessions(c tele.Context) error {
	masked := h.deps.Pool.List()
	active := h.deps.Pool.ActiveIndex()

	var b strings.Builder
	fmt.Fprintf(&b, "Sessions (%d):\n", len(masked))
	if len(masked) == 0 {
		b.WriteString("  none\n")
	}
	for i, s := range masked {
		marker := "  "
		if i == active {
			marker = "▶ "
		}
		fmt.Fprintf(&b, "%s%d. %s\n", marker, i+1, s)
	}
	if h.deps.Pool.OnFallback() {
		b.WriteString("▶ fallback session in use")
	} else {
		b.WriteString("fallback session on standby")
	}
	return c.Send(b.String())
}

func (h *Handlers) cmdAddSession(c tele.Context) error {
	args := c.Args()
	if len(args) != 1 {
		return c.Send("Usage: /addsession <sessionid>")
	}

	ctx, cancel := handlerCtx()
	defer cancel()

	err := h.deps.Pool.Add(ctx, args[0])
	switch {
	case errors.Is(err, session.ErrExists):
		return c.Send("ℹ️ That session is already in the pool")
	case err != nil:
		return c.Send(fmt.Sprintf("❌ add failed: %v", err))
	}
	h.audit(ctx, "", "session_add", session.Mask(args[0]), c)
	return c.Send(fmt.Sprintf("✅ Session added (%d in pool)", h.deps.Pool.Count()))
}

func (h *Handlers) cmdRmSession(c tele.Context) error {
	args := c.Args()
	if len(args) != 1 {
		return c.Send("Usage: /rmsession <sessionid or unique prefix>")
	}

	ctx, cancel := handlerCtx()
	defer cancel()

	err := h.deps.Pool.Remove(ctx, args[0])
	switch {
	case errors.Is(err, session.ErrNotFound):
		return c.Send("❌ No session matches that value or prefix")
	case errors.Is(err, session.ErrAmbiguous):
		return c.Send("⚠️ That prefix matches more than one session; give a longer prefix")
	case err != nil:
		return c.Send(fmt.Sprintf("❌ remove failed: %v", err))
	}
	h.audit(ctx, "", "session_remove", session.Mask(args[0]), c)
	return c.Send(fmt.Sprintf("🗑 Session removed (%d remaining)", h.deps.Pool.Count()))
}

// cmdTest runs one fetch with the current session and reports what the
// classifiers would make of it. Diagnostics only, no state changes.
func (h *Handlers) cmdTest(c tele.Context) error {
	names := ParseUsernames(strings.Join(c.Args(), " "))
	if len(names) != 1 {
		return c.Send("Usage: /test <username>")
	}
	name := names[0]

	ctx, cancel := handlerCtx()
	defer cancel()

	sess := h.deps.Pool.Current()
	outcome, err := h.deps.Fetcher.FetchProfile(ctx, name, sess)
	if err != nil {
		return c.Send(fmt.Sprintf("❌ fetch failed: %v", err))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "@%s → %s\n", name, outcome.Describe())
	fmt.Fprintf(&b, "session: %s\n", session.Mask(sess))
	switch {
	case detect.IsCredentialFailure(outcome):
		b.WriteString("verdict: session problem, would rotate")
	default:
		if _, banned := detect.DetectBan(name, outcome); banned {
			b.WriteString("verdict: looks banned")
		} else if _, recovered := detect.DetectRecovery(name, outcome); recovered {
			b.WriteString("verdict: active and reachable")
		} else {
			b.WriteString("verdict: inconclusive")
		}
	}
	return c.Send(b.String())
}

func (h *Handlers) cmdStatus(c tele.Context) error {
	cfg := h.deps.Config.Get()
	min, _ := config.ParseDurationOrDefault("", cfg.Monitor.MinCheckInterval, config.DefaultMinCheckInterval)
	max, _ := config.ParseDurationOrDefault("", cfg.Monitor.MaxCheckInterval, config.DefaultMaxCheckInterval)

	var b strings.Builder
	b.WriteString("igwatch status\n")
	fmt.Fprintf(&b, "uptime: %s\n", notifier.FormatElapsed(time.Since(h.started)))
	fmt.Fprintf(&b, "unban watches: %d, ban watches: %d\n", h.deps.Unban.Count(), h.deps.Ban.Count())
	fmt.Fprintf(&b, "sessions: %d", h.deps.Pool.Count())
	if h.deps.Pool.OnFallback() {
		b.WriteString(" (on fallback)")
	}
	b.WriteByte('\n')
	fmt.Fprintf(&b, "check interval: %s – %s\n", min, max)
	if h.deps.Requests != nil {
		fmt.Fprintf(&b, "profile requests: %d\n", h.deps.Requests())
	}
	return c.Send(strings.TrimRight(b.String(), "\n"))
}

// cmdSetInterval persists new polling bounds to the config file; the running
// monitor picks them up through the config subscription.
func (h *Handlers) cmdSetInterval(c tele.Context) error {
	args := c.Args()
	if len(args) != 2 {
		return c.Send("Usage: /setinterval <min> <max>  (e.g. /setinterval 3m 7m)")
	}
	min, err := time.ParseDuration(args[0])
	if err != nil {
		return c.Send(fmt.Sprintf("❌ bad min interval: %v", err))
	}
	max, err := time.ParseDuration(args[1])
	if err != nil {
		return c.Send(fmt.Sprintf("❌ bad max interval: %v", err))
	}
	if min <= 0 || max < min {
		return c.Send("❌ need 0 < min <= max")
	}

	if _, err := h.deps.Config.Update(func(cfg *config.Config) {
		cfg.Monitor.MinCheckInterval = min.String()
		cfg.Monitor.MaxCheckInterval = max.String()
	}); err != nil {
		return c.Send(fmt.Sprintf("❌ update failed: %v", err))
	}

	ctx, cancel := handlerCtx()
	defer cancel()
	h.audit(ctx, "", "set_interval", fmt.Sprintf("%s-%s", min, max), c)
	return c.Send(fmt.Sprintf("✅ Check interval set to %s – %s", min, max))
}

func (h *Handlers) cmdHelp(c tele.Context) error {
	return c.Send(strings.TrimSpace(`
igwatch commands:
/unban <users> — watch banned accounts for recovery
/ban <users> — watch active accounts for a ban
/clearunban [users] — stop unban watches (all when no args)
/clearban [users] — stop ban watches (all when no args)
/list — show every watch and its age
/test <user> — one-off profile check
/sessions — list pool sessions (masked)
/addsession <id> — add a session to the pool
/rmsession <prefix> — remove a session by value or prefix
/setinterval <min> <max> — change the polling bounds
/status — pool, watch and interval summary
/ping — liveness check
`))
}

func (h *Handlers) maxPerType() int {
	return h.deps.Config.Get().Monitor.MaxPerType
}

// audit records an operator action. Best effort, a storage hiccup never fails
// the command itself.
func (h *Handlers) audit(ctx context.Context, kind registry.Kind, action, subject string, c tele.Context) {
	entry := storage.AuditEntry{
		Kind:     string(kind),
		Action:   action,
		Username: subject,
		ActorID:  c.Sender().ID,
		ChatID:   c.Chat().ID,
	}
	if err := h.deps.Store.AppendAudit(ctx, entry); err != nil {
		h.log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}

func commandFor(kind registry.Kind) string {
	if kind == registry.KindBan {
		return "ban"
	}
	return "unban"
}

// ParseUsernames splits raw operator input into normalized usernames:
// comma or whitespace separated, "@" stripped, lowercased, de-duplicated
// with the original order preserved.
func ParseUsernames(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})

	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(f), "@"))
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
