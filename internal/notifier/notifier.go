// Package notifier renders detected transitions into operator-facing alerts
// and hands them to the chat transport. Its obligation ends at the handoff;
// exactly-once bookkeeping lives in the registry and the monitor service.
package notifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"igwatch/internal/detect"
	logx "igwatch/pkg/logx"
)

// Sender delivers a text message to a chat. Implemented by the telegram
// adapter.
type Sender interface {
	SendTo(ctx context.Context, chatID int64, text string) error
}

type Service struct {
	sender Sender
	log    logx.Logger
}

func New(sender Sender, log logx.Logger) *Service {
	return &Service{sender: sender, log: log}
}

// Notify renders tr and sends it to chatID. elapsed is how long the account
// was monitored before the transition fired.
func (n *Service) Notify(ctx context.Context, chatID int64, tr detect.Transition, elapsed time.Duration) error {
	text := Render(tr, elapsed)
	if err := n.sender.SendTo(ctx, chatID, text); err != nil {
		n.log.Warn("notification send failed",
			logx.String("kind", string(tr.Kind)),
			logx.String("username", tr.Username),
			logx.Int64("chat_id", chatID),
			logx.Err(err))
		return err
	}
	n.log.Info("notification sent",
		logx.String("kind", string(tr.Kind)),
		logx.String("username", tr.Username),
		logx.Duration("elapsed", elapsed))
	return nil
}

// Render builds the alert text for a transition.
func Render(tr detect.Transition, elapsed time.Duration) string {
	var b strings.Builder
	switch tr.Kind {
	case detect.KindRecovered:
		fmt.Fprintf(&b, "Account Recovered | @%s 🏆✅\n", tr.Username)
		if tr.Stats != nil {
			fmt.Fprintf(&b, "Followers: %s | Following: %s | Posts: %s\n",
				FormatCount(tr.Stats.Followers),
				FormatCount(tr.Stats.Following),
				FormatCount(tr.Stats.Posts))
		}
		fmt.Fprintf(&b, "⏱️ Time Taken: %s", FormatElapsed(elapsed))
	case detect.KindBanned:
		fmt.Fprintf(&b, "🚫 Account Ban Detected | @%s\n", tr.Username)
		if tr.ReportedUsername != "" {
			fmt.Fprintf(&b, "Username changed to @%s\n", tr.ReportedUsername)
		}
		fmt.Fprintf(&b, "⏱️ Time Taken: %s", FormatElapsed(elapsed))
	}
	return b.String()
}

// FormatElapsed renders a duration as "2h 5m 3s", omitting zero leading units.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := d.Seconds()
	hours := int(secs) / 3600
	minutes := (int(secs) % 3600) / 60
	rem := secs - float64(hours*3600) - float64(minutes*60)

	parts := make([]string, 0, 3)
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if rem > 0 || len(parts) == 0 {
		// Trim a trailing ".0" so whole seconds read naturally.
		s := fmt.Sprintf("%.1fs", rem)
		s = strings.Replace(s, ".0s", "s", 1)
		parts = append(parts, s)
	}
	return strings.Join(parts, " ")
}

// FormatCount renders follower-style counts with K/M suffixes.
func FormatCount(n int64) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}
