package notifier

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"igwatch/internal/detect"
	"igwatch/internal/instagram"
	logx "igwatch/pkg/logx"
)

type captureSender struct {
	chatID int64
	text   string
	err    error
}

func (c *captureSender) SendTo(ctx context.Context, chatID int64, text string) error {
	c.chatID = chatID
	c.text = text
	return c.err
}

func TestNotifyRecovered(t *testing.T) {
	t.Parallel()
	sender := &captureSender{}
	n := New(sender, logx.Nop())

	tr := detect.Transition{
		Kind:     detect.KindRecovered,
		Username: "alice",
		Stats:    &instagram.ProfileStats{Followers: 1_500_000, Following: 320, Posts: 1200},
	}
	if err := n.Notify(context.Background(), 42, tr, 90*time.Minute); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if sender.chatID != 42 {
		t.Fatalf("chatID = %d", sender.chatID)
	}
	for _, want := range []string{"Account Recovered | @alice", "1.5M", "1.2K", "1h 30m"} {
		if !strings.Contains(sender.text, want) {
			t.Fatalf("message %q missing %q", sender.text, want)
		}
	}
}

func TestNotifyBannedWithRename(t *testing.T) {
	t.Parallel()
	sender := &captureSender{}
	n := New(sender, logx.Nop())

	tr := detect.Transition{
		Kind:             detect.KindBanned,
		Username:         "alice",
		ReportedUsername: "alice_new",
	}
	if err := n.Notify(context.Background(), 1, tr, 45*time.Second); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	for _, want := range []string{"Ban Detected | @alice", "changed to @alice_new", "45s"} {
		if !strings.Contains(sender.text, want) {
			t.Fatalf("message %q missing %q", sender.text, want)
		}
	}
}

func TestNotifyPropagatesSendFailure(t *testing.T) {
	t.Parallel()
	sender := &captureSender{err: errors.New("telegram down")}
	n := New(sender, logx.Nop())

	tr := detect.Transition{Kind: detect.KindBanned, Username: "bob"}
	if err := n.Notify(context.Background(), 1, tr, time.Minute); err == nil {
		t.Fatal("send failure must propagate so the record stays pending")
	}
}

func TestFormatElapsed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		d    time.Duration
		want string
	}{
		{d: 0, want: "0s"},
		{d: 45 * time.Second, want: "45s"},
		{d: 90 * time.Second, want: "1m 30s"},
		{d: time.Hour, want: "1h"},
		{d: 2*time.Hour + 5*time.Minute + 3*time.Second, want: "2h 5m 3s"},
		{d: 1500 * time.Millisecond, want: "1.5s"},
	}
	for _, tt := range tests {
		if got := FormatElapsed(tt.d); got != tt.want {
			t.Fatalf("FormatElapsed(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestFormatCount(t *testing.T) {
	t.Parallel()
	tests := []struct {
		n    int64
		want string
	}{
		{n: 0, want: "0"},
		{n: 999, want: "999"},
		{n: 1000, want: "1.0K"},
		{n: 15300, want: "15.3K"},
		{n: 2_500_000, want: "2.5M"},
	}
	for _, tt := range tests {
		if got := FormatCount(tt.n); got != tt.want {
			t.Fatalf("FormatCount(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}
