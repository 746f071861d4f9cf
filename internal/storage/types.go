package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by LoadState when no document exists for the key.
	ErrNotFound = errors.New("storage: state not found")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (json documents + audit jsonl)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// State document keys. Each key maps to one JSON document.
const (
	KeySessions     = "sessions"
	KeyBanMonitor   = "monitor.ban"
	KeyUnbanMonitor = "monitor.unban"
)

// AuditEntry records a detected transition or an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Kind     string    `json:"kind"`   // "ban", "unban", "session", "command"
	Action   string    `json:"action"` // "transition", "add", "remove", "clear", ...
	Username string    `json:"username,omitempty"`
	ActorID  int64     `json:"actor_id,omitempty"`
	ChatID   int64     `json:"chat_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}
