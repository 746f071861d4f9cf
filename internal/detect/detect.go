// Package detect holds the pure classifiers that turn a fetch outcome into
// an account transition. No I/O happens here: the monitor service feeds
// outcomes in and acts on the transitions that come back, which keeps both
// predicates trivially testable and safe to re-run after a crash.
package detect

import (
	"strings"

	"igwatch/internal/instagram"
)

type Kind string

const (
	KindBanned    Kind = "banned"
	KindRecovered Kind = "recovered"
)

// Transition is a detected one-time state change for a monitored account.
type Transition struct {
	Kind     Kind
	Username string
	// ReportedUsername is set when a ban fired because the profile now
	// reports a different handle (account recycled or renamed).
	ReportedUsername string
	Stats            *instagram.ProfileStats
	Outcome          instagram.Outcome
}

// DetectRecovery watches an account believed banned for its return.
// It fires only on a 200 whose reported username matches, case-insensitively.
// Everything else (404, mismatch, errors, missing payload) means "not yet".
func DetectRecovery(username string, o instagram.Outcome) (Transition, bool) {
	if !o.OK() || o.StatusCode != 200 {
		return Transition{}, false
	}
	if o.Username == "" || !strings.EqualFold(o.Username, username) {
		return Transition{}, false
	}
	return Transition{
		Kind:     KindRecovered,
		Username: strings.ToLower(username),
		Stats:    o.Stats,
		Outcome:  o,
	}, true
}

// DetectBan watches an active account for a ban. It fires on:
//   - 404: the profile is gone;
//   - 200 with no reported username: the endpoint answered but the profile
//     payload is missing, which is how the provider serves banned accounts;
//   - 200 reporting a different username: the handle was recycled or renamed.
//
// A 200 with a matching username is explicitly a non-event, and transport
// errors or other statuses are never evidence of a ban.
func DetectBan(username string, o instagram.Outcome) (Transition, bool) {
	if !o.OK() {
		return Transition{}, false
	}

	lower := strings.ToLower(username)
	switch {
	case o.StatusCode == 404:
		return Transition{Kind: KindBanned, Username: lower, Outcome: o}, true
	case o.StatusCode == 200 && o.Username == "":
		return Transition{Kind: KindBanned, Username: lower, Outcome: o}, true
	case o.StatusCode == 200 && !strings.EqualFold(o.Username, username):
		return Transition{
			Kind:             KindBanned,
			Username:         lower,
			ReportedUsername: o.Username,
			Stats:            o.Stats,
			Outcome:          o,
		}, true
	default:
		return Transition{}, false
	}
}

// IsCredentialFailure reports whether the outcome indicates the session used
// for the fetch is rejected or rate limited, i.e. the pool should rotate.
func IsCredentialFailure(o instagram.Outcome) bool {
	if !o.OK() {
		return false
	}
	switch o.StatusCode {
	case 400, 401, 429:
		return true
	}
	return false
}
