package detect

import (
	"testing"

	"igwatch/internal/instagram"
)

func ok(status int, reported string) instagram.Outcome {
	o := instagram.Outcome{Transport: instagram.TransportSuccess, StatusCode: status, Username: reported}
	if reported != "" {
		o.Stats = &instagram.ProfileStats{Followers: 10}
	}
	return o
}

func TestDetectRecovery(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		outcome instagram.Outcome
		fires   bool
	}{
		{name: "matching 200 fires", outcome: ok(200, "alice"), fires: true},
		{name: "case-insensitive match fires", outcome: ok(200, "ALICE"), fires: true},
		{name: "404 does not fire", outcome: ok(404, ""), fires: false},
		{name: "mismatched username does not fire", outcome: ok(200, "alice_new"), fires: false},
		{name: "200 without payload does not fire", outcome: ok(200, ""), fires: false},
		{name: "timeout does not fire", outcome: instagram.Outcome{Transport: instagram.TransportTimeout}, fires: false},
		{name: "network error does not fire", outcome: instagram.Outcome{Transport: instagram.TransportNetworkError}, fires: false},
		{name: "500 does not fire", outcome: ok(500, ""), fires: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr, fired := DetectRecovery("alice", tt.outcome)
			if fired != tt.fires {
				t.Fatalf("fired = %v, want %v", fired, tt.fires)
			}
			if !fired {
				return
			}
			if tr.Kind != KindRecovered || tr.Username != "alice" {
				t.Fatalf("transition = %+v", tr)
			}
			if tr.Stats == nil {
				t.Fatal("recovery transition should carry stats when present")
			}
		})
	}
}

func TestDetectBan(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name         string
		outcome      instagram.Outcome
		fires        bool
		wantReported string
	}{
		{name: "404 fires", outcome: ok(404, ""), fires: true},
		{name: "200 without payload fires", outcome: ok(200, ""), fires: true},
		{name: "renamed account fires with reported handle", outcome: ok(200, "alice_new"), fires: true, wantReported: "alice_new"},
		{name: "matching 200 is a non-event", outcome: ok(200, "alice"), fires: false},
		{name: "matching 200 case-insensitive is a non-event", outcome: ok(200, "Alice"), fires: false},
		{name: "timeout is not a ban", outcome: instagram.Outcome{Transport: instagram.TransportTimeout}, fires: false},
		{name: "network error is not a ban", outcome: instagram.Outcome{Transport: instagram.TransportNetworkError}, fires: false},
		{name: "429 is not a ban", outcome: ok(429, ""), fires: false},
		{name: "502 is not a ban", outcome: ok(502, ""), fires: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr, fired := DetectBan("alice", tt.outcome)
			if fired != tt.fires {
				t.Fatalf("fired = %v, want %v", fired, tt.fires)
			}
			if !fired {
				return
			}
			if tr.Kind != KindBanned || tr.Username != "alice" {
				t.Fatalf("transition = %+v", tr)
			}
			if tr.ReportedUsername != tt.wantReported {
				t.Fatalf("reported = %q, want %q", tr.ReportedUsername, tt.wantReported)
			}
		})
	}
}

func TestClassifiersAreDisjoint(t *testing.T) {
	t.Parallel()
	// No single outcome may fire both classifiers for the same username.
	outcomes := []instagram.Outcome{
		ok(200, "alice"),
		ok(200, "alice_new"),
		ok(200, ""),
		ok(404, ""),
		ok(429, ""),
		{Transport: instagram.TransportTimeout},
	}
	for _, o := range outcomes {
		_, ban := DetectBan("alice", o)
		_, rec := DetectRecovery("alice", o)
		if ban && rec {
			t.Fatalf("outcome %+v fired both classifiers", o)
		}
	}
}

func TestIsCredentialFailure(t *testing.T) {
	t.Parallel()
	for _, status := range []int{400, 401, 429} {
		if !IsCredentialFailure(ok(status, "")) {
			t.Fatalf("status %d should be a credential failure", status)
		}
	}
	for _, status := range []int{200, 404, 500, 502} {
		if IsCredentialFailure(ok(status, "")) {
			t.Fatalf("status %d should not be a credential failure", status)
		}
	}
	if IsCredentialFailure(instagram.Outcome{Transport: instagram.TransportTimeout}) {
		t.Fatal("timeouts are transient, not credential failures")
	}
}
