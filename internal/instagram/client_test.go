package instagram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "igwatch/pkg/logx"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestFetchProfileFullBody(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("username"); got != "alice" {
			t.Errorf("username query = %q", got)
		}
		if got := r.Header.Get("X-IG-App-ID"); got == "" {
			t.Error("missing X-IG-App-ID header")
		}
		cookie, err := r.Cookie("sessionid")
		if err != nil || cookie.Value != "sess-1" {
			t.Errorf("sessionid cookie = %v, %v", cookie, err)
		}
		w.Write([]byte(`{"data":{"user":{
			"username":"Alice",
			"full_name":"Alice A",
			"edge_followed_by":{"count":1200},
			"edge_follow":{"count":300},
			"edge_owner_to_timeline_media":{"count":42}}}}`))
	}))

	o, err := c.FetchProfile(context.Background(), "Alice", "sess-1")
	if err != nil {
		t.Fatalf("FetchProfile: %v", err)
	}
	if o.Transport != TransportSuccess || o.StatusCode != 200 {
		t.Fatalf("outcome = %+v", o)
	}
	if o.Username != "alice" {
		t.Fatalf("reported username = %q, want lowercased alice", o.Username)
	}
	if o.Stats == nil || o.Stats.Followers != 1200 || o.Stats.Posts != 42 {
		t.Fatalf("stats = %+v", o.Stats)
	}
}

func TestFetchProfileStatusMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
	}{
		{name: "not found", status: 404},
		{name: "rate limited", status: 429},
		{name: "auth error", status: 401},
		{name: "bad gateway", status: 502},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			o, err := c.FetchProfile(context.Background(), "bob", "s")
			if err != nil {
				t.Fatalf("FetchProfile: %v", err)
			}
			if o.Transport != TransportSuccess {
				t.Fatalf("transport = %v, statuses are data not faults", o.Transport)
			}
			if o.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", o.StatusCode, tt.status)
			}
			if o.Username != "" || o.Stats != nil {
				t.Fatalf("non-200 must not carry a payload: %+v", o)
			}
		})
	}
}

func TestFetchProfileMalformedBody(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>not json</html>`))
	}))

	o, err := c.FetchProfile(context.Background(), "bob", "s")
	if err != nil {
		t.Fatalf("FetchProfile: %v", err)
	}
	if o.StatusCode != 200 || o.Username != "" || o.Stats != nil {
		t.Fatalf("malformed body should yield a bare 200 outcome: %+v", o)
	}
}

func TestFetchProfileMissingUserIsBare200(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{}}`))
	}))

	o, err := c.FetchProfile(context.Background(), "bob", "s")
	if err != nil {
		t.Fatalf("FetchProfile: %v", err)
	}
	if o.Username != "" || o.Stats != nil {
		t.Fatalf("missing user object should leave payload fields absent: %+v", o)
	}
}

func TestFetchProfileTimeout(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, logx.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	o, err := c.FetchProfile(context.Background(), "bob", "s")
	if err != nil {
		t.Fatalf("FetchProfile: %v", err)
	}
	if o.Transport != TransportTimeout {
		t.Fatalf("transport = %v, want timeout", o.Transport)
	}
}

func TestFetchProfileEmptyUsername(t *testing.T) {
	t.Parallel()
	c, err := NewClient(Config{BaseURL: "http://127.0.0.1:0"}, logx.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.FetchProfile(context.Background(), "  ", "s"); err == nil {
		t.Fatal("expected error for empty username")
	}
}

func TestRequestCount(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
	}))
	for i := 0; i < 3; i++ {
		if _, err := c.FetchProfile(context.Background(), "bob", "s"); err != nil {
			t.Fatalf("FetchProfile: %v", err)
		}
	}
	if got := c.RequestCount(); got != 3 {
		t.Fatalf("RequestCount = %d, want 3", got)
	}
}
