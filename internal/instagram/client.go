package instagram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	logx "igwatch/pkg/logx"
)

const (
	defaultBaseURL = "https://www.instagram.com"
	profilePath    = "/api/v1/users/web_profile_info/"

	// igAppID is the public web app id Instagram's own frontend sends.
	igAppID = "936619743392459"

	defaultTimeout = 30 * time.Second

	// maxBodyBytes bounds how much of a response we parse; a profile payload
	// is a few KB, anything larger is not worth buffering.
	maxBodyBytes = 2 << 20
)

// Real browser user agents, rotated per request so one monitor process does
// not present a single fingerprint.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
}

type Config struct {
	// ProxyURL routes all profile requests, e.g. "http://user:pass@gw:8080".
	// Empty means direct.
	ProxyURL string
	// Timeout bounds one request end to end.
	Timeout time.Duration
	// RequestsPerSec caps outbound requests across all monitor loops.
	// 0 disables the limiter.
	RequestsPerSec float64
	// BaseURL overrides the provider endpoint. Empty uses the real host.
	BaseURL string
}

// Client performs single profile lookups. It never retries and never treats
// a 4xx/5xx status as an error: statuses are data for the detection layer,
// and retry/rotation policy lives in the monitor service.
type Client struct {
	http    *http.Client
	baseURL string
	limiter *rate.Limiter
	log     logx.Logger

	requestCount atomic.Uint64
}

func NewClient(cfg Config, log logx.Logger) (*Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if strings.TrimSpace(cfg.ProxyURL) != "" {
		pu, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("instagram: invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(pu)
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1)
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}

	return &Client{
		http:    &http.Client{Timeout: timeout, Transport: transport},
		baseURL: base,
		limiter: limiter,
		log:     log,
	}, nil
}

// RequestCount returns how many profile fetches this process has issued.
func (c *Client) RequestCount() uint64 { return c.requestCount.Load() }

// FetchProfile performs one profile lookup for username using the given
// session id. The outcome is always well-formed; transport failures are
// reported through Outcome.Transport, not through the error return, which is
// reserved for caller mistakes (empty username) and context cancellation.
func (c *Client) FetchProfile(ctx context.Context, username, sessionID string) (Outcome, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return Outcome{}, errors.New("instagram: empty username")
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Outcome{}, err
		}
	}

	u := c.baseURL + profilePath + "?username=" + url.QueryEscape(username)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Outcome{}, err
	}
	c.setHeaders(req, sessionID)

	n := c.requestCount.Add(1)
	c.log.Debug("profile request",
		logx.Uint64("n", n),
		logx.String("username", username))

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		o := Outcome{Transport: classifyTransportError(err)}
		c.log.Warn("profile request failed",
			logx.String("username", username),
			logx.String("transport", o.Transport.String()),
			logx.Err(err))
		return o, nil
	}
	defer resp.Body.Close()

	out := Outcome{Transport: TransportSuccess, StatusCode: resp.StatusCode}
	if resp.StatusCode == http.StatusOK {
		// Opportunistic parse: a malformed body just means no reported
		// username/stats, never a failed fetch.
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err == nil {
			parseProfileBody(body, &out)
		}
	}

	c.log.Debug("profile response",
		logx.String("username", username),
		logx.Int("status", out.StatusCode),
		logx.String("reported", out.Username))
	return out, nil
}

func (c *Client) setHeaders(req *http.Request, sessionID string) {
	req.Header.Set("User-Agent", userAgents[rand.Intn(len(userAgents))])
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("X-IG-App-ID", igAppID)
	req.Header.Set("X-IG-WWW-Claim", "0")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Referer", "https://www.instagram.com/")
	req.Header.Set("Origin", "https://www.instagram.com")
	if sessionID != "" {
		req.AddCookie(&http.Cookie{Name: "sessionid", Value: sessionID})
	}
}

func classifyTransportError(err error) Transport {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return TransportTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TransportTimeout
	}
	return TransportNetworkError
}

// profileEnvelope mirrors the fields of web_profile_info we care about.
type profileEnvelope struct {
	Data struct {
		User *struct {
			Username       string `json:"username"`
			FullName       string `json:"full_name"`
			EdgeFollowedBy struct {
				Count int64 `json:"count"`
			} `json:"edge_followed_by"`
			EdgeFollow struct {
				Count int64 `json:"count"`
			} `json:"edge_follow"`
			EdgeOwnerToTimelineMedia struct {
				Count int64 `json:"count"`
			} `json:"edge_owner_to_timeline_media"`
		} `json:"user"`
	} `json:"data"`
}

func parseProfileBody(body []byte, out *Outcome) {
	var env profileEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return
	}
	user := env.Data.User
	if user == nil {
		return
	}
	out.Username = strings.ToLower(user.Username)
	out.Stats = &ProfileStats{
		Followers: user.EdgeFollowedBy.Count,
		Following: user.EdgeFollow.Count,
		Posts:     user.EdgeOwnerToTimelineMedia.Count,
		FullName:  user.FullName,
	}
}
