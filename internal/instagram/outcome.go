package instagram

import "fmt"

// Transport classifies how far a profile request got.
type Transport int

const (
	// TransportSuccess means an HTTP response arrived; StatusCode is meaningful.
	TransportSuccess Transport = iota
	TransportNetworkError
	TransportTimeout
)

func (t Transport) String() string {
	switch t {
	case TransportSuccess:
		return "success"
	case TransportNetworkError:
		return "network_error"
	case TransportTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ProfileStats is the optional stats bundle from a full 200 body.
type ProfileStats struct {
	Followers int64  `json:"followers"`
	Following int64  `json:"following"`
	Posts     int64  `json:"posts"`
	FullName  string `json:"full_name,omitempty"`
}

// Outcome is the normalized result of exactly one profile fetch.
//
// StatusCode is meaningful only when Transport is TransportSuccess. Username
// and Stats are present only when a 200 body parsed; a body that fails to
// parse is not an error, the fields are simply absent.
type Outcome struct {
	Transport  Transport
	StatusCode int
	// Username is the handle reported by the payload, lowercased.
	Username string
	Stats    *ProfileStats
}

// OK reports whether an HTTP response was received at all.
func (o Outcome) OK() bool { return o.Transport == TransportSuccess }

// Describe renders the outcome for diagnostics (/test output, last_outcome).
func (o Outcome) Describe() string {
	switch o.Transport {
	case TransportNetworkError:
		return "network error"
	case TransportTimeout:
		return "timeout"
	}
	if o.Username != "" {
		return fmt.Sprintf("HTTP %d (reported @%s)", o.StatusCode, o.Username)
	}
	return fmt.Sprintf("HTTP %d", o.StatusCode)
}
