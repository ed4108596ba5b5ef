package cachemgr

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Entry is one cached response. Only status-200 GET responses are stored.
type Entry struct {
	Status   int         `msgpack:"s"`
	Header   http.Header `msgpack:"h"`
	Body     []byte      `msgpack:"b"`
	StoredAt int64       `msgpack:"t"` // unix seconds
	Hash     uint64      `msgpack:"x"` // xxhash64 of Body
}

// Response builds a fresh response backed by the entry. Every call returns
// an independent body reader, so one entry can serve any number of callers.
func (e Entry) Response(req *http.Request) *http.Response {
	return newResponse(req, e.Status, e.Header.Clone(), e.Body)
}

func newResponse(req *http.Request, status int, h http.Header, body []byte) *http.Response {
	if h == nil {
		h = make(http.Header)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// RequestKey is the cache key of a GET for u: method plus the absolute URL
// without its fragment.
func RequestKey(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return http.MethodGet + " " + c.String()
}

// State is the lifecycle state of a Manager.
type State int

const (
	// StateIdle means no generation was ever installed; all traffic passes through.
	StateIdle State = iota
	StateInstalling
	StateReady
	StateActivating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInstalling:
		return "installing"
	case StateReady:
		return "ready"
	case StateActivating:
		return "activating"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome tells how Intercept produced its response.
type Outcome string

const (
	OutcomeHit      Outcome = "hit"
	OutcomeMiss     Outcome = "miss"     // fetched and stored
	OutcomeUncached Outcome = "uncached" // fetched, status not cacheable
	OutcomeBypass   Outcome = "bypass"   // not intercepted
	OutcomeOffline  Outcome = "offline"  // plaintext fallback
)

// OfflineBody is the plaintext body served when an app-shell resource is
// neither cached nor reachable.
const OfflineBody = "offline, please check your connection"

type requestClass int

const (
	classNone requestClass = iota
	classOpportunistic
	classAppShell
)

func (c requestClass) String() string {
	switch c {
	case classOpportunistic:
		return "opportunistic"
	case classAppShell:
		return "app-shell"
	default:
		return "none"
	}
}

// originDir returns a copy of u whose non-empty path ends in a slash, so
// relative references resolve inside it.
func originDir(u *url.URL) *url.URL {
	c := *u
	if c.Path != "" && !strings.HasSuffix(c.Path, "/") {
		c.Path += "/"
		if c.RawPath != "" {
			c.RawPath += "/"
		}
	}
	return &c
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}
