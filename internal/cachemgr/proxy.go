package cachemgr

import (
	"io"
	"net/http"
	"net/url"
	"strings"
)

const statusHeader = "X-Offsync"

// Handler serves the manager as an HTTP proxy. Absolute-form request URIs
// (forward proxy use) are intercepted as-is; origin-form ones are resolved
// inside the application origin, including its path.
func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(m.handle)
}

func (m *Manager) handle(w http.ResponseWriter, r *http.Request) {
	out, err := m.outbound(r)
	if err != nil {
		setStatusHeaders(w.Header(), "bad-request")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	resp, outcome, err := m.Intercept(out)
	if err != nil {
		m.log.Debug("upstream failed", "url", out.URL.String(), "error", err)
		setStatusHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	writeResponse(w, resp, string(outcome))
}

func (m *Manager) outbound(r *http.Request) (*http.Request, error) {
	var target *url.URL
	if r.URL.IsAbs() {
		u := *r.URL
		target = &u
	} else {
		// Origin-form paths are relative to the origin directory.
		ref := &url.URL{Path: "./" + strings.TrimPrefix(r.URL.Path, "/"), RawQuery: r.URL.RawQuery}
		if r.URL.RawPath != "" {
			ref.RawPath = "./" + strings.TrimPrefix(r.URL.RawPath, "/")
		}
		target = m.cfg.Origin.ResolveReference(ref)
	}

	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.ContentLength = r.ContentLength
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")
	return req, nil
}

func writeResponse(w http.ResponseWriter, resp *http.Response, status string) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, statusHeader) || strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setStatusHeaders(w.Header(), status)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func setStatusHeaders(h http.Header, status string) {
	if status != "" {
		h.Set(statusHeader, status)
	}
	ensureExposedHeader(h, statusHeader)
}

// ensureExposedHeader adds name to Access-Control-Expose-Headers once,
// folding any existing values into a single list.
func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	var names []string
	for _, v := range h.Values(expose) {
		for _, n := range strings.Split(v, ",") {
			if n = strings.TrimSpace(n); n == "" {
				continue
			}
			if strings.EqualFold(n, name) {
				return
			}
			names = append(names, n)
		}
	}
	h.Set(expose, strings.Join(append(names, name), ", "))
}

var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
