// Package cachemgr keeps a versioned local cache of an application's
// static assets and third-party scripts, and serves outbound requests from
// it.
//
// A Manager moves through Idle → Installing → Ready(gen) → Activating →
// Ready(gen). Exactly one generation serves traffic at a time. Install
// precaches the asset manifest all-or-nothing and adopts the generation
// right away; Activate purges every other generation.
package cachemgr

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"offsync/internal/logger"
)

const defaultConcurrency = 8

// Fetcher performs network requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config is fixed for the lifetime of a Manager. A new asset set is a new
// Manager with a new Generation over the same Storage.
type Config struct {
	Generation string
	Origin     *url.URL

	// Manifest paths are resolved against Origin, which is treated as a
	// directory even without a trailing slash.
	Manifest []string
	Sitemaps []string

	// AllowList holds URL prefixes eligible for opportunistic caching.
	AllowList []string

	Concurrency int
	Coalesce    bool
}

type Manager struct {
	cfg    Config
	store  *Storage
	client Fetcher
	log    *slog.Logger
	stats  *statsCollector
	flight singleflight.Group

	mu      sync.Mutex
	state   State
	current string
}

func New(cfg Config, store *Storage, client Fetcher, log *slog.Logger) (*Manager, error) {
	if err := validGeneration(cfg.Generation); err != nil {
		return nil, err
	}
	if cfg.Origin == nil || !cfg.Origin.IsAbs() {
		return nil, zerr.New("cache origin must be an absolute URL")
	}
	cfg.Origin = originDir(cfg.Origin)
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = logger.Discard()
	}

	m := &Manager{
		cfg:    cfg,
		store:  store,
		client: client,
		log:    log.With("generation", cfg.Generation),
		stats:  newStatsCollector(),
		state:  StateIdle,
	}

	// Resume the generation a previous process left serving.
	cur, err := store.Current()
	if err != nil {
		return nil, err
	}
	if cur != "" && store.HasGeneration(cur) {
		m.current = cur
		m.state = StateReady
	}
	return m, nil
}

// State returns the lifecycle state and the generation serving traffic.
func (m *Manager) State() (State, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.current
}

func (m *Manager) Generation() string { return m.cfg.Generation }

func (m *Manager) serving() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) begin(next State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateInstalling || m.state == StateActivating {
		return m.state, zerr.With(zerr.Wrap(ErrLifecycleBusy, "start "+next.String()), "state", m.state.String())
	}
	prev := m.state
	m.state = next
	return prev, nil
}

func (m *Manager) finish(state State, current string) {
	m.mu.Lock()
	m.state = state
	if current != "" {
		m.current = current
	}
	m.mu.Unlock()
}

// Install fetches every manifest resource and stores the responses under
// the configured generation. It is all-or-nothing: on any failure nothing
// is written and the previously serving generation stays authoritative. On
// success the new generation serves traffic immediately.
func (m *Manager) Install(ctx context.Context) error {
	prev, err := m.begin(StateInstalling)
	if err != nil {
		return err
	}

	start := time.Now()
	n, err := m.install(ctx)
	if err != nil {
		m.finish(prev, "")
		return err
	}
	m.finish(StateReady, m.cfg.Generation)
	m.log.Info("generation installed", "resources", n, "took", time.Since(start).Round(time.Millisecond))
	return nil
}

func (m *Manager) install(ctx context.Context) (int, error) {
	urls, err := m.resolveManifest(ctx)
	if err != nil {
		return 0, installIncomplete("", err)
	}

	entries := make([]keyedEntry, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for i, u := range urls {
		g.Go(func() error {
			ent, err := m.precache(gctx, u)
			if err != nil {
				return installIncomplete(u.String(), err)
			}
			entries[i] = keyedEntry{key: RequestKey(u), ent: ent}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	if err := m.store.Install(m.cfg.Generation, entries); err != nil {
		return 0, err
	}
	if err := m.store.SetCurrent(m.cfg.Generation); err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (m *Manager) precache(ctx context.Context, u *url.URL) (Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Entry{}, err
	}
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := m.client.Do(req)
	if err != nil {
		return Entry{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Entry{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return newEntry(resp.StatusCode, resp.Header, body), nil
}

func installIncomplete(u string, cause error) error {
	if u == "" {
		return fmt.Errorf("%w: %w", ErrInstallIncomplete, cause)
	}
	return zerr.With(fmt.Errorf("%w: %s: %w", ErrInstallIncomplete, u, cause), "url", u)
}

// Activate makes the configured generation the only one: every other
// generation is deleted. It requires a successful Install of the
// generation, in this process or an earlier one.
func (m *Manager) Activate(ctx context.Context) error {
	prev, err := m.begin(StateActivating)
	if err != nil {
		return err
	}
	if !m.store.HasGeneration(m.cfg.Generation) {
		m.finish(prev, "")
		return zerr.With(zerr.Wrap(ErrNotInstalled, "activate"), "generation", m.cfg.Generation)
	}

	if err := m.activate(ctx); err != nil {
		m.finish(prev, "")
		return err
	}
	m.finish(StateReady, m.cfg.Generation)
	return nil
}

func (m *Manager) activate(ctx context.Context) error {
	if err := m.store.SetCurrent(m.cfg.Generation); err != nil {
		return err
	}
	// Take over right away so stale generations stop serving before they go.
	m.mu.Lock()
	m.current = m.cfg.Generation
	m.mu.Unlock()

	for _, g := range m.store.Generations() {
		if g == m.cfg.Generation {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.store.Delete(g); err != nil {
			return err
		}
		m.log.Info("deleted stale generation", "stale", g)
	}
	return nil
}

func (m *Manager) classify(req *http.Request) requestClass {
	if req.Method != http.MethodGet {
		return classNone
	}
	s := req.URL.String()
	for _, p := range m.cfg.AllowList {
		if strings.HasPrefix(s, p) {
			return classOpportunistic
		}
	}
	if sameOrigin(req.URL, m.cfg.Origin) {
		return classAppShell
	}
	return classNone
}

// Intercept produces exactly one response for an outbound client request.
//
// Allow-listed and same-origin GETs are served cache-first; a miss goes to
// the network and a 200 response is stored before it is returned. A
// same-origin request that neither cache nor network can satisfy gets the
// plaintext offline response. Everything else goes to the network
// untouched.
func (m *Manager) Intercept(req *http.Request) (*http.Response, Outcome, error) {
	class := m.classify(req)
	gen := m.serving()
	if class == classNone || gen == "" {
		resp, err := m.client.Do(req)
		return resp, OutcomeBypass, err
	}

	key := RequestKey(req.URL)
	ent, ok, err := m.store.Match(gen, key)
	if err != nil {
		logger.Error(req.Context(), m.log, zerr.With(err, "class", class.String()))
		if class == classAppShell {
			return m.offline(req), OutcomeOffline, nil
		}
		return nil, "", err
	}
	if ok {
		m.stats.Observe(OutcomeHit, len(ent.Body))
		return ent.Response(req), OutcomeHit, nil
	}

	resp, outcome, err := m.fetch(req, gen, key)
	if err != nil {
		m.log.Debug("resource unavailable", "class", class.String(), "url", req.URL.String(), "error", err)
		if class == classAppShell {
			return m.offline(req), OutcomeOffline, nil
		}
		return nil, "", err
	}
	m.stats.Observe(outcome, int(resp.ContentLength))
	return resp, outcome, nil
}

type fetched struct {
	status int
	header http.Header
	body   []byte
}

func (m *Manager) fetch(req *http.Request, gen, key string) (*http.Response, Outcome, error) {
	var (
		f   *fetched
		err error
	)
	if m.cfg.Coalesce {
		f, err = m.fetchShared(req, gen, key)
	} else {
		f, err = m.fetchOnce(req, gen, key)
	}
	if err != nil {
		return nil, "", err
	}

	outcome := OutcomeUncached
	if f.status == http.StatusOK {
		outcome = OutcomeMiss
	}
	return newResponse(req, f.status, f.header.Clone(), f.body), outcome, nil
}

// fetchShared joins concurrent misses for key into one network fetch. The
// fetch runs detached from every caller's context; each caller stops
// waiting when its own context ends.
func (m *Manager) fetchShared(req *http.Request, gen, key string) (*fetched, error) {
	ctx := req.Context()
	shared := req.Clone(context.WithoutCancel(ctx))
	ch := m.flight.DoChan(key, func() (any, error) { return m.fetchOnce(shared, gen, key) })
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*fetched), nil
	}
}

// fetchOnce reads the network response fully and queues a copy for the
// cache when the status is 200.
func (m *Manager) fetchOnce(req *http.Request, gen, key string) (*fetched, error) {
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	f := &fetched{status: resp.StatusCode, header: resp.Header, body: body}
	if resp.StatusCode == http.StatusOK {
		m.store.PutAsync(gen, key, newEntry(resp.StatusCode, resp.Header, body))
	}
	return f, nil
}

func (m *Manager) offline(req *http.Request) *http.Response {
	m.stats.Observe(OutcomeOffline, len(OfflineBody))
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return newResponse(req, http.StatusOK, h, []byte(OfflineBody))
}

// newEntry copies header and body, so the entry never aliases a buffer
// handed to a caller.
func newEntry(status int, h http.Header, body []byte) Entry {
	ent := Entry{
		Status:   status,
		Header:   h.Clone(),
		Body:     append([]byte(nil), body...),
		StoredAt: time.Now().Unix(),
		Hash:     xxhash.Sum64(body),
	}
	if ent.Header == nil {
		ent.Header = make(http.Header)
	}
	ent.Header.Del("Content-Length")
	return ent
}
