package cachemgr

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.trai.ch/zerr"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// resolveManifest returns the absolute URLs to precache: configured paths
// first, then every same-origin location found in the configured sitemaps.
// Order is preserved and duplicates are dropped.
func (m *Manager) resolveManifest(ctx context.Context) ([]*url.URL, error) {
	seen := map[string]struct{}{}
	var out []*url.URL
	add := func(u *url.URL) {
		u.Fragment, u.RawFragment = "", ""
		s := u.String()
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, u)
	}

	for _, p := range m.cfg.Manifest {
		u, err := m.resolve(p)
		if err != nil {
			return nil, zerr.With(zerr.Wrap(err, "invalid manifest path"), "path", p)
		}
		add(u)
	}

	if len(m.cfg.Sitemaps) == 0 {
		return out, nil
	}

	locs, err := m.discoverSitemaps(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range locs {
		add(u)
	}
	return out, nil
}

func (m *Manager) resolve(ref string) (*url.URL, error) {
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	return m.cfg.Origin.ResolveReference(r), nil
}

func (m *Manager) discoverSitemaps(ctx context.Context) ([]*url.URL, error) {
	seenSitemaps := map[string]struct{}{}
	queue := make([]*url.URL, 0, len(m.cfg.Sitemaps))
	for _, sm := range m.cfg.Sitemaps {
		if strings.TrimSpace(sm) == "" {
			continue
		}
		u, err := m.resolve(sm)
		if err != nil {
			return nil, zerr.With(zerr.Wrap(err, "invalid sitemap url"), "sitemap", sm)
		}
		queue = append(queue, u)
	}

	var out []*url.URL
	ignored := 0
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL.String()]; ok {
			continue
		}
		seenSitemaps[smURL.String()] = struct{}{}

		doc, err := m.fetchAndParseSitemap(ctx, smURL)
		if err != nil {
			return nil, zerr.With(zerr.Wrap(err, "failed to fetch sitemap"), "sitemap", smURL.String())
		}

		for _, nested := range doc.Sitemaps {
			if nested == "" {
				continue
			}
			u, err := m.resolve(nested)
			if err != nil {
				ignored++
				continue
			}
			queue = append(queue, u)
		}

		for _, loc := range doc.URLs {
			if loc == "" {
				continue
			}
			u, err := m.resolve(loc)
			if err != nil || !sameOrigin(u, m.cfg.Origin) {
				ignored++
				continue
			}
			out = append(out, u)
		}
	}

	m.log.Debug("manifest sitemap discovery", "sitemaps", len(seenSitemaps), "urls", len(out), "ignored", ignored)
	return out, nil
}

// maxSitemapBytes is the sitemaps.org limit for one uncompressed file.
const maxSitemapBytes = 50 << 20

func (m *Manager) fetchAndParseSitemap(ctx context.Context, u *url.URL) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return sitemapDoc{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSitemapBytes))
	if err != nil {
		return sitemapDoc{}, err
	}
	return decodeSitemap(body)
}

// decodeSitemap parses a urlset or sitemapindex. Gzip is detected by its
// magic bytes, not the URL suffix, since the transport may have inflated it.
func decodeSitemap(body []byte) (sitemapDoc, error) {
	if bytes.HasPrefix(body, []byte{0x1f, 0x8b}) {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return sitemapDoc{}, zerr.Wrap(err, "corrupt gzip sitemap")
		}
		defer zr.Close()
		if body, err = io.ReadAll(io.LimitReader(zr, maxSitemapBytes)); err != nil {
			return sitemapDoc{}, zerr.Wrap(err, "corrupt gzip sitemap")
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, zerr.Wrap(err, "malformed sitemap")
	}
	trimAll(doc.URLs)
	trimAll(doc.Sitemaps)
	return doc, nil
}

func trimAll(ss []string) {
	for i, s := range ss {
		ss[i] = strings.TrimSpace(s)
	}
}
