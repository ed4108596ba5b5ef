package cachemgr

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureExposedHeader(t *testing.T) {
	h := make(http.Header)
	ensureExposedHeader(h, "X-Offsync")
	assert.Equal(t, "X-Offsync", h.Get("Access-Control-Expose-Headers"))

	h = make(http.Header)
	h.Add("Access-Control-Expose-Headers", "ETag, ")
	h.Add("Access-Control-Expose-Headers", "X-Request-Id")
	ensureExposedHeader(h, "X-Offsync")
	assert.Equal(t, []string{"ETag, X-Request-Id, X-Offsync"}, h.Values("Access-Control-Expose-Headers"))

	ensureExposedHeader(h, "x-offsync")
	assert.Equal(t, []string{"ETag, X-Request-Id, X-Offsync"}, h.Values("Access-Control-Expose-Headers"))
}

func TestDecodeSitemap(t *testing.T) {
	doc, err := decodeSitemap([]byte(`<urlset><url><loc>
	  https://a.test/x
	</loc></url></urlset>`))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.test/x"}, doc.URLs)

	_, err = decodeSitemap([]byte{0x1f, 0x8b, 0x00})
	require.Error(t, err)

	_, err = decodeSitemap([]byte("<urlset><url>"))
	require.Error(t, err)
}

func TestOriginDir(t *testing.T) {
	for in, want := range map[string]string{
		"https://a.test":        "https://a.test",
		"https://a.test/":       "https://a.test/",
		"https://a.test/scope":  "https://a.test/scope/",
		"https://a.test/scope/": "https://a.test/scope/",
	} {
		u, err := url.Parse(in)
		require.NoError(t, err)
		assert.Equal(t, want, originDir(u).String(), in)
		assert.Equal(t, in, u.String(), "input is not modified")
	}
}
