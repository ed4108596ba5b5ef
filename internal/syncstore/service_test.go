package syncstore_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offsync/internal/syncstore"
)

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("disk on fire")
}
func (failingStore) Put(context.Context, string, []byte) error { return errors.New("disk on fire") }
func (failingStore) Close() error { return nil }

func do(t *testing.T, h http.Handler, method, path, body string) (*http.Response, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	resp := rec.Result()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func assertHeaders(t *testing.T, resp *http.Response) {
	t.Helper()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, PUT, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type", resp.Header.Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestHandler_Options(t *testing.T) {
	h := syncstore.NewService(syncstore.NewMemoryStore(), 0, nil).Handler()
	for _, path := range []string{"/SMITH42", "/", "/!!"} {
		resp, body := do(t, h, http.MethodOptions, path, "")
		assert.Equal(t, http.StatusNoContent, resp.StatusCode, path)
		assert.Empty(t, body, path)
		assertHeaders(t, resp)
	}
}

func TestHandler_GetUnknownReturnsNull(t *testing.T) {
	h := syncstore.NewService(syncstore.NewMemoryStore(), 0, nil).Handler()
	resp, body := do(t, h, http.MethodGet, "/nobody", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "null", body)
	assertHeaders(t, resp)
}

func TestHandler_PutThenGetIsByteIdentical(t *testing.T) {
	store := syncstore.NewMemoryStore()
	h := syncstore.NewService(store, 0, nil).Handler()
	doc := "{\n  \"b\": 2,   \"a\": [1,2.50]\n}"

	resp, body := do(t, h, http.MethodPut, "/smith-42", doc)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, body)
	assertHeaders(t, resp)

	// Different spelling of the same code.
	resp, body = do(t, h, http.MethodGet, "/SMITH42", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, doc, body)
	assert.Equal(t, 1, store.Len())
}

func TestHandler_LastWriteWins(t *testing.T) {
	h := syncstore.NewService(syncstore.NewMemoryStore(), 0, nil).Handler()
	do(t, h, http.MethodPut, "/fam", `{"v":1}`)
	do(t, h, http.MethodPut, "/FAM", `{"v":2}`)
	_, body := do(t, h, http.MethodGet, "/fam", "")
	assert.Equal(t, `{"v":2}`, body)
}

func TestHandler_InvalidJSONIsRejected(t *testing.T) {
	store := syncstore.NewMemoryStore()
	h := syncstore.NewService(store, 0, nil).Handler()

	for _, doc := range []string{`{"a":`, `not json`, `{"a":1} trailing`} {
		resp, body := do(t, h, http.MethodPut, "/fam", doc)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, doc)
		assert.JSONEq(t, `{"error":"Invalid JSON"}`, body)
		assertHeaders(t, resp)
	}
	// An empty body is not valid JSON either.
	resp, _ := do(t, h, http.MethodPut, "/fam", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, body := do(t, h, http.MethodGet, "/fam", "")
	assert.Equal(t, "null", body)
	assert.Zero(t, store.Len())
}

func TestHandler_MissingCode(t *testing.T) {
	h := syncstore.NewService(syncstore.NewMemoryStore(), 0, nil).Handler()
	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodPost} {
		resp, body := do(t, h, method, "/--!", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, method)
		assert.JSONEq(t, `{"error":"Missing family code"}`, body, method)
	}
	resp, _ := do(t, h, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	h := syncstore.NewService(syncstore.NewMemoryStore(), 0, nil).Handler()
	for _, method := range []string{http.MethodPost, http.MethodDelete, http.MethodPatch} {
		resp, body := do(t, h, method, "/fam", `{}`)
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, method)
		assert.JSONEq(t, `{"error":"Method not allowed"}`, body, method)
		assertHeaders(t, resp)
	}
}

func TestHandler_PayloadTooLarge(t *testing.T) {
	store := syncstore.NewMemoryStore()
	h := syncstore.NewService(store, 16, nil).Handler()

	resp, body := do(t, h, http.MethodPut, "/fam", `{"data":"0123456789abcdef"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.JSONEq(t, `{"error":"Payload too large"}`, body)
	assert.Zero(t, store.Len())

	resp, _ = do(t, h, http.MethodPut, "/fam", `{"a":1}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandler_StorageUnavailable(t *testing.T) {
	h := syncstore.NewService(failingStore{}, 0, nil).Handler()

	resp, body := do(t, h, http.MethodGet, "/fam", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.JSONEq(t, `{"error":"Storage unavailable"}`, body)
	assertHeaders(t, resp)

	resp, body = do(t, h, http.MethodPut, "/fam", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotContains(t, body, "disk on fire")
}

func TestService_Errors(t *testing.T) {
	svc := syncstore.NewService(failingStore{}, 8, nil)
	ctx := context.Background()

	_, err := svc.Get(ctx, "/!")
	assert.ErrorIs(t, err, syncstore.ErrMissingCode)

	err = svc.Put(ctx, "/fam", []byte(`{"too":"long"}`))
	assert.ErrorIs(t, err, syncstore.ErrPayloadTooLarge)

	err = svc.Put(ctx, "/fam", []byte(`{`))
	assert.ErrorIs(t, err, syncstore.ErrInvalidPayload)

	_, err = svc.Get(ctx, "/fam")
	assert.ErrorIs(t, err, syncstore.ErrStorageUnavailable)
	assert.Equal(t, http.StatusServiceUnavailable, syncstore.StatusCode(err))
	assert.Equal(t, http.StatusOK, syncstore.StatusCode(nil))
}
