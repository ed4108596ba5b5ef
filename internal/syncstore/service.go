// Package syncstore implements the family sync endpoint: one JSON document
// per family code, read with GET and overwritten with PUT.
//
// The service never looks inside a document. PUT bodies are only checked
// for well-formedness and then stored byte-for-byte; merging is up to the
// clients.
package syncstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"go.trai.ch/zerr"

	"offsync/internal/logger"
)

const DefaultMaxBody = 25 << 20

var nullDoc = []byte("null")

type Service struct {
	store   Store
	maxBody int64
	log     *slog.Logger
}

// NewService wraps store. maxBody <= 0 selects DefaultMaxBody.
func NewService(store Store, maxBody int64, log *slog.Logger) *Service {
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Service{store: store, maxBody: maxBody, log: log}
}

// Get returns the document stored for rawCode, or the literal null.
func (s *Service) Get(ctx context.Context, rawCode string) ([]byte, error) {
	code := NormalizeCode(rawCode)
	if code == "" {
		return nil, ErrMissingCode
	}
	doc, ok, err := s.store.Get(ctx, code)
	if err != nil {
		return nil, storageErr(err, code)
	}
	if !ok {
		return nullDoc, nil
	}
	return doc, nil
}

// Put validates doc as JSON and overwrites the record for rawCode with the
// exact bytes given. Nothing is written when validation fails.
func (s *Service) Put(ctx context.Context, rawCode string, doc []byte) error {
	code := NormalizeCode(rawCode)
	if code == "" {
		return ErrMissingCode
	}
	if int64(len(doc)) > s.maxBody {
		return ErrPayloadTooLarge
	}
	if !json.Valid(doc) {
		return ErrInvalidPayload
	}
	if err := s.store.Put(ctx, code, doc); err != nil {
		return storageErr(err, code)
	}
	return nil
}

func storageErr(err error, code string) error {
	return zerr.With(fmt.Errorf("%w: %w", ErrStorageUnavailable, err), "code", code)
}

// Handler exposes the service over HTTP. The whole escaped path is the raw
// code, so "/smith-42" and "/SMITH42" address the same record.
func (s *Service) Handler() http.Handler {
	r := httprouter.New()
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.HandleOPTIONS = false
	r.HandleMethodNotAllowed = true

	r.OPTIONS("/*code", s.handleOptions)
	r.GET("/*code", s.handleGet)
	r.PUT("/*code", s.handlePut)
	r.MethodNotAllowed = http.HandlerFunc(s.handleOther)
	r.NotFound = http.HandlerFunc(s.handleOther)
	return r
}

func setHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
	h.Set("Content-Type", "application/json")
}

// rawCode ignores the router param: it is unescaped, and codes are
// normalized from the escaped form.
func rawCode(r *http.Request) string { return r.URL.EscapedPath() }

func (s *Service) handleOptions(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	setHeaders(w.Header())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	doc, err := s.Get(r.Context(), rawCode(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.write(w, http.StatusOK, doc)
}

func (s *Service) handlePut(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	// The code is checked before the body is read.
	if NormalizeCode(rawCode(r)) == "" {
		s.writeError(w, r, ErrMissingCode)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, ErrPayloadTooLarge)
			return
		}
		s.writeError(w, r, zerr.Wrap(ErrInvalidPayload, err.Error()))
		return
	}
	if err := s.Put(r.Context(), rawCode(r), body); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.write(w, http.StatusOK, []byte(`{"ok":true}`))
}

func (s *Service) handleOther(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		s.handleOptions(w, r, nil)
		return
	}
	if NormalizeCode(rawCode(r)) == "" {
		s.writeError(w, r, ErrMissingCode)
		return
	}
	s.writeError(w, r, ErrMethodNotAllowed)
}

func (s *Service) write(w http.ResponseWriter, status int, body []byte) {
	setHeaders(w.Header())
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusCode(err)
	if status >= http.StatusInternalServerError {
		logger.Error(r.Context(), s.log, err)
	} else {
		s.log.Debug("sync request rejected", "method", r.Method, "path", r.URL.EscapedPath(), "status", status, "error", err)
	}
	body, _ := json.Marshal(map[string]string{"error": publicMessage(err)})
	s.write(w, status, body)
}
