// Package api exposes the upload authorization store over JSON/HTTP and provides a
// client that implements multipart.AuthorizationClient against it.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/reelcut/mediaupload/multipart"
	"github.com/reelcut/mediaupload/multipart/s3store"
)

const requestIDHeader = "X-Request-ID"

// Store is the server-side backend behind the routes.
type Store interface {
	multipart.AuthorizationClient
	multipart.Aborter
	multipart.DirectAuthorizer
	DeleteFolder(ctx context.Context, prefix string) (int, error)
}

type initiateRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

type initiateResponse struct {
	UploadID string `json:"upload_id"`
}

type partURLResponse struct {
	URL        string            `json:"url"`
	PartNumber int               `json:"part_number"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
}

type completedPart struct {
	ETag       string `json:"etag"`
	PartNumber int    `json:"part_number"`
}

type completeRequest struct {
	Filename string          `json:"filename"`
	Parts    []completedPart `json:"parts"`
}

type urlResponse struct {
	URL string `json:"url"`
}

type directResponse struct {
	URL    string          `json:"url"`
	Target partURLResponse `json:"target"`
}

type errorResponse struct {
	Message string `json:"message"`
}

type requestIDKey struct{}

// Server routes authorization requests to a Store.
type Server struct {
	store  Store
	token  string
	logger log.Logger
	router *mux.Router
}

// NewServer creates a Server. Every request must carry token as a bearer credential.
func NewServer(store Store, token string, logger log.Logger) *Server {
	s := &Server{
		store:  store,
		token:  token,
		logger: logger,
		router: mux.NewRouter().UseEncodedPath(),
	}

	s.router.Use(s.withRequestID, s.withAuth)
	s.router.HandleFunc("/uploads", s.handleInitiate).Methods(http.MethodPost)
	s.router.HandleFunc("/uploads/{id}/parts/{part}", s.handleAuthorizePart).Methods(http.MethodGet)
	s.router.HandleFunc("/uploads/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	s.router.HandleFunc("/uploads/{id}", s.handleAbort).Methods(http.MethodDelete)
	s.router.HandleFunc("/objects", s.handleDirect).Methods(http.MethodPost)
	s.router.HandleFunc("/folders", s.handleDeleteFolder).Methods(http.MethodDelete)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
			s.writeError(w, r, http.StatusUnauthorized, errors.New("missing or invalid access token"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Filename == "" {
		s.writeError(w, r, http.StatusBadRequest, errors.New("filename is required"))
		return
	}

	session, err := s.store.Initiate(r.Context(), req.Filename, req.ContentType)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	s.logger.Debugf("[%s] Upload %s started for %s", requestID(r), session.ID, session.Key)
	s.writeJSON(w, http.StatusCreated, initiateResponse{UploadID: session.ID})
}

func (s *Server) handleAuthorizePart(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	partNumber, err := strconv.Atoi(vars["part"])
	if err != nil || partNumber < 1 {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid part number: %s", vars["part"]))
		return
	}

	session, ok := s.sessionFromRequest(w, r)
	if !ok {
		return
	}

	target, err := s.store.AuthorizePart(r.Context(), session, partNumber)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, toPartURLResponse(target, partNumber))
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Filename == "" {
		s.writeError(w, r, http.StatusBadRequest, errors.New("filename is required"))
		return
	}
	if len(req.Parts) == 0 {
		s.writeError(w, r, http.StatusBadRequest, errors.New("parts are required"))
		return
	}

	parts := make([]multipart.PartResult, 0, len(req.Parts))
	for _, p := range req.Parts {
		if p.PartNumber < 1 || p.ETag == "" {
			s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid part: %+v", p))
			return
		}
		parts = append(parts, multipart.PartResult{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	id, ok := s.uploadID(w, r)
	if !ok {
		return
	}

	session := multipart.Session{ID: id, Key: req.Filename}
	objectURL, err := s.store.Complete(r.Context(), session, parts)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	s.logger.Infof("[%s] Upload %s completed: %s", requestID(r), session.ID, objectURL)
	s.writeJSON(w, http.StatusOK, urlResponse{URL: objectURL})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionFromRequest(w, r)
	if !ok {
		return
	}

	if err := s.store.Abort(r.Context(), session); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	s.logger.Debugf("[%s] Upload %s aborted", requestID(r), session.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDirect(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Filename == "" {
		s.writeError(w, r, http.StatusBadRequest, errors.New("filename is required"))
		return
	}

	target, objectURL, err := s.store.AuthorizeDirect(r.Context(), req.Filename, req.ContentType)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, directResponse{URL: objectURL, Target: toPartURLResponse(target, 1)})
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if strings.Trim(prefix, "/") == "" {
		s.writeError(w, r, http.StatusBadRequest, errors.New("prefix is required"))
		return
	}

	deleted, err := s.store.DeleteFolder(r.Context(), prefix)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	s.logger.Infof("[%s] Deleted %d objects under %s", requestID(r), deleted, prefix)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sessionFromRequest(w http.ResponseWriter, r *http.Request) (multipart.Session, bool) {
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		s.writeError(w, r, http.StatusBadRequest, errors.New("filename is required"))
		return multipart.Session{}, false
	}

	id, ok := s.uploadID(w, r)
	if !ok {
		return multipart.Session{}, false
	}

	return multipart.Session{ID: id, Key: filename}, true
}

// uploadID returns the decoded upload id path variable. Store ids may contain reserved characters.
func (s *Server) uploadID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := url.PathUnescape(mux.Vars(r)["id"])
	if err != nil || id == "" {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid upload id: %s", mux.Vars(r)["id"]))
		return "", false
	}
	return id, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, s3store.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, s3store.ErrInvalidParts):
		status = http.StatusConflict
	case errors.Is(err, s3store.ErrInvalidPartNumber):
		status = http.StatusBadRequest
	}

	s.writeError(w, r, status, err)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Errorf("[%s] %s %s: %s", requestID(r), r.Method, r.URL.Path, err)
	} else {
		s.logger.Warnf("[%s] %s %s: %s", requestID(r), r.Method, r.URL.Path, err)
	}

	s.writeJSON(w, status, errorResponse{Message: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warnf("Failed to write response: %s", err)
	}
}

func toPartURLResponse(target multipart.TransferTarget, partNumber int) partURLResponse {
	return partURLResponse{
		URL:        target.URL,
		PartNumber: partNumber,
		Method:     target.Method,
		Headers:    target.Headers,
	}
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}
