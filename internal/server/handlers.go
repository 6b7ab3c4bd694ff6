package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"tokend/internal/lifecycle"
	"tokend/internal/store"
	"tokend/internal/token"
)

// shareTokenCacheValidity tells the gateway how long it may cache a granted
// validation before asking again. Short, so revocation bites quickly.
const shareTokenCacheValidity = 60

func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	now := s.now().UTC()
	list, err := s.queries.ListActive(r.Context(), now)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	views := toViews(list, now)
	respondJSON(w, http.StatusOK, map[string]any{"tokens": views, "count": len(views)})
}

func (s *Server) handleListExpired(w http.ResponseWriter, r *http.Request) {
	now := s.now().UTC()
	list, err := s.queries.ListExpired(r.Context(), now)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	views := toViews(list, now)
	respondJSON(w, http.StatusOK, map[string]any{"tokens": views, "count": len(views)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queries.Stats(r.Context(), s.now().UTC())
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"total_active_tokens": stats.TotalActive,
		"tokens_by_type":      stats.ByType,
		"tokens_by_usage":     stats.ByUsage,
	})
}

// The authorization plugin sends PascalCase fields, the dashboard kebab-case.
// encoding/json matches names case-insensitively but not across separators,
// so the kebab variants get their own fields and are coalesced below.
type issueResource struct {
	Level        string `json:"level"`
	DicomUID     string `json:"DicomUid"`
	DicomUIDKeb  string `json:"dicom-uid"`
	OrthancID    string `json:"OrthancId"`
	OrthancIDKeb string `json:"orthanc-id"`
}

type issueRequest struct {
	Resources           []issueResource `json:"resources"`
	ValidityDuration    *int64          `json:"ValidityDuration"`
	ValidityDurationKeb *int64          `json:"validity-duration"`
	MaxUses             *int            `json:"MaxUses"`
	MaxUsesKeb          *int            `json:"max-uses"`
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	tokenType := chi.URLParam(r, "tokenType")

	var req issueRequest
	if err := decodeJSONLenient(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, kindInvalidRequest, err)
		return
	}

	resources := make([]token.Resource, 0, len(req.Resources))
	for _, res := range req.Resources {
		level := token.Level(strings.ToLower(strings.TrimSpace(res.Level)))
		if level == "" {
			level = token.LevelStudy
		}
		resources = append(resources, token.Resource{
			Level:     level,
			DicomUID:  strings.TrimSpace(firstNonEmpty(res.DicomUID, res.DicomUIDKeb)),
			OrthancID: strings.TrimSpace(firstNonEmpty(res.OrthancID, res.OrthancIDKeb)),
		})
	}

	issue := lifecycle.IssueRequest{
		Type:      tokenType,
		Resources: resources,
		Actor:     r.Header.Get("Remote-User"),
	}
	if d := coalesceInt64(req.ValidityDuration, req.ValidityDurationKeb); d != nil {
		ttl := time.Duration(*d) * time.Second
		issue.TTL = &ttl
	}
	if m := coalesceInt(req.MaxUses, req.MaxUsesKeb); m != nil {
		issue.MaxUses = m
	}

	tok, err := s.manager.Issue(r.Context(), issue)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	// Instant links get no URL: the explorer builds its own. Publications
	// get a share link that routes through the viewer redirect.
	var shareURL any
	if tok.Type != token.TypeInstantLink {
		shareURL = s.baseURL(r) + "/share/?token=" + url.QueryEscape(tok.ID.String())
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"Token": tok.ID.String(),
		"Url":   shareURL,
	})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		respondError(w, http.StatusBadRequest, kindInvalidRequest, errors.New("valid token id is required"))
		return
	}

	if err := s.manager.Revoke(r.Context(), id, r.Header.Get("Remote-User")); err != nil {
		s.respondStoreError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type validateRequest struct {
	TokenValue string `json:"token-value"`
	Level      string `json:"level"`
	Method     string `json:"method"`
	OrthancID  string `json:"orthanc-id"`
	DicomUID   string `json:"dicom-uid"`
	URI        string `json:"uri"`
}

// handleValidate is the redemption hot path: the imaging gateway calls it
// before granting each resource access. A denial is a normal 200 response
// with granted=false; only store failures surface as errors, and those deny
// by default.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeJSONLenient(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, kindInvalidRequest, err)
		return
	}

	id, err := uuid.Parse(normalizeBearer(req.TokenValue))
	if err != nil {
		respondJSON(w, http.StatusOK, map[string]any{"granted": false, "validity": 0})
		return
	}

	result, err := s.manager.Redeem(r.Context(), id)
	if err != nil {
		if _, ok := token.AsInvalid(err); ok || errors.Is(err, store.ErrNotFound) {
			respondJSON(w, http.StatusOK, map[string]any{"granted": false, "validity": 0})
			return
		}
		s.respondStoreError(w, err)
		return
	}

	granted := result.Token.Covers(token.AccessRequest{
		Level:     token.Level(strings.ToLower(req.Level)),
		Method:    req.Method,
		OrthancID: req.OrthancID,
		DicomUID:  req.DicomUID,
		URI:       req.URI,
	})

	respondJSON(w, http.StatusOK, map[string]any{
		"granted":  granted,
		"validity": shareTokenCacheValidity,
	})
}

type decodeRequest struct {
	TokenKey   string `json:"token-key"`
	TokenValue string `json:"token-value"`
}

// handleDecode resolves a share token into a viewer redirect without
// consuming quota; the redirect target performs the actual redemption.
func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	var req decodeRequest
	if err := decodeJSONLenient(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, kindInvalidRequest, err)
		return
	}

	id, err := uuid.Parse(normalizeBearer(req.TokenValue))
	if err != nil {
		respondJSON(w, http.StatusOK, map[string]any{"error-code": "unknown"})
		return
	}

	tok, err := s.manager.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondJSON(w, http.StatusOK, map[string]any{"error-code": "unknown"})
			return
		}
		s.respondStoreError(w, err)
		return
	}

	if !token.Evaluate(tok, s.now().UTC()).Valid {
		respondJSON(w, http.StatusOK, map[string]any{"error-code": "expired"})
		return
	}
	if len(tok.Resources) == 0 {
		respondJSON(w, http.StatusOK, map[string]any{"error-code": "invalid"})
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"token-type":   tok.Type,
		"redirect-url": s.baseURL(r) + "/share/?token=" + url.QueryEscape(tok.ID.String()),
	})
}

func (s *Server) respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, token.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, kindInvalidRequest, err)
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, kindNotFound, err)
	case errors.Is(err, store.ErrConflict):
		respondError(w, http.StatusConflict, kindConflict, err)
	case errors.Is(err, store.ErrUnavailable):
		respondError(w, http.StatusServiceUnavailable, kindStoreUnavailable, err)
	default:
		if ie, ok := token.AsInvalid(err); ok {
			respondError(w, http.StatusGone, kindTokenInvalid+":"+string(ie.Reason), err)
			return
		}
		respondError(w, http.StatusInternalServerError, kindStoreUnavailable, err)
	}
}

func (s *Server) baseURL(r *http.Request) string {
	if s.config.PublicBaseURL != "" {
		return strings.TrimRight(s.config.PublicBaseURL, "/")
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func normalizeBearer(value string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(value), "Bearer "))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func coalesceInt64(values ...*int64) *int64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func coalesceInt(values ...*int) *int {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
