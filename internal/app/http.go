package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gavel/internal/auth"
	"gavel/internal/change"
	"gavel/internal/gitrepo"
	"gavel/internal/identity"
	"gavel/internal/push"
	"gavel/internal/review"
	"gavel/internal/search"
	"gavel/internal/store"
	"gavel/internal/submit"
)

type HTTPServer struct {
	service     *Service
	tokenSecret []byte
	corsOrigin  string
}

func NewHTTPServer(service *Service, tokenSecret []byte, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, tokenSecret: tokenSecret, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/healthz" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.service.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	actor, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", nil)
		return
	}

	parts := splitPath(r.URL.Path)

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	// /api/projects/{project}/...
	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "projects" {
		project := parts[2]
		rest := parts[3:]

		switch {
		case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "commits":
			s.handleUploadCommit(w, r, project, actor)
			return
		case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "push":
			s.handlePush(w, r, project, actor)
			return
		case r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "changes":
			s.handleListChanges(w, r, project)
			return
		case len(rest) >= 2 && rest[0] == "changes":
			s.handleChange(w, r, project, rest[1], rest[2:], actor)
			return
		}
	}

	writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
}

func (s *HTTPServer) authenticate(r *http.Request) (auth.Actor, error) {
	token := bearerToken(r)
	if token == "" {
		return auth.Actor{}, auth.ErrInvalidToken
	}
	return auth.ActorFromToken(s.tokenSecret, token)
}

func (s *HTTPServer) handleUploadCommit(w http.ResponseWriter, r *http.Request, project string, actor auth.Actor) {
	var body UploadCommitInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	hash, err := s.service.UploadCommit(r.Context(), project, actor, body)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"commit": hash})
}

func (s *HTTPServer) handlePush(w http.ResponseWriter, r *http.Request, project string, actor auth.Actor) {
	var body struct {
		Commands []struct {
			Ref string `json:"ref"`
			Old string `json:"old"`
			New string `json:"new"`
		} `json:"commands"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	commands := make([]push.Command, 0, len(body.Commands))
	for _, c := range body.Commands {
		commands = append(commands, push.Command{RefName: c.Ref, OldHash: c.Old, NewHash: c.New})
	}
	response, err := s.service.Push(r.Context(), project, actor, commands)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleListChanges(w http.ResponseWriter, r *http.Request, project string) {
	query := r.URL.Query()
	filter := store.ChangeFilter{
		Project: project,
		Status:  query.Get("status"),
		Branch:  query.Get("branch"),
		Topic:   query.Get("topic"),
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid_body", "limit must be a non-negative integer", nil)
			return
		}
		filter.Limit = limit
	}
	items, err := s.service.ListChanges(r.Context(), filter)
	if err != nil {
		writeMapped(w, err)
		return
	}
	if items == nil {
		items = []store.Change{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": items})
}

func (s *HTTPServer) handleChange(w http.ResponseWriter, r *http.Request, project, changeKey string, rest []string, actor auth.Actor) {
	if len(rest) == 0 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
			return
		}
		detail, err := s.service.GetChange(r.Context(), project, changeKey)
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
		return
	}
	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
		return
	}

	switch {
	case r.Method == http.MethodPost && rest[0] == "submit":
		result, err := s.service.Submit(r.Context(), project, changeKey, actor)
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"change":      result.Change,
			"newTip":      result.NewTip,
			"fastForward": result.FastForward,
		})

	case r.Method == http.MethodPost && rest[0] == "rebase":
		var body struct {
			Base string `json:"base"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
			return
		}
		result, err := s.service.Rebase(r.Context(), project, changeKey, actor, body.Base)
		if err != nil {
			writeMapped(w, err)
			return
		}
		response := map[string]any{"upToDate": result.UpToDate, "change": result.Change}
		if result.Outcome != nil {
			response["patchSet"] = result.Outcome.PatchSet
		}
		writeJSON(w, http.StatusOK, response)

	case r.Method == http.MethodPost && rest[0] == "cherrypick":
		var body struct {
			PatchSet   int    `json:"patchSet"`
			DestBranch string `json:"destBranch"`
			Message    string `json:"message"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.DestBranch) == "" {
			writeError(w, http.StatusBadRequest, "invalid_body", "destBranch is required", nil)
			return
		}
		result, err := s.service.CherryPick(r.Context(), project, changeKey, body.PatchSet, body.DestBranch, actor, body.Message)
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"change":   result.Outcome.Change,
			"patchSet": result.Outcome.PatchSet,
			"commit":   result.Commit,
		})

	case r.Method == http.MethodPost && rest[0] == "votes":
		var body struct {
			PatchSet int            `json:"patchSet"`
			Votes    map[string]int `json:"votes"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
			return
		}
		if len(body.Votes) == 0 {
			writeError(w, http.StatusBadRequest, "invalid_body", "votes is required", nil)
			return
		}
		approvals, err := s.service.Vote(r.Context(), project, changeKey, body.PatchSet, actor, body.Votes)
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"approvals": approvals})

	case r.Method == http.MethodPost && rest[0] == "abandon":
		item, err := s.service.Abandon(r.Context(), project, changeKey, actor)
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"change": item})

	case r.Method == http.MethodPost && rest[0] == "restore":
		item, err := s.service.Restore(r.Context(), project, changeKey, actor)
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"change": item})

	case r.Method == http.MethodPut && rest[0] == "topic":
		var body struct {
			Topic string `json:"topic"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
			return
		}
		item, err := s.service.SetTopic(r.Context(), project, changeKey, body.Topic, actor)
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"change": item})

	case r.Method == http.MethodPut && rest[0] == "wip":
		var body struct {
			WIP bool `json:"wip"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
			return
		}
		item, err := s.service.SetWIP(r.Context(), project, changeKey, body.WIP, actor)
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"change": item})

	default:
		writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := search.Query{
		Text:          query.Get("q"),
		FilterProject: query.Get("project"),
		FilterStatus:  query.Get("status"),
	}
	if raw := query.Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 {
			q.Limit = limit
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if offset, err := strconv.Atoi(raw); err == nil && offset > 0 {
			q.Offset = offset
		}
	}
	writeJSON(w, http.StatusOK, s.service.Search(q))
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		slog.Info("request",
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", writer.status),
			slog.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMapped(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// mapError translates engine sentinels into the wire error contract.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	switch {
	case errors.Is(err, identity.ErrMissingChangeID):
		return http.StatusBadRequest, "missing_change_id", err.Error(), map[string]any{"remediation": push.HookGuidance()}
	case errors.Is(err, identity.ErrInvalidChangeID):
		return http.StatusBadRequest, "invalid_change_id", err.Error(), map[string]any{"remediation": push.HookGuidance()}
	case errors.Is(err, identity.ErrMultipleChangeIDs):
		return http.StatusBadRequest, "multiple_change_ids", err.Error(), nil
	case errors.Is(err, push.ErrUnknownTargetBranch):
		return http.StatusNotFound, "unknown_target_branch", err.Error(), nil
	case errors.Is(err, push.ErrBranchProtected):
		return http.StatusForbidden, "branch_protected", err.Error(), nil
	case errors.Is(err, push.ErrTagDeletionForbidden):
		return http.StatusForbidden, "tag_deletion_forbidden", err.Error(), nil
	case errors.Is(err, store.ErrDuplicateChangeForKey):
		return http.StatusConflict, "duplicate_change_key", err.Error(), nil
	case errors.Is(err, change.ErrAlreadyMerged):
		return http.StatusConflict, "change_already_merged", err.Error(), nil
	case errors.Is(err, change.ErrAlreadyAbandoned):
		return http.StatusConflict, "change_already_abandoned", err.Error(), nil
	case errors.Is(err, change.ErrNotAbandoned):
		return http.StatusConflict, "change_not_abandoned", err.Error(), nil
	case errors.Is(err, change.ErrPatchSetExists):
		return http.StatusConflict, "patch_set_exists", err.Error(), nil
	case errors.Is(err, submit.ErrNonFastForward):
		return http.StatusConflict, "non_fast_forward", err.Error(), nil
	case errors.Is(err, submit.ErrWorkInProgress):
		return http.StatusConflict, "change_wip", err.Error(), nil
	case errors.Is(err, submit.ErrRebaseConflict):
		return http.StatusConflict, "rebase_conflict", err.Error(), nil
	case errors.Is(err, submit.ErrCherryPickConflict):
		return http.StatusConflict, "cherry_pick_conflict", err.Error(), nil
	case errors.Is(err, review.ErrInvalidVoteRange):
		return http.StatusBadRequest, "invalid_vote_range", err.Error(), nil
	case errors.Is(err, store.ErrConcurrentModification):
		return http.StatusConflict, "concurrent_modification", err.Error(), map[string]any{"retryable": true}
	case errors.Is(err, gitrepo.ErrRefNotFound):
		return http.StatusNotFound, "unknown_target_branch", err.Error(), nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "not_found", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "unauthorized", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "server_error", "Server error", nil
}
