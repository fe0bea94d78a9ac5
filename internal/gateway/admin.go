package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flemzord/tiermem/internal/blob"
	"github.com/flemzord/tiermem/internal/durable"
	"github.com/flemzord/tiermem/internal/engine"
	"github.com/flemzord/tiermem/internal/memory"
)

// storeRequest is the body of POST /api/conversations/{id}/memories.
type storeRequest struct {
	UserInput string          `json:"user_input"`
	Content   string          `json:"content"`
	Context   *memory.Context `json:"context,omitempty"`
}

// handleStore stores one exchange in a conversation.
func (g *Gateway) handleStore() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req storeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			writeJSON(w, http.StatusBadRequest, errorBody("content must not be empty"))
			return
		}

		st, err := g.mem.StoreMemory(r.Context(), chi.URLParam(r, "id"), req.UserInput, req.Content, req.Context)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, st)
	}
}

// handleRetrieve answers GET /api/conversations/{id}/memories?q=&topic=.
func (g *Gateway) handleRetrieve() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var mc *memory.Context
		if topic := q.Get("topic"); topic != "" {
			mc = &memory.Context{Topic: topic}
		}

		res, err := g.mem.RetrieveMemory(r.Context(), chi.URLParam(r, "id"), q.Get("q"), mc)
		if err != nil {
			writeError(w, err)
			return
		}
		if res.Items == nil {
			res.Items = []engine.Item{}
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (g *Gateway) handleOverview() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ov, err := g.mem.ConversationOverview(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ov)
	}
}

func (g *Gateway) handleDelete() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := g.mem.DeleteConversation(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if st == (engine.DeleteStatus{}) {
			writeJSON(w, http.StatusNotFound, errorBody("conversation not found"))
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func (g *Gateway) handleStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := g.mem.SystemStats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func (g *Gateway) handleOptimize() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := g.mem.OptimizeMemory(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		g.logger.Info("optimization triggered via API", "cleaned", st.Report.Cleaned())
		writeJSON(w, http.StatusOK, st)
	}
}

// backupRequest is the body of POST /api/backups. Since selects an
// incremental backup; otherwise Conversations (or everything) is backed up.
type backupRequest struct {
	Conversations []string   `json:"conversations,omitempty"`
	Since         *time.Time `json:"since,omitempty"`
}

type backupResponse struct {
	Handle durable.Handle `json:"handle"`
}

func (g *Gateway) handleBackup() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req backupRequest
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return
		}
		if req.Since != nil && len(req.Conversations) > 0 {
			writeJSON(w, http.StatusBadRequest, errorBody("since and conversations are mutually exclusive"))
			return
		}

		var (
			h   durable.Handle
			err error
		)
		if req.Since != nil {
			h, err = g.mem.IncrementalBackup(r.Context(), *req.Since)
		} else {
			h, err = g.mem.Backup(r.Context(), req.Conversations...)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		g.logger.Info("backup written via API", "handle", h)
		writeJSON(w, http.StatusCreated, backupResponse{Handle: h})
	}
}

func (g *Gateway) handleListBackups() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hs, err := g.mem.ListBackups(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if hs == nil {
			hs = []durable.Handle{}
		}
		writeJSON(w, http.StatusOK, hs)
	}
}

type restoreRequest struct {
	Handle durable.Handle `json:"handle"`
	Verify bool           `json:"verify"`
}

func (g *Gateway) handleRestore() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req restoreRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Handle == "" {
			writeJSON(w, http.StatusBadRequest, errorBody("handle is required"))
			return
		}

		res, err := g.mem.Restore(r.Context(), req.Handle, req.Verify)
		if err != nil {
			writeError(w, err)
			return
		}
		g.logger.Info("backup restored via API", "handle", req.Handle, "restored", res.Restored)
		writeJSON(w, http.StatusOK, res)
	}
}

type migrateRequest struct {
	Target int `json:"target"`
}

type migrateResponse struct {
	Migrated    int    `json:"migrated"`
	LastVersion int    `json:"last_version,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (g *Gateway) handleMigrate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req migrateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Target <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody("target must be positive"))
			return
		}

		n, err := g.mem.MigrateSchema(r.Context(), req.Target)
		var merr *memory.MigrationError
		if errors.As(err, &merr) {
			writeJSON(w, http.StatusInternalServerError, migrateResponse{
				Migrated:    n,
				LastVersion: merr.LastVersion,
				Error:       err.Error(),
			})
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, migrateResponse{Migrated: n})
	}
}

// decodeBody decodes a JSON request body into v, answering 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf("invalid request body: %v", err)))
		return false
	}
	return true
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// writeError maps engine errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, memory.ErrNotInitialized), errors.Is(err, memory.ErrShutdown):
		code = http.StatusServiceUnavailable
	case errors.Is(err, memory.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, engine.ErrPersistenceDisabled):
		code = http.StatusConflict
	case errors.Is(err, memory.ErrCapacityExceeded):
		code = http.StatusInsufficientStorage
	case errors.Is(err, engine.ErrInvalidArgument):
		code = http.StatusBadRequest
	}
	writeJSON(w, code, errorBody(err.Error()))
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
