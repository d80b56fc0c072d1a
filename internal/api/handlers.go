package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/webfarm/internal/harvest"
	"github.com/JakeFAU/webfarm/internal/orchestrator"
)

const (
	defaultBlockedLimit = 50
	maxBlockedLimit     = 1000
	storeTimeout        = 3 * time.Second
	maxBodyBytes        = 64 << 10
)

type handlers struct {
	server *Server
}

func (h *handlers) logger() *zap.Logger { return h.server.logger }

func (h *handlers) storeCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), storeTimeout)
}

// latestRun handles GET /v1/runs/{profile}.
func (h *handlers) latestRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "profile")
	ctx, cancel := h.storeCtx(r)
	defer cancel()
	run, err := h.server.store.LatestRun(ctx, name)
	if err != nil {
		h.storeError(w, err, "run not found", "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

// getRun handles GET /v1/runs/{profile}/{run_id}.
func (h *handlers) getRun(w http.ResponseWriter, r *http.Request) {
	name, runID := chi.URLParam(r, "profile"), chi.URLParam(r, "run_id")
	ctx, cancel := h.storeCtx(r)
	defer cancel()
	run, err := h.server.store.GetRun(ctx, name, runID)
	if err != nil {
		h.storeError(w, err, "run not found", "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

// openProfiles handles GET /v1/profiles/blocked.
func (h *handlers) openProfiles(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.storeCtx(r)
	defer cancel()
	names, err := h.server.store.OpenBlockedProfiles(ctx)
	if err != nil {
		h.storeError(w, err, "", "failed to list profiles")
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": names})
}

// listBlocked handles GET /v1/blocked?profile=&all=&limit=&offset=. Resolved
// events are included only with all=true.
func (h *handlers) listBlocked(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultBlockedLimit, maxBlockedLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	all := false
	if raw := q.Get("all"); raw != "" {
		if all, err = strconv.ParseBool(raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid all")
			return
		}
	}
	ctx, cancel := h.storeCtx(r)
	defer cancel()
	events, err := h.server.store.ListBlocked(ctx, harvest.BlockedFilter{
		Profile:         strings.TrimSpace(q.Get("profile")),
		IncludeResolved: all,
		Limit:           limit,
		Offset:          offset,
	})
	if err != nil {
		h.storeError(w, err, "", "failed to list blocked events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": toBlockedDTOs(events)})
}

// getBlocked handles GET /v1/blocked/{event_id}.
func (h *handlers) getBlocked(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.storeCtx(r)
	defer cancel()
	ev, err := h.server.store.GetBlocked(ctx, chi.URLParam(r, "event_id"))
	if err != nil {
		h.storeError(w, err, "blocked event not found", "failed to load blocked event")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event": toBlockedDTO(ev)})
}

type resolveRequest struct {
	Note string `json:"note"`
}

// resolveBlocked handles POST /v1/blocked/{event_id}/resolve with an
// optional {"note": "..."} body. Resolving twice only updates the note.
func (h *handlers) resolveBlocked(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "event_id")
	ctx, cancel := h.storeCtx(r)
	defer cancel()
	if err := h.server.store.ResolveBlocked(ctx, id, req.Note); err != nil {
		h.storeError(w, err, "blocked event not found", "failed to resolve blocked event")
		return
	}
	ev, err := h.server.store.GetBlocked(ctx, id)
	if err != nil {
		h.storeError(w, err, "blocked event not found", "failed to load blocked event")
		return
	}
	h.logger().Info("blocked event resolved", zap.String("event_id", id), zap.String("profile", ev.Profile))
	writeJSON(w, http.StatusOK, map[string]any{"event": toBlockedDTO(ev)})
}

type resumeRequest struct {
	AutoResolve bool   `json:"auto_resolve"`
	Note        string `json:"note"`
	Continue    bool   `json:"continue"`
	MaxItems    int    `json:"max_items"`
	MaxBatches  int    `json:"max_batches"`
}

// resumeBlocked handles POST /v1/blocked/{event_id}/resume. The resume runs
// within the request; a source that blocks again answers 409 with the run
// result.
func (h *handlers) resumeBlocked(w http.ResponseWriter, r *http.Request) {
	if h.server.resumer == nil || h.server.profiles == nil {
		writeError(w, http.StatusNotImplemented, "resume is not enabled on this server")
		return
	}
	var req resumeRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MaxItems < 0 || req.MaxBatches < 0 {
		writeError(w, http.StatusBadRequest, "max_items and max_batches must be >= 0")
		return
	}
	id := chi.URLParam(r, "event_id")
	lookupCtx, cancel := h.storeCtx(r)
	ev, err := h.server.store.GetBlocked(lookupCtx, id)
	cancel()
	if err != nil {
		h.storeError(w, err, "blocked event not found", "failed to load blocked event")
		return
	}
	p, err := h.server.profiles(ev.Profile)
	if err != nil {
		writeError(w, http.StatusNotFound, "profile "+ev.Profile+" not found")
		return
	}

	res, err := h.server.resumer.ResumeBlocked(r.Context(), p, id, orchestrator.ResumeOptions{
		AutoResolve: req.AutoResolve,
		Note:        req.Note,
		Continue:    req.Continue,
		MaxItems:    req.MaxItems,
		MaxBatches:  req.MaxBatches,
	})
	switch {
	case errors.Is(err, harvest.ErrBlocked):
		writeJSON(w, http.StatusConflict, map[string]any{"result": res, "error": "source blocked again"})
	case err != nil:
		h.logger().Error("resume failed", zap.String("event_id", id), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"result": res, "error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"result": res})
	}
}

func (h *handlers) storeError(w http.ResponseWriter, err error, notFound, failed string) {
	if notFound != "" && errors.Is(err, harvest.ErrNotFound) {
		writeError(w, http.StatusNotFound, notFound)
		return
	}
	h.logger().Error(failed, zap.Error(err))
	writeError(w, http.StatusInternalServerError, failed)
}

func decodeOptionalBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return errors.New("invalid JSON body")
	}
	return nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

// blockedDTO is the wire view of a blocked event. The request is reduced to
// method and URL; the cursor state stays server side.
type blockedDTO struct {
	ID         string     `json:"id"`
	Profile    string     `json:"profile"`
	RunID      string     `json:"run_id"`
	Batch      int        `json:"batch"`
	Method     string     `json:"method"`
	URL        string     `json:"url"`
	Reason     string     `json:"reason"`
	StatusCode int        `json:"status_code,omitempty"`
	Snippet    string     `json:"snippet,omitempty"`
	Status     string     `json:"status"`
	Note       string     `json:"note,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

func toBlockedDTOs(in []harvest.BlockedEvent) []blockedDTO {
	out := make([]blockedDTO, 0, len(in))
	for _, ev := range in {
		out = append(out, toBlockedDTO(ev))
	}
	return out
}

func toBlockedDTO(ev harvest.BlockedEvent) blockedDTO {
	full, err := ev.Request.FullURL()
	if err != nil {
		full = ev.Request.URL
	}
	return blockedDTO{
		ID:         ev.ID,
		Profile:    ev.Profile,
		RunID:      ev.RunID,
		Batch:      ev.Batch,
		Method:     ev.Request.Method,
		URL:        full,
		Reason:     ev.Reason,
		StatusCode: ev.StatusCode,
		Snippet:    ev.Snippet,
		Status:     string(ev.Status),
		Note:       ev.Note,
		CreatedAt:  ev.CreatedAt,
		ResolvedAt: ev.ResolvedAt,
	}
}
