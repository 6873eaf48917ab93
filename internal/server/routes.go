package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/lazypower/tiermem/internal/engine"
	"github.com/lazypower/tiermem/internal/memory"
	"github.com/lazypower/tiermem/internal/warm"
)

const (
	defaultImportance = 0.5
	defaultLimit      = 10
	maxLimit          = 200
)

type observationJSON struct {
	ID         memory.ID       `json:"id"`
	Content    string          `json:"content"`
	Source     string          `json:"source"`
	Importance float64         `json:"importance"`
	Tier       memory.Tier     `json:"tier"`
	CapturedAt time.Time       `json:"captured_at"`
	Metadata   memory.Metadata `json:"metadata,omitempty"`
}

func toJSON(o *memory.Observation) observationJSON {
	return observationJSON{
		ID:         o.ID,
		Content:    o.Content,
		Source:     o.Source,
		Importance: o.Importance,
		Tier:       o.Tier,
		CapturedAt: o.CapturedAt,
		Metadata:   o.Metadata,
	}
}

type hitJSON struct {
	observationJSON
	Relevance float64 `json:"relevance"`
	Score     float64 `json:"score"`
}

// intParam parses an optional positive integer query parameter.
func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content    string         `json:"content"`
		Importance *float64       `json:"importance"`
		Source     string         `json:"source"`
		Metadata   map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	importance := defaultImportance
	if req.Importance != nil {
		importance = *req.Importance
	}

	id, err := s.mgr.Capture(req.Content, importance, req.Source, memory.MetadataFromMap(req.Metadata))
	if err != nil {
		if errors.Is(err, memory.ErrEmptyContent) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("capture failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleGetObservation(w http.ResponseWriter, r *http.Request) {
	id := memory.ID(chi.URLParam(r, "id"))
	o, err := s.mgr.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if o == nil {
		writeError(w, http.StatusNotFound, "observation not found")
		return
	}
	writeJSON(w, http.StatusOK, toJSON(o))
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	budget, err := intParam(r, "budget", s.budget)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	query := r.URL.Query().Get("q")

	text, ids, err := s.mgr.Query(r.Context(), query, budget)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ids == nil {
		ids = []memory.ID{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"context": text,
		"ids":     ids,
		"budget":  budget,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "q parameter required")
		return
	}
	limit, err := intParam(r, "limit", defaultLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit == 0 || limit > maxLimit {
		limit = maxLimit
	}

	var f warm.Filter
	for _, src := range r.URL.Query()["source"] {
		for _, part := range strings.Split(src, ",") {
			if part = strings.TrimSpace(part); part != "" {
				f.Sources = append(f.Sources, part)
			}
		}
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		f.Since = t
	}

	hits := s.mgr.Search(r.Context(), query, f, limit)
	out := make([]hitJSON, len(hits))
	for i := range hits {
		out[i] = hitJSON{
			observationJSON: toJSON(&hits[i].Observation),
			Relevance:       hits[i].Relevance,
			Score:           hits[i].Score,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":   query,
		"count":   len(out),
		"results": out,
	})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	obs, err := s.mgr.Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]observationJSON, len(obs))
	for i := range obs {
		out[i] = toJSON(&obs[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":        len(out),
		"observations": out,
	})
}

// handleMaintenance runs a full pass even if the caller hangs up; the
// session-end hook does not wait for it.
func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	st := s.mgr.RunMaintenance(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, st)
}

// statsJSON adds human-readable sizes to the tier status.
type statsJSON struct {
	engine.Status
	WarmSize string `json:"warm_size"`
	ColdSize string `json:"cold_size"`
	Uptime   string `json:"uptime"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.mgr.Status()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statsJSON{
		Status:   st,
		WarmSize: humanize.Bytes(uint64(st.Warm.SizeBytes)),
		ColdSize: humanize.Bytes(uint64(st.Cold.SizeBytes)),
		Uptime:   humanize.RelTime(s.started, time.Now(), "", ""),
	})
}
