package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/techplay/ab-cli/internal/dedup"
	"github.com/techplay/ab-cli/internal/experiments"
	"github.com/techplay/ab-cli/internal/model"
	"github.com/techplay/ab-cli/internal/store"
	"github.com/techplay/ab-cli/internal/variant"
)

const maxBodyBytes = 64 << 10

type assignRequest struct {
	VisitorID  string   `json:"visitor_id"`
	Experiment string   `json:"experiment"`
	Variants   []string `json:"variants"`
	Override   string   `json:"override"`
}

type assignResponse struct {
	VisitorID  string           `json:"visitor_id"`
	Assignment model.Assignment `json:"assignment"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}

func (s *Server) assign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Experiment == "" {
		writeError(w, http.StatusBadRequest, "experiment is required")
		return
	}

	exp := model.Experiment{Key: req.Experiment, Variants: req.Variants}
	if len(exp.Variants) == 0 {
		registered, err := s.registry.Get(req.Experiment)
		if err != nil {
			writeError(w, http.StatusNotFound, "unknown experiment")
			return
		}
		exp = registered
	} else if registered, err := s.registry.Get(req.Experiment); err == nil {
		exp.TTLDays = registered.TTLDays
		exp.OverrideParam = registered.OverrideParam
	}

	if req.VisitorID == "" {
		req.VisitorID = uuid.NewString()
	}

	override := req.Override
	if override == "" {
		override = variant.OverrideFromQuery(r.URL.Query(), exp.Param())
	}

	aopts := []variant.AssignerOption{variant.WithClock(s.now), variant.WithLogger(s.log)}
	if s.rnd != nil {
		aopts = append(aopts, variant.WithRand(s.rnd))
	}
	assigner := variant.NewAssigner(variant.NewKVStore(s.store, req.VisitorID), aopts...)

	a, err := assigner.Assign(r.Context(), exp.Key, exp.Variants,
		variant.WithTTLDays(exp.TTLDays),
		variant.WithOverride(override),
	)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if a.Fresh() {
		ev := model.Event{
			ID:            uuid.NewString(),
			Name:          model.EventAssign,
			ExperimentKey: exp.Key,
			Variant:       a.Variant,
			VisitorID:     req.VisitorID,
			Metadata:      map[string]any{"source": string(a.Source)},
			OccurredAt:    a.AssignedAt,
		}
		if err := s.store.RecordEvent(r.Context(), ev); err != nil {
			s.log.Warn("server: record assign event failed", zap.String("experiment", exp.Key), zap.Error(err))
		}
		s.emit(r.Context(), ev)
	}

	writeJSON(w, http.StatusOK, assignResponse{VisitorID: req.VisitorID, Assignment: a})
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.VisitorID == "" || req.Experiment == "" {
		writeError(w, http.StatusBadRequest, "visitor_id and experiment are required")
		return
	}
	err := s.store.DeleteAssignment(r.Context(), req.VisitorID, model.StorageKey(req.Experiment))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Error("server: reset failed", zap.String("experiment", req.Experiment), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// events accepts a flat JSON payload: the correlation fields plus any extra
// metadata, as pushed by the client-side tracker.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ev := model.Event{
		Name:          model.EventName(takeString(body, "event")),
		Variant:       takeString(body, "variant"),
		ExperimentKey: takeString(body, "experiment"),
		SubjectID:     takeString(body, "subject"),
		VisitorID:     takeString(body, "visitor_id"),
		ID:            takeString(body, "event_id"),
		OccurredAt:    s.now().UTC(),
	}
	if ev.Name == "" || ev.Variant == "" {
		writeError(w, http.StatusBadRequest, "event and variant are required")
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if len(body) > 0 {
		ev.Metadata = body
	}

	var sig string
	if ev.Name.Deduplicated() {
		sig = dedup.Signature(string(ev.Name), ev.VisitorID, ev.ExperimentKey, ev.Variant, ev.SubjectID)
		if s.guard.Seen(sig, s.cfg.ImpressionWindow) {
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "duplicate"})
			return
		}
	}

	if err := s.store.RecordEvent(r.Context(), ev); err != nil {
		// Unmark so a client retry is not swallowed as a duplicate.
		if sig != "" {
			s.guard.Forget(sig)
		}
		s.log.Error("server: record event failed",
			zap.String("event", string(ev.Name)),
			zap.String("experiment", ev.ExperimentKey),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "record failed")
		return
	}
	s.emit(r.Context(), ev)

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "id": ev.ID})
}

// emit forwards ev to the configured sinks. Sink failures never fail the request.
func (s *Server) emit(ctx context.Context, ev model.Event) {
	for _, sink := range s.sinks {
		if err := sink.Emit(ctx, ev); err != nil {
			s.log.Warn("server: sink emit failed", zap.String("event", string(ev.Name)), zap.Error(err))
		}
	}
}

func (s *Server) listExperiments(w http.ResponseWriter, _ *http.Request) {
	out := make([]model.Experiment, 0, s.registry.Len())
	for _, k := range s.registry.Keys() {
		e, _ := s.registry.Get(k)
		out = append(out, e)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	rep, err := s.reports.Collect(r.Context(), key)
	if err != nil {
		s.log.Error("server: stats failed", zap.String("experiment", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	if _, err := s.registry.Get(key); errors.Is(err, experiments.ErrUnknown) && len(rep.Variants) == 0 {
		writeError(w, http.StatusNotFound, "unknown experiment")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

// takeString removes key from m and returns it when it holds a string.
func takeString(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	delete(m, key)
	s, _ := v.(string)
	return s
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
