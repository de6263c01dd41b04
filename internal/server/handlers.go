package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ralt/resolvd/internal/manager"
	"github.com/ralt/resolvd/internal/models"
	"github.com/ralt/resolvd/internal/update"
	"github.com/sirupsen/logrus"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Warnf("Failed to write JSON response: %v", err)
	}
}

// writeError maps err onto a status code by its error type.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	resp := ErrorResponse{Error: err.Error()}

	var pe *models.PackageError
	if errors.As(err, &pe) {
		resp.Type = pe.Type.String()
		switch pe.Type {
		case models.ErrConfigInvalid:
			status = http.StatusBadRequest
		case models.ErrNotFound:
			status = http.StatusNotFound
		case models.ErrValidationFailed:
			status = http.StatusUnprocessableEntity
		case models.ErrDownloadFailed, models.ErrLoadFailed, models.ErrEngineFailed, models.ErrUpdateCheckFailed:
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, status, resp)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg})
}

// handleExecute handles POST /v1/execute. The resolver output is passed
// through unchanged.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Source.Key == "" {
		badRequest(w, "source.key is required")
		return
	}
	op, err := models.ParseOperation(req.Operation)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	req.Params.Op = op

	out, err := s.dispatcher.ExecuteWithFallback(r.Context(), req.Source, req.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(out))
}

// handleEngines handles GET /v1/engines.
func (s *Server) handleEngines(w http.ResponseWriter, r *http.Request) {
	s.dispatcher.Initialize()
	stats := s.dispatcher.AllStats()

	views := make([]EngineView, 0)
	for _, t := range s.dispatcher.Engines() {
		st := stats[t]
		v := EngineView{
			Engine:          t,
			Successes:       st.Successes,
			Failures:        st.Failures,
			SuccessRate:     st.SuccessRate(),
			AverageDuration: st.AverageDuration(),
		}
		if !st.LastUsed.IsZero() {
			last := st.LastUsed
			v.LastUsed = &last
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) packageView(cfg models.PackageConfig) PackageView {
	v := PackageView{
		Config:  cfg,
		Status:  s.manager.Status(cfg.Key),
		Metrics: s.manager.Metrics(cfg.Key),
	}
	if d, ok := s.manager.Descriptor(cfg.Key); ok {
		v.Descriptor = &d
	}
	if sec, ok := s.manager.Security(cfg.Key); ok {
		v.Security = &sec
	}
	if s.updater != nil {
		if info, ok := s.updater.Latest(cfg.Key); ok {
			v.Update = &info
		}
	}
	return v
}

// handleListPackages handles GET /v1/packages.
func (s *Server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	configs := s.manager.Configs()
	views := make([]PackageView, 0, len(configs))
	for _, cfg := range configs {
		views = append(views, s.packageView(cfg))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleGetPackage handles GET /v1/packages/{key}.
func (s *Server) handleGetPackage(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	cfg, ok := s.manager.Config(key)
	if !ok {
		writeError(w, models.NewError(models.ErrNotFound, key, "package is not configured"))
		return
	}
	writeJSON(w, http.StatusOK, s.packageView(cfg))
}

// handleAddPackage handles POST /v1/packages.
func (s *Server) handleAddPackage(w http.ResponseWriter, r *http.Request) {
	var cfg models.PackageConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	stored, err := s.manager.AddConfig(r.Context(), cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.packageView(stored))
}

// handleRemovePackage handles DELETE /v1/packages/{key}.
func (s *Server) handleRemovePackage(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !s.manager.RemoveConfig(r.Context(), key) {
		writeError(w, models.NewError(models.ErrNotFound, key, "package is not configured"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLoadPackage handles POST /v1/packages/{key}/load?force=true.
func (s *Server) handleLoadPackage(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	if err := manager.Err(s.manager.Load(r.Context(), key, force)); err != nil {
		writeError(w, err)
		return
	}
	cfg, _ := s.manager.Config(key)
	writeJSON(w, http.StatusOK, s.packageView(cfg))
}

// handleUnloadPackage handles POST /v1/packages/{key}/unload.
func (s *Server) handleUnloadPackage(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	cfg, ok := s.manager.Config(key)
	if !ok {
		writeError(w, models.NewError(models.ErrNotFound, key, "package is not configured"))
		return
	}
	s.manager.Unload(key)
	writeJSON(w, http.StatusOK, s.packageView(cfg))
}

// handleUpdatePackage handles POST /v1/packages/{key}/update.
func (s *Server) handleUpdatePackage(w http.ResponseWriter, r *http.Request) {
	if s.updater == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "updates are disabled"})
		return
	}
	key := r.PathValue("key")

	switch res := s.updater.Update(r.Context(), key).(type) {
	case update.Success:
		writeJSON(w, http.StatusOK, UpdateResponse{
			Key:         key,
			Outcome:     "updated",
			FromVersion: res.FromVersion,
			ToVersion:   res.Descriptor.Version,
		})
	case update.UpToDate:
		writeJSON(w, http.StatusOK, UpdateResponse{
			Key:         key,
			Outcome:     "up_to_date",
			FromVersion: res.Info.CurrentVersion,
		})
	case update.Failure:
		if models.IsType(res.Err, models.ErrNotFound) {
			writeError(w, res.Err)
			return
		}
		writeJSON(w, http.StatusBadGateway, UpdateResponse{
			Key:        key,
			Outcome:    "failed",
			RolledBack: res.RolledBack,
			Error:      res.Err.Error(),
		})
	}
}

// handleCheckUpdates handles GET /v1/updates.
func (s *Server) handleCheckUpdates(w http.ResponseWriter, r *http.Request) {
	if s.updater == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "updates are disabled"})
		return
	}
	infos, errs := s.updater.CheckAllUpdates(r.Context())
	resp := UpdatesResponse{Updates: infos}
	if resp.Updates == nil {
		resp.Updates = []models.UpdateInfo{}
	}
	if len(errs) > 0 {
		resp.Errors = make(map[string]string, len(errs))
		for k, err := range errs {
			resp.Errors[k] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHealth handles GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"packages": len(s.manager.Keys()),
	})
}
