// Package api wires the control-plane HTTP surface spec.md §6 describes
// at interface level: register/scale/weight/retire versions, start and
// advance rollouts, and list services/events/rollouts. It is a thin
// net/http.ServeMux translation layer over the store, registry, and
// rollout coordinator; it holds no state of its own.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/cuemby/dsr/internal/apperr"
	"github.com/cuemby/dsr/internal/log"
	"github.com/cuemby/dsr/internal/registry"
	"github.com/cuemby/dsr/internal/rollout"
	"github.com/cuemby/dsr/internal/store"
	"github.com/cuemby/dsr/internal/types"
)

// Server exposes the control-plane endpoints. Handler returns an
// http.Handler suitable for http.ListenAndServe.
type Server struct {
	store    store.Store
	registry *registry.State
	rollouts *rollout.Coordinator
	logger   zerolog.Logger
}

// New builds a Server over the given store, registry, and rollout coordinator.
func New(st store.Store, reg *registry.State, rc *rollout.Coordinator) *Server {
	return &Server{store: st, registry: reg, rollouts: rc, logger: log.WithComponent("api")}
}

// Handler builds the routed mux. Method+path patterns follow Go 1.22+
// ServeMux syntax, matching spec.md §6's operation list one-to-one.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /services", s.handleRegisterVersion)
	mux.HandleFunc("GET /services", s.handleListServices)
	mux.HandleFunc("POST /services/{service}/versions/{version}/scale", s.handleScale)
	mux.HandleFunc("POST /services/{service}/versions/{version}/weight", s.handleWeight)
	mux.HandleFunc("POST /services/{service}/versions/{version}/retire", s.handleRetire)
	mux.HandleFunc("POST /services/{service}/rollout", s.handleStartRollout)
	mux.HandleFunc("POST /rollouts/{id}/continue", s.handleContinueRollout)
	mux.HandleFunc("GET /rollouts", s.handleListRollouts)
	mux.HandleFunc("GET /events", s.handleEvents)
	return mux
}

type registerVersionRequest struct {
	Service      string `json:"service"`
	Version      string `json:"version"`
	Image        string `json:"image"`
	InternalPort int    `json:"internal_port"`
	HealthPath   string `json:"health_path"`
	Replicas     int    `json:"replicas"`
	Weight       int    `json:"weight"`
	State        string `json:"state"`
}

func (s *Server) handleRegisterVersion(w http.ResponseWriter, r *http.Request) {
	var req registerVersionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.HealthPath == "" {
		req.HealthPath = "/health"
	}
	if req.Replicas == 0 {
		req.Replicas = 1
	}
	if req.Weight == 0 && req.State != string(types.VersionRetired) {
		req.Weight = 100
	}
	if req.State == "" {
		req.State = string(types.VersionActive)
	}

	if err := types.ValidateServiceName(req.Service); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := types.ValidateVersionLabel(req.Version); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := types.ValidateHealthPath(req.HealthPath); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.InternalPort < 1 || req.InternalPort > 65535 {
		writeError(w, http.StatusBadRequest, errors.New("internal_port must be between 1 and 65535"))
		return
	}

	svc, err := s.store.GetOrCreateService(req.Service)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	v, err := s.store.UpsertVersion(&types.Version{
		ServiceID:       svc.ID,
		ServiceName:     req.Service,
		Label:           req.Version,
		Image:           req.Image,
		InternalPort:    req.InternalPort,
		HealthPath:      req.HealthPath,
		DesiredReplicas: req.Replicas,
		RouteWeight:     req.Weight,
		State:           types.VersionState(req.State),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	_ = s.store.LogEvent(types.EventInfo, "Registered version "+req.Version, req.Service, req.Version)
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.store.ListServices()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	type serviceView struct {
		*types.Service
		Versions []*types.Version `json:"versions"`
	}
	out := make([]serviceView, 0, len(services))
	for _, svc := range services {
		versions, err := s.store.ListVersions(svc.Name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out = append(out, serviceView{Service: svc, Versions: versions})
	}
	writeJSON(w, http.StatusOK, out)
}

type scaleRequest struct {
	Replicas int `json:"replicas"`
}

func (s *Server) handleScale(w http.ResponseWriter, r *http.Request) {
	service, version := r.PathValue("service"), r.PathValue("version")
	var req scaleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Replicas < 0 {
		writeError(w, http.StatusBadRequest, errors.New("replicas must be >= 0"))
		return
	}
	v, err := s.mustVersion(w, service, version)
	if err != nil {
		return
	}
	if err := s.store.SetVersionReplicas(v.ID, req.Replicas); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	_ = s.store.LogEvent(types.EventInfo, "Scaled to "+strconv.Itoa(req.Replicas)+" replicas", service, version)
	writeJSON(w, http.StatusOK, map[string]any{"service": service, "version": version, "replicas": req.Replicas})
}

type weightRequest struct {
	Weight int `json:"weight"`
}

func (s *Server) handleWeight(w http.ResponseWriter, r *http.Request) {
	service, version := r.PathValue("service"), r.PathValue("version")
	var req weightRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Weight < 0 || req.Weight > 100 {
		writeError(w, http.StatusBadRequest, errors.New("weight must be between 0 and 100"))
		return
	}
	v, err := s.mustVersion(w, service, version)
	if err != nil {
		return
	}
	if err := s.store.SetVersionWeight(v.ID, req.Weight); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	_ = s.store.LogEvent(types.EventInfo, "Set weight to "+strconv.Itoa(req.Weight), service, version)
	writeJSON(w, http.StatusOK, map[string]any{"service": service, "version": version, "weight": req.Weight})
}

func (s *Server) handleRetire(w http.ResponseWriter, r *http.Request) {
	service, version := r.PathValue("service"), r.PathValue("version")
	v, err := s.mustVersion(w, service, version)
	if err != nil {
		return
	}
	if err := s.store.SetVersionState(v.ID, types.VersionRetired); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	_ = s.store.SetVersionWeight(v.ID, 0)
	_ = s.store.SetVersionReplicas(v.ID, 0)
	_ = s.store.LogEvent(types.EventInfo, "Retired version", service, version)
	writeJSON(w, http.StatusOK, map[string]any{"service": service, "version": version, "state": types.VersionRetired})
}

type rolloutRequest struct {
	ToVersion     string `json:"to_version"`
	Image         string `json:"image"`
	InternalPort  int    `json:"internal_port"`
	HealthPath    string `json:"health_path"`
	Replicas      int    `json:"replicas"`
	Strategy      string `json:"strategy"`
	CanaryWeight  int    `json:"canary_weight"`
	StepPercent   int    `json:"step_percent"`
	StepIntervalS int    `json:"step_interval_s"`
	Auto          *bool  `json:"auto"`
	MaxWaitS      int    `json:"max_wait_s"`
}

func (s *Server) handleStartRollout(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")
	var req rolloutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.HealthPath == "" {
		req.HealthPath = "/health"
	}
	if req.Replicas == 0 {
		req.Replicas = 1
	}
	if req.CanaryWeight == 0 {
		req.CanaryWeight = 10
	}
	if req.StepPercent == 0 {
		req.StepPercent = 25
	}
	if req.StepIntervalS == 0 {
		req.StepIntervalS = 15
	}
	if req.MaxWaitS == 0 {
		req.MaxWaitS = 120
	}
	// auto defaults to true (matching the CLI's --auto-unless---manual
	// default); pass an explicit "auto": false to pause after each step.
	auto := req.Auto == nil || *req.Auto
	if err := types.ValidateVersionLabel(req.ToVersion); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	strategy := rollout.StrategyCanary
	if req.Strategy == string(rollout.StrategyBlueGreen) {
		strategy = rollout.StrategyBlueGreen
	}

	id, err := s.rollouts.Start(r.Context(), rollout.StartOptions{
		Service:       service,
		ToVersion:     req.ToVersion,
		Image:         req.Image,
		InternalPort:  req.InternalPort,
		HealthPath:    req.HealthPath,
		Replicas:      req.Replicas,
		Strategy:      strategy,
		CanaryWeight:  req.CanaryWeight,
		StepPercent:   req.StepPercent,
		StepIntervalS: req.StepIntervalS,
		Auto:          auto,
		MaxWaitS:      req.MaxWaitS,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, s.registry.GetRollout(id))
}

func (s *Server) handleContinueRollout(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.rollouts.Continue(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListRollouts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.ListRollouts())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := s.store.LatestEvents(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) mustVersion(w http.ResponseWriter, service, version string) (*types.Version, error) {
	v, err := s.store.GetVersion(service, version)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return nil, err
	}
	if v == nil {
		err := errors.New("version not found")
		writeError(w, http.StatusNotFound, err)
		return nil, err
	}
	return v, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		writeError(w, http.StatusBadRequest, apperr.ErrValidation)
		return false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, errors.Join(apperr.ErrValidation, err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
