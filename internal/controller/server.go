package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/hendraet/labshare/internal/auth"
	"github.com/hendraet/labshare/internal/clock"
	"github.com/hendraet/labshare/internal/events"
	"github.com/hendraet/labshare/internal/models"
	"github.com/hendraet/labshare/internal/scheduler"
	"github.com/hendraet/labshare/internal/store"
)

const noCurrentUser = "No current user"

type Server struct {
	store      *store.Store
	sched      *scheduler.Scheduler
	auth       *auth.Authenticator
	guard      scheduler.AccessGuard
	events     *events.EventManager
	gatherer   prometheus.Gatherer
	clock      clock.Clock
	AgentToken string
}

func NewServer(st *store.Store, sched *scheduler.Scheduler, authenticator *auth.Authenticator, guard scheduler.AccessGuard,
	em *events.EventManager, gatherer prometheus.Gatherer, clk clock.Clock, agentToken string) *Server {
	return &Server{
		store:      st,
		sched:      sched,
		auth:       authenticator,
		guard:      guard,
		events:     em,
		gatherer:   gatherer,
		clock:      clk,
		AgentToken: agentToken,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	user := func(h http.HandlerFunc) http.Handler { return s.auth.Middleware(h) }

	// Device agents (shared token auth)
	mux.Handle("POST /v1/agent/telemetry", s.auth.AgentMiddleware(s.AgentToken, http.HandlerFunc(s.handleTelemetry)))

	mux.Handle("GET /v1/devices", user(s.handleDeviceList))
	mux.Handle("GET /v1/devices/{name}/gpus", user(s.handleDeviceGPUs))
	mux.Handle("GET /v1/gpus/{uuid}", user(s.handleGPU))
	mux.Handle("GET /v1/gpus/{uuid}/info", user(s.handleGPUInfo))
	mux.Handle("GET /v1/gpus/{uuid}/events", user(s.handleGPUEvents))

	mux.Handle("POST /v1/reservations", user(s.handleReserve))
	mux.Handle("POST /v1/gpus/{uuid}/done", user(s.handleDone))
	mux.Handle("POST /v1/gpus/{uuid}/cancel", user(s.handleCancel))
	mux.Handle("POST /v1/gpus/{uuid}/extend", user(s.handleExtend))
	mux.Handle("GET /v1/whoami", user(s.handleWhoami))

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return s.withCORS(mux)
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Agent-Token")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encoding response: %v", err)
	}
}

// writeError maps engine errors onto HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, models.ErrInvalidOperation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	var req models.TelemetryReport
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Device == "" {
		http.Error(w, "device is required", http.StatusBadRequest)
		return
	}
	for _, g := range req.GPUs {
		if g.UUID == "" {
			http.Error(w, "every gpu needs a uuid", http.StatusBadRequest)
			return
		}
	}

	device := models.Device{Name: req.Device, Addr: req.Addr}
	if err := s.store.ReportTelemetry(r.Context(), device, req.GPUs, s.clock.Now()); err != nil {
		log.WithError(err).WithField("device", req.Device).Error("telemetry rejected")
		http.Error(w, "db error telemetry", http.StatusInternalServerError)
		return
	}

	s.events.Emit(events.TypeTelemetryReported, nil, nil, map[string]any{
		"device":  req.Device,
		"gpus":    len(req.GPUs),
		"version": req.AgentVersion,
	})
	w.WriteHeader(http.StatusOK)
}

// gpuViews renders gpus together with their queues.
func (s *Server) gpuViews(ctx context.Context, gpus []models.GPU) ([]models.GPUView, error) {
	names, err := s.store.UserNames(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()

	views := make([]models.GPUView, 0, len(gpus))
	for _, g := range gpus {
		q, err := s.store.Queue(ctx, g.UUID)
		if err != nil {
			return nil, err
		}
		views = append(views, models.NewGPUView(g, q, names, now))
	}
	return views, nil
}

// authorizedGPU loads the GPU named in the path and checks the caller may
// use its device.
func (s *Server) authorizedGPU(r *http.Request, user *models.User) (*models.GPU, error) {
	gpu, err := s.store.GPU(r.Context(), r.PathValue("uuid"))
	if err != nil {
		return nil, err
	}
	if !s.guard.CanUse(r.Context(), user.ID, gpu.DeviceName) {
		return nil, models.ErrForbidden
	}
	return gpu, nil
}

func (s *Server) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	devices, err := s.store.Devices(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := []models.DeviceView{}
	for _, d := range devices {
		if !s.guard.CanUse(r.Context(), user.ID, d.Name) {
			continue
		}
		gpus, err := s.store.DeviceGPUs(r.Context(), d.Name)
		if err != nil {
			writeError(w, r, err)
			return
		}
		views, err := s.gpuViews(r.Context(), gpus)
		if err != nil {
			writeError(w, r, err)
			return
		}
		out = append(out, models.DeviceView{Name: d.Name, GPUs: views})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeviceGPUs(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	device, err := s.store.Device(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !s.guard.CanUse(r.Context(), user.ID, device.Name) {
		writeError(w, r, models.ErrForbidden)
		return
	}

	gpus, err := s.store.DeviceGPUs(r.Context(), device.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views, err := s.gpuViews(r.Context(), gpus)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGPU(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	gpu, err := s.authorizedGPU(r, user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views, err := s.gpuViews(r.Context(), []models.GPU{*gpu})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views[0])
}

type GPUInfo struct {
	UUID        string `json:"uuid"`
	Memory      string `json:"memory"`
	CurrentUser string `json:"current_user"`
}

func (s *Server) handleGPUInfo(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	gpu, err := s.authorizedGPU(r, user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views, err := s.gpuViews(r.Context(), []models.GPU{*gpu})
	if err != nil {
		writeError(w, r, err)
		return
	}

	info := GPUInfo{UUID: gpu.UUID, Memory: views[0].Memory, CurrentUser: views[0].CurrentUser}
	if info.CurrentUser == "" {
		info.CurrentUser = noCurrentUser
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGPUEvents(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	gpu, err := s.authorizedGPU(r, user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	evs, err := s.store.GPUEvents(r.Context(), gpu.UUID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

type ReserveRequest struct {
	Device            string `json:"device"`
	GPU               string `json:"gpu"`
	NextAvailableSpot bool   `json:"next_available_spot"`
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	var created []models.Reservation
	switch {
	case req.NextAvailableSpot:
		if req.Device == "" {
			http.Error(w, "device is required for next_available_spot", http.StatusBadRequest)
			return
		}
		res, err := s.sched.ReserveNextAvailable(r.Context(), user.ID, req.Device)
		if err != nil {
			writeError(w, r, err)
			return
		}
		created = res
	case req.GPU != "":
		res, err := s.sched.Reserve(r.Context(), user.ID, req.GPU)
		if err != nil {
			writeError(w, r, err)
			return
		}
		created = []models.Reservation{*res}
	default:
		http.Error(w, "gpu is required", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

// DoneResponse names the user the GPU went to, if anyone was waiting.
type DoneResponse struct {
	Promoted *models.Reservation `json:"promoted,omitempty"`
}

func (s *Server) handleDone(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	promoted, err := s.sched.Finish(r.Context(), user.ID, r.PathValue("uuid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DoneResponse{Promoted: promoted})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	canceled, err := s.sched.Cancel(r.Context(), user.ID, r.PathValue("uuid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, canceled)
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	extended, err := s.sched.Extend(r.Context(), user.ID, r.PathValue("uuid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, extended)
}

func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
