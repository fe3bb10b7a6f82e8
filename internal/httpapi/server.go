package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/PetoAdam/homenavi/govee-adapter/internal/model"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/poller"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/pubsub"
	apperrors "github.com/PetoAdam/homenavi/govee-adapter/pkg/errors"
)

// Controller is the outward surface of the adapter.
type Controller interface {
	ListDevices() []model.Device
	GetState(id string) (model.Snapshot, error)
	GetPowerState(id string) (*bool, error)
	GetBrightness(id string) (*int, error)
	TogglePower(ctx context.Context, id string, on bool) error
	SetBrightness(ctx context.Context, id string, pct float64, commit bool) error
	SetColor(ctx context.Context, id string, rgb model.RGB) error
	SetColorTemperature(ctx context.Context, id string, kelvin int) error
	RequestStatus(id string) error
	RefreshAll(ctx context.Context) poller.RefreshReport
	Rediscover(ctx context.Context) ([]model.Device, error)
	Sessions() []pubsub.Status
	OpenSession(ctx context.Context, kind string) error
	CloseSession(name string)
}

type Server struct {
	ctl Controller
	ws  http.Handler
}

func NewServer(ctl Controller, ws http.Handler) *Server {
	return &Server{ctl: ctl, ws: ws}
}

func (s *Server) Register(r chi.Router) {
	if s.ws != nil {
		r.Get("/ws/govee", s.ws.ServeHTTP)
	}

	r.Route("/api/govee", func(r chi.Router) {
		r.Get("/devices", s.handleDevicesList)
		r.Post("/devices/rediscover", s.handleRediscover)
		r.Post("/refresh", s.handleRefresh)

		r.Route("/devices/{device_id}", func(r chi.Router) {
			r.Get("/state", s.handleState)
			r.Post("/status-request", s.handleStatusRequest)
			r.Get("/power", s.handlePowerGet)
			r.Put("/power", s.handlePowerPut)
			r.Get("/brightness", s.handleBrightnessGet)
			r.Put("/brightness", s.handleBrightnessPut)
			r.Put("/color", s.handleColorPut)
			r.Put("/color-temperature", s.handleColorTemperaturePut)
		})

		r.Get("/sessions", s.handleSessionsList)
		r.Post("/sessions/{name}", s.handleSessionOpen)
		r.Delete("/sessions/{name}", s.handleSessionClose)
	})
}

func (s *Server) handleDevicesList(w http.ResponseWriter, r *http.Request) {
	devs := s.ctl.ListDevices()
	if devs == nil {
		devs = []model.Device{}
	}
	writeJSON(w, http.StatusOK, devs)
}

func (s *Server) handleRediscover(w http.ResponseWriter, r *http.Request) {
	devs, err := s.ctl.Rediscover(r.Context())
	if err != nil {
		writeErr(w, "rediscover", err)
		return
	}
	if devs == nil {
		devs = []model.Device{}
	}
	writeJSON(w, http.StatusOK, devs)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.RefreshAll(r.Context()))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ctl.GetState(deviceParam(r))
	if err != nil {
		writeErr(w, "get state", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStatusRequest(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.RequestStatus(deviceParam(r)); err != nil {
		writeErr(w, "status request", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type powerBody struct {
	On *bool `json:"on"`
}

func (s *Server) handlePowerGet(w http.ResponseWriter, r *http.Request) {
	on, err := s.ctl.GetPowerState(deviceParam(r))
	if err != nil {
		writeErr(w, "get power", err)
		return
	}
	writeJSON(w, http.StatusOK, powerBody{On: on})
}

func (s *Server) handlePowerPut(w http.ResponseWriter, r *http.Request) {
	var body powerBody
	if err := decodeJSON(r, &body); err != nil || body.On == nil {
		apperrors.WriteError(w, apperrors.BadRequest(`body must be {"on": true|false}`))
		return
	}
	id := deviceParam(r)
	if err := s.ctl.TogglePower(r.Context(), id, *body.On); err != nil {
		writeErr(w, "toggle power", err)
		return
	}
	writeJSON(w, http.StatusOK, powerBody{On: body.On})
}

type brightnessBody struct {
	Brightness *float64 `json:"brightness"`
	Commit     *bool    `json:"commit,omitempty"`
}

func (s *Server) handleBrightnessGet(w http.ResponseWriter, r *http.Request) {
	b, err := s.ctl.GetBrightness(deviceParam(r))
	if err != nil {
		writeErr(w, "get brightness", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*int{"brightness": b})
}

// handleBrightnessPut writes immediately unless commit is false, which marks
// an in-progress slider drag.
func (s *Server) handleBrightnessPut(w http.ResponseWriter, r *http.Request) {
	var body brightnessBody
	if err := decodeJSON(r, &body); err != nil || body.Brightness == nil || math.IsNaN(*body.Brightness) || math.IsInf(*body.Brightness, 0) {
		apperrors.WriteError(w, apperrors.BadRequest(`body must be {"brightness": number, "commit": bool}`))
		return
	}
	commit := body.Commit == nil || *body.Commit
	id := deviceParam(r)
	if err := s.ctl.SetBrightness(r.Context(), id, *body.Brightness, commit); err != nil {
		writeErr(w, "set brightness", err)
		return
	}
	status := http.StatusOK
	if !commit {
		status = http.StatusAccepted
	}
	b, _ := s.ctl.GetBrightness(id)
	writeJSON(w, status, map[string]*int{"brightness": b})
}

type colorBody struct {
	R *int `json:"r"`
	G *int `json:"g"`
	B *int `json:"b"`
}

func channel(v *int) (uint8, bool) {
	if v == nil || *v < 0 || *v > 255 {
		return 0, false
	}
	return uint8(*v), true
}

func (s *Server) handleColorPut(w http.ResponseWriter, r *http.Request) {
	var body colorBody
	if err := decodeJSON(r, &body); err != nil {
		apperrors.WriteError(w, apperrors.BadRequest("invalid json"))
		return
	}
	red, okR := channel(body.R)
	green, okG := channel(body.G)
	blue, okB := channel(body.B)
	if !okR || !okG || !okB {
		apperrors.WriteError(w, apperrors.BadRequest("r, g and b must be integers in 0..255"))
		return
	}
	rgb := model.RGB{R: red, G: green, B: blue}
	if err := s.ctl.SetColor(r.Context(), deviceParam(r), rgb); err != nil {
		writeErr(w, "set color", err)
		return
	}
	writeJSON(w, http.StatusOK, rgb)
}

func (s *Server) handleColorTemperaturePut(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kelvin *int `json:"kelvin"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Kelvin == nil || *body.Kelvin <= 0 {
		apperrors.WriteError(w, apperrors.BadRequest(`body must be {"kelvin": positive integer}`))
		return
	}
	if err := s.ctl.SetColorTemperature(r.Context(), deviceParam(r), *body.Kelvin); err != nil {
		writeErr(w, "set color temperature", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	sessions := s.ctl.Sessions()
	if sessions == nil {
		sessions = []pubsub.Status{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSessionOpen(w http.ResponseWriter, r *http.Request) {
	kind := strings.TrimSpace(chi.URLParam(r, "name"))
	if kind != pubsub.KindSimple && kind != pubsub.KindCertificate {
		apperrors.WriteError(w, apperrors.BadRequest("kind must be simple or certificate"))
		return
	}
	if err := s.ctl.OpenSession(r.Context(), kind); err != nil {
		writeErr(w, "open session", err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctl.Sessions())
}

func (s *Server) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	s.ctl.CloseSession(strings.TrimSpace(chi.URLParam(r, "name")))
	w.WriteHeader(http.StatusNoContent)
}

func deviceParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "device_id"))
}

func writeErr(w http.ResponseWriter, op string, err error) {
	appErr := apperrors.FromError(err)
	if appErr.Code >= http.StatusInternalServerError || errors.Is(err, apperrors.ErrUnsupported) {
		slog.Warn("govee request failed", "op", op, "status", appErr.Code, "error", err)
	}
	apperrors.WriteError(w, appErr)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
