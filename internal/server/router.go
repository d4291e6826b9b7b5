package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/procguard/internal/device"
	"github.com/loykin/procguard/internal/eventhandler"
	"github.com/loykin/procguard/internal/extprocess"
	"github.com/loykin/procguard/internal/process"
)

// Router provides embeddable HTTP handlers for the supervisor and the event bus.
// Endpoints:
//   GET  {basePath}/status            controller, device and process status
//   POST {basePath}/login             report that the supervised process logged in
//   GET  {basePath}/events            active events
//   POST {basePath}/events/raise      body: Raise JSON
//   POST {basePath}/events/:key/ack   body: {"type":"ok|nok|proxy|cancel"}
//   POST {basePath}/refs/:ref/ack     body: {"ok":true|false}
//   GET  {basePath}/errorcode         query: event_id=...&scenario_id=...
// basePath may be empty or start with '/'; no trailing slash.

// Controller reports supervisor state.
type Controller interface {
	Snapshot() extprocess.Snapshot
}

// Device accepts login notifications.
type Device interface {
	Login() error
	Status() device.Status
}

type Process interface {
	Snapshot() process.Status
}

// Events is the event bus surface exposed over HTTP.
type Events interface {
	RaiseEvent(ctx context.Context, r eventhandler.Raise) (uint64, error)
	OnAcknowledge(ctx context.Context, key uint64, ack eventhandler.Ack) error
	OnAckOKNOK(ctx context.Context, ref string, ok bool) error
	Active(ctx context.Context) ([]eventhandler.RuntimeInfo, error)
}

type ErrorCoder interface {
	GetErrorCode(eventID, scenarioID uint32) uint32
}

// Deps are the components served by the router. Nil members answer 503.
type Deps struct {
	Controller Controller
	Device     Device
	Process    Process
	Events     Events
	Codes      ErrorCoder
}

type Router struct {
	deps     Deps
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/abc" results in /abc/status, /abc/events, ...
func NewRouter(deps Deps, basePath string) *Router {
	return &Router{deps: deps, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/login", r.handleLogin)
	group.GET("/events", r.handleEvents)
	group.POST("/events/raise", r.handleRaise)
	group.POST("/events/:key/ack", r.handleAck)
	group.POST("/refs/:ref/ack", r.handleAckRef)
	group.GET("/errorcode", r.handleErrorCode)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// NewServer binds addr before returning, so a port in use is reported to the caller. A non-nil
// tc serves HTTPS; the certificate comes from tc.GetCertificate. Addr is set to the bound
// address, which resolves a ":0" port.
func NewServer(addr, basePath string, deps Deps, tc *tls.Config, log *slog.Logger) (*http.Server, error) {
	if log == nil {
		log = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	r := NewRouter(deps, basePath)
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		TLSConfig:         tc,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		var err error
		if tc != nil {
			err = server.ServeTLS(ln, "", "")
		} else {
			err = server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api server stopped", "addr", server.Addr, "error", err)
		}
	}()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// StatusResp is the body of GET /status.
type StatusResp struct {
	Controller *extprocess.Snapshot `json:"controller,omitempty"`
	Device     *device.Status       `json:"device,omitempty"`
	Process    *process.Status      `json:"process,omitempty"`
}

type RaiseResp struct {
	EventKey uint64 `json:"event_key"`
}

type AckRefReq struct {
	OK bool `json:"ok"`
}

type ErrorCodeResp struct {
	EventID    uint32 `json:"event_id"`
	ScenarioID uint32 `json:"scenario_id"`
	ErrorCode  uint32 `json:"error_code"`
}

var errUnavailable = errorResp{Error: "component not configured"}

func (r *Router) handleStatus(c *gin.Context) {
	var resp StatusResp
	if r.deps.Controller != nil {
		s := r.deps.Controller.Snapshot()
		resp.Controller = &s
	}
	if r.deps.Device != nil {
		s := r.deps.Device.Status()
		resp.Device = &s
	}
	if r.deps.Process != nil {
		s := r.deps.Process.Snapshot()
		resp.Process = &s
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleLogin(c *gin.Context) {
	if r.deps.Device == nil {
		writeJSON(c, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	if err := r.deps.Device.Login(); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleEvents(c *gin.Context) {
	if r.deps.Events == nil {
		writeJSON(c, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	active, err := r.deps.Events.Active(c.Request.Context())
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, active)
}

func (r *Router) handleRaise(c *gin.Context) {
	if r.deps.Events == nil {
		writeJSON(c, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	var req eventhandler.Raise
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.EventID == 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "event_id required"})
		return
	}
	if req.Source != "" && !isSafeName(req.Source) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid source: allowed [A-Za-z0-9._-]"})
		return
	}
	key, err := r.deps.Events.RaiseEvent(c.Request.Context(), req)
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, RaiseResp{EventKey: key})
}

func (r *Router) handleAck(c *gin.Context) {
	if r.deps.Events == nil {
		writeJSON(c, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	key, err := strconv.ParseUint(c.Param("key"), 10, 64)
	if err != nil || key == 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid event key"})
		return
	}
	var ack eventhandler.Ack
	if err := c.ShouldBindJSON(&ack); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := r.deps.Events.OnAcknowledge(c.Request.Context(), key, ack); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleAckRef(c *gin.Context) {
	if r.deps.Events == nil {
		writeJSON(c, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	ref := c.Param("ref")
	if !isSafeName(ref) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid ref"})
		return
	}
	var req AckRefReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := r.deps.Events.OnAckOKNOK(c.Request.Context(), ref, req.OK); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleErrorCode(c *gin.Context) {
	if r.deps.Codes == nil {
		writeJSON(c, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	eventID, err := parseUint32(c.Query("event_id"))
	if err != nil || eventID == 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "event_id query param required"})
		return
	}
	scenarioID, err := parseUint32(c.DefaultQuery("scenario_id", "0"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid scenario_id"})
		return
	}
	writeJSON(c, http.StatusOK, ErrorCodeResp{
		EventID:    eventID,
		ScenarioID: scenarioID,
		ErrorCode:  r.deps.Codes.GetErrorCode(eventID, scenarioID),
	})
}

// statusFor maps domain errors to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, eventhandler.ErrUnknownEventKey), errors.Is(err, eventhandler.ErrUnknownRef):
		return http.StatusNotFound
	case errors.Is(err, eventhandler.ErrInvalidAck):
		return http.StatusBadRequest
	case errors.Is(err, device.ErrNoLoginPending):
		return http.StatusConflict
	case errors.Is(err, eventhandler.ErrNotRunning):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
