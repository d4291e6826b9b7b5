package procguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/procguard/internal/config"
	"github.com/loykin/procguard/internal/device"
	"github.com/loykin/procguard/internal/eventhandler"
	"github.com/loykin/procguard/internal/extprocess"
	"github.com/loykin/procguard/internal/history"
	"github.com/loykin/procguard/internal/history/factory"
	"github.com/loykin/procguard/internal/logger"
	"github.com/loykin/procguard/internal/metrics"
	"github.com/loykin/procguard/internal/process"
	"github.com/loykin/procguard/internal/scenario"
	iapi "github.com/loykin/procguard/internal/server"
	sm "github.com/loykin/procguard/internal/statemachine"
	ptls "github.com/loykin/procguard/internal/tls"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type ProcessSettings = cfg.ProcessSettings

type Snapshot = extprocess.Snapshot

type RuntimeInfo = eventhandler.RuntimeInfo

type Raise = eventhandler.Raise

type HistorySink = history.Sink

type ScenarioEvent = scenario.Event

var (
	ErrFileNotFound    = cfg.ErrFileNotFound
	ErrParseFailed     = cfg.ErrParseFailed
	ErrProcessNotFound = cfg.ErrProcessNotFound
	ErrInvalidConfig   = cfg.ErrInvalidConfig
)

func LoadConfig(path string) (*Config, error) { return cfg.LoadConfig(path) }

func ReadSettings(path, name string) (*ProcessSettings, error) { return cfg.ReadSettings(path, name) }

// LoadScenarios parses the scenario/error XML file.
func LoadScenarios(path string) (*scenario.Table, error) { return scenario.Load(path) }

// Daemon wires one supervised process: its controller, device, OS process, the event bus
// and the HTTP API.
type Daemon struct {
	cfg      *Config
	log      *slog.Logger
	settings *ProcessSettings

	codes   *scenario.Table
	history *history.Multi
	events  *eventhandler.Handler
	proc    *process.Process
	dev     *device.Device
	ctrl    *extprocess.Controller
}

// NewDaemon reads the process settings and scenario table named by c and builds every
// component. Nothing is started until Run.
func NewDaemon(c *Config, log *slog.Logger) (*Daemon, error) {
	if log == nil {
		log = slog.Default()
	}
	settings, err := cfg.ReadSettings(c.Process.SettingsFile, c.Process.Name)
	if err != nil {
		return nil, fmt.Errorf("read process settings: %w", err)
	}
	d := &Daemon{cfg: c, log: log, settings: settings}

	if c.Scenario.File != "" {
		if d.codes, err = scenario.Load(c.Scenario.File); err != nil {
			return nil, fmt.Errorf("load scenarios: %w", err)
		}
	}
	if d.history, err = factory.NewMultiFromDSNs(log, c.History.Sinks); err != nil {
		return nil, err
	}

	opts := []eventhandler.Option{eventhandler.WithLogger(log), eventhandler.WithHistory(d.history)}
	if d.codes != nil {
		opts = append(opts, eventhandler.WithErrorCoder(d.codes))
	}
	if d.events, err = eventhandler.NewHandler(Definitions(c), opts...); err != nil {
		_ = d.history.Close()
		return nil, err
	}

	env, err := c.ProcessEnv()
	if err != nil {
		_ = d.history.Close()
		return nil, fmt.Errorf("process env: %w", err)
	}
	d.proc = process.New(process.Options{
		Name:          settings.Name,
		WorkDir:       c.Process.WorkDir,
		Env:           env,
		Log:           logger.Config{Dir: c.Process.LogDir},
		TerminateWait: c.Process.TerminateWait,
	}, log)

	// the device posts into the controller, which does not exist yet
	var ctrl *extprocess.Controller
	post := func(ev sm.Event) {
		if err := ctrl.Submit(ev); err != nil {
			log.Debug("event not delivered", "event", extprocess.EventName(ev.Index), "error", err)
		}
	}
	d.dev = device.New(device.Settings{
		Name:         settings.Name,
		RemoteLogin:  settings.RemoteLogin(),
		LoginTimeout: settings.LoginTimeout(),
	}, post, log)

	ctrl, err = extprocess.NewController(extprocess.Config{
		Name:          settings.Name,
		Command:       settings.StartCommand,
		RestartWindow: c.Process.RestartWindow,
		FatalEventID:  c.Process.FatalEventID,
	}, d.dev, d.proc,
		extprocess.WithLogger(log),
		extprocess.WithHistory(d.history),
		extprocess.WithRaiser(extprocess.RaiserFunc(d.raise)),
	)
	if err != nil {
		_ = d.history.Close()
		return nil, err
	}
	d.ctrl = ctrl
	d.proc.SetExitHandler(d.onExit)
	return d, nil
}

// Definitions converts the [[events]] config into event bus definitions.
func Definitions(c *Config) []eventhandler.Definition {
	out := make([]eventhandler.Definition, 0, len(c.Events))
	for _, e := range c.Events {
		def := eventhandler.Definition{ID: e.ID, Name: e.Name, Severity: e.Severity, AckRequired: e.AckRequired}
		for _, s := range e.Steps {
			def.Steps = append(def.Steps, eventhandler.Step{ID: s.ID, Action: s.Action, NextOK: s.NextOK, NextNOK: s.NextNOK})
		}
		out = append(out, def)
	}
	return out
}

func (d *Daemon) raise(ctx context.Context, eventID, scenarioID uint32, source string) error {
	_, err := d.events.RaiseEvent(ctx, eventhandler.Raise{EventID: eventID, ScenarioID: scenarioID, Source: source})
	return err
}

func (d *Daemon) onExit(info process.ExitInfo) {
	detail := "exited"
	if info.Err != nil {
		detail = info.Err.Error()
	}
	_ = d.history.Send(context.Background(), history.Event{
		Type:       history.EventTransition,
		OccurredAt: info.ExitedAt.UTC(),
		Record: history.Record{
			Source: d.settings.Name,
			RunID:  info.RunID,
			PID:    info.PID,
			State:  "exited",
			Detail: detail,
		},
	})
	if err := d.ctrl.Submit(sm.Event{Index: extprocess.EP_EXTPROCESS_EXITED, Data: info}); err != nil {
		d.log.Debug("exit not delivered", "run_id", info.RunID, "error", err)
	}
}

// Handler returns the HTTP API for this daemon.
func (d *Daemon) Handler() http.Handler {
	return iapi.NewRouter(d.deps(), d.cfg.Server.BasePath).Handler()
}

func (d *Daemon) deps() iapi.Deps {
	deps := iapi.Deps{Controller: d.ctrl, Device: d.dev, Process: d.proc, Events: d.events}
	if d.codes != nil {
		deps.Codes = d.codes
	}
	return deps
}

func (d *Daemon) Controller() *extprocess.Controller { return d.ctrl }

func (d *Daemon) Events() *eventhandler.Handler { return d.events }

func (d *Daemon) Device() *device.Device { return d.dev }

// Run starts the event bus, the controller and the API server and blocks until ctx is
// cancelled. On return the supervised process has been terminated.
func (d *Daemon) Run(ctx context.Context) error {
	tlsCfg, err := ptls.Setup(d.cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("api tls: %w", err)
	}
	if d.cfg.Metrics.Enabled {
		if err := RegisterMetricsDefault(); err != nil {
			d.log.Warn("failed to register metrics", "error", err)
		}
		if d.cfg.Metrics.Listen != "" {
			go func() {
				if err := ServeMetrics(d.cfg.Metrics.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
					d.log.Error("metrics server error", "error", err)
				}
			}()
		}
	}

	d.events.Init()
	defer d.events.Shutdown()
	defer func() { _ = d.history.Close() }()

	ctrlCtx, cancel := context.WithCancel(context.Background())
	ctrlDone := make(chan struct{})
	go func() {
		defer close(ctrlDone)
		_ = d.ctrl.Run(ctrlCtx)
	}()
	if err := d.ctrl.Start(); err != nil {
		cancel()
		<-ctrlDone
		return err
	}

	server, err := iapi.NewServer(d.cfg.Server.Listen, d.cfg.Server.BasePath, d.deps(), tlsCfg, d.log)
	if err != nil {
		cancel()
		<-ctrlDone
		d.ctrl.Stop()
		return err
	}
	d.log.Info("procguard started", "listen", server.Addr, "base_path", d.cfg.Server.BasePath, "tls", tlsCfg != nil, "process", d.settings.Name)

	<-ctx.Done()
	d.log.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = server.Shutdown(shutdownCtx)

	// stop the loop first so the exit of the terminated process cannot trigger a restart
	cancel()
	<-ctrlDone
	d.ctrl.Stop()
	return nil
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
