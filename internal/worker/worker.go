// Package worker manages the lifecycle of one VM-backed build worker: it
// discovers an existing domain, provisions and starts a new one on demand,
// tears it down again, and tells the scheduler whether a build may start.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zeonglow/buildbot/internal/hypervisor"
	"github.com/zeonglow/buildbot/internal/imaging"
	"github.com/zeonglow/buildbot/internal/logging"
	"github.com/zeonglow/buildbot/internal/metrics"
	"github.com/zeonglow/buildbot/internal/workqueue"
)

// DefaultKeepaliveInterval is used when Config.KeepaliveInterval is zero.
const DefaultKeepaliveInterval = 3600 * time.Second

// State is the lifecycle phase of a worker.
type State int

const (
	StateDiscovering State = iota
	StateReady
	StateSubstantiating
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateDiscovering:
		return "discovering"
	case StateReady:
		return "ready"
	case StateSubstantiating:
		return "substantiating"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Config describes one worker identity.
type Config struct {
	Name     string
	Password string
	// Master is the build master address written into the seed image.
	Master string
	// Image is the disk the domain boots from.
	Image string
	// BaseImage, when set, is copied to Image before every start and
	// Image is removed again on stop.
	BaseImage string
	// DescriptorXML is a libvirt domain descriptor. When empty, a domain
	// already defined on the hypervisor under Name is started.
	DescriptorXML string
	// CheapCopy selects a qcow2 overlay over a full copy. Defaults to true.
	CheapCopy         *bool
	KeepaliveInterval time.Duration
	// SeedImage, when set, receives an ISO with the worker credentials that
	// is attached to the domain as a cdrom.
	SeedImage string
}

// Status is a consistent snapshot of a worker.
type Status struct {
	Name          string
	State         State
	Ready         bool
	HasDomain     bool
	Connected     bool
	Substantiated bool
	Failures      int
}

// Option configures a VMWorker.
type Option func(*VMWorker)

// WithLogger sets the worker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *VMWorker) {
		w.logger = logger
	}
}

// WithMetrics records start attempts and status gauges.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *VMWorker) {
		w.metrics = m
	}
}

// WithRunner replaces the runner used for image preparation.
func WithRunner(r imaging.Runner) Option {
	return func(w *VMWorker) {
		w.runner = r
	}
}

// VMWorker is one VM-backed worker bound to a shared hypervisor connection.
type VMWorker struct {
	cfg     Config
	conn    *hypervisor.Connection
	runner  imaging.Runner
	logger  *slog.Logger
	metrics *metrics.Metrics

	discovery *workqueue.Future[hypervisor.Domain]

	mu            sync.Mutex
	state         State
	domain        hypervisor.Domain
	ready         bool
	connected     bool
	substantiated bool
	discoveryErr  error
	failures      []*Failure
}

// New validates cfg and enqueues discovery of an existing domain called
// cfg.Name. The worker is not ready until discovery settles.
func New(cfg Config, conn *hypervisor.Connection, opts ...Option) (*VMWorker, error) {
	if err := validate(cfg, conn); err != nil {
		return nil, err
	}

	w := &VMWorker{
		cfg:   cfg,
		conn:  conn,
		state: StateDiscovering,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = logging.Ensure(w.logger).With(logging.ComponentKey, "worker", "worker", cfg.Name)
	if w.runner == nil {
		w.runner = imaging.NewExecRunner(imaging.WithLogger(w.logger))
	}
	if w.cfg.KeepaliveInterval <= 0 {
		w.cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}

	w.publish()
	w.discovery = conn.FindDomain(cfg.Name).Then(w.discovered)
	return w, nil
}

func validate(cfg Config, conn *hypervisor.Connection) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return &ConfigError{Field: "name", Err: errors.New("is required")}
	}
	if conn == nil {
		return &ConfigError{Worker: cfg.Name, Field: "connection", Err: ErrNoBinding}
	}
	if cfg.BaseImage != "" && cfg.Image == "" {
		return &ConfigError{Worker: cfg.Name, Field: "image", Err: errors.New("is required when a base image is set")}
	}
	if cfg.SeedImage != "" && cfg.DescriptorXML == "" {
		return &ConfigError{Worker: cfg.Name, Field: "seed_image", Err: errors.New("needs a domain descriptor to attach to")}
	}
	if cfg.KeepaliveInterval < 0 {
		return &ConfigError{Worker: cfg.Name, Field: "keepalive_interval", Err: errors.New("must not be negative")}
	}
	return nil
}

func (w *VMWorker) discovered(domain hypervisor.Domain, err error) {
	w.mu.Lock()
	if err != nil {
		w.discoveryErr = err
		w.mu.Unlock()
		w.logger.Error("domain discovery failed", "error", err)
		return
	}
	w.ready = true
	if domain != nil {
		w.domain = domain
		w.substantiated = true
		w.state = StateRunning
	} else {
		w.state = StateReady
	}
	w.mu.Unlock()

	if domain != nil {
		w.logger.Info("found existing domain", "domain", domain.Name())
	} else {
		w.logger.Debug("no existing domain")
	}
	w.publish()
}

// Name returns the worker name.
func (w *VMWorker) Name() string {
	return w.cfg.Name
}

// Connection returns the hypervisor connection the worker uses.
func (w *VMWorker) Connection() *hypervisor.Connection {
	return w.conn
}

// CheapCopy reports whether image preparation uses a qcow2 overlay.
func (w *VMWorker) CheapCopy() bool {
	return w.cfg.CheapCopy == nil || *w.cfg.CheapCopy
}

// KeepaliveInterval returns the worker keepalive interval.
func (w *VMWorker) KeepaliveInterval() time.Duration {
	return w.cfg.KeepaliveInterval
}

// WaitDiscovery blocks until discovery settles or ctx ends.
func (w *VMWorker) WaitDiscovery(ctx context.Context) error {
	_, err := w.discovery.Wait(ctx)
	return err
}

// DiscoveryErr returns the discovery failure, if any.
func (w *VMWorker) DiscoveryErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.discoveryErr
}

// Ready reports whether discovery has completed.
func (w *VMWorker) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Domain returns the current domain handle, or nil.
func (w *VMWorker) Domain() hypervisor.Domain {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.domain
}

// Status returns a snapshot of the worker.
func (w *VMWorker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.statusLocked()
}

func (w *VMWorker) statusLocked() Status {
	return Status{
		Name:          w.cfg.Name,
		State:         w.state,
		Ready:         w.ready,
		HasDomain:     w.domain != nil,
		Connected:     w.connected,
		Substantiated: w.substantiated,
		Failures:      len(w.failures),
	}
}

// Failures returns every recorded start failure, oldest first.
func (w *VMWorker) Failures() []*Failure {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*Failure(nil), w.failures...)
}

// LastError returns the most recent start failure, or nil.
func (w *VMWorker) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.failures) == 0 {
		return nil
	}
	return w.failures[len(w.failures)-1]
}

// CanStartBuild reports whether the scheduler may hand this worker a build.
// A worker with a domain it has not heard from yet refuses, so that a VM
// that is still booting is not counted twice.
func (w *VMWorker) CanStartBuild() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.ready {
		return false
	}
	if w.domain == nil {
		return true
	}
	return w.connected
}

// Attached records that the worker inside the domain connected. It is
// ignored while the worker holds no domain.
func (w *VMWorker) Attached() {
	w.mu.Lock()
	if w.domain == nil {
		state := w.state
		w.mu.Unlock()
		w.logger.Warn("ignoring attach without a domain", "state", state.String())
		return
	}
	w.connected = true
	w.mu.Unlock()
	w.logger.Info("worker attached")
	w.publish()
}

// Detached records that the worker connection was lost. The domain
// reference is dropped at once so the worker is ready for a new instance;
// the old domain is destroyed and its disposable image removed on the
// connection queue, ahead of any later start.
func (w *VMWorker) Detached() {
	w.mu.Lock()
	w.connected = false
	domain := w.domain
	if domain == nil || w.state == StateStopping {
		w.mu.Unlock()
		w.logger.Info("worker detached")
		w.publish()
		return
	}
	w.domain = nil
	w.substantiated = false
	w.state = StateReady
	w.mu.Unlock()

	w.logger.Info("worker detached, destroying instance", "domain", domain.Name())
	w.publish()
	w.conn.DestroyDomain(domain).Then(func(_ struct{}, err error) {
		if err != nil {
			w.logger.Warn("destroying detached domain failed", "domain", domain.Name(), "error", err)
		}
		_ = w.removeImage()
	})
}

func (w *VMWorker) publish() {
	s := w.Status()
	w.metrics.WorkerStatus(w.cfg.Name, s.Ready, s.Substantiated, s.Connected)
}
