// Package fleet assembles the workers of a configuration file on top of
// one shared connection per hypervisor endpoint.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zeonglow/buildbot/internal/config"
	"github.com/zeonglow/buildbot/internal/hypervisor"
	"github.com/zeonglow/buildbot/internal/imaging"
	"github.com/zeonglow/buildbot/internal/logging"
	"github.com/zeonglow/buildbot/internal/metrics"
	"github.com/zeonglow/buildbot/internal/worker"
)

// ErrUnknownWorker is returned when a worker name is not configured.
var ErrUnknownWorker = errors.New("unknown worker")

// Options holds the collaborators shared by every worker.
type Options struct {
	// Binding opens hypervisor connections. Nil means no hypervisor support:
	// every worker then fails with a *worker.ConfigError.
	Binding hypervisor.Binding
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Runner overrides the runner built from the config runner section.
	Runner imaging.Runner
}

// Fleet owns the connections and workers built from a configuration.
type Fleet struct {
	logger      *slog.Logger
	connections map[string]*hypervisor.Connection
	uris        []string
	workers     []*worker.VMWorker
}

// New opens one connection per distinct URI and creates every worker. A
// worker whose definition or connection is unusable is left out and its
// error is included in the returned error; the Fleet is still usable for
// the others.
func New(cfg *config.Config, opts Options) (*Fleet, error) {
	logger := logging.Ensure(opts.Logger).With(logging.ComponentKey, "fleet")
	f := &Fleet{
		logger:      logger,
		connections: map[string]*hypervisor.Connection{},
	}

	runner := opts.Runner
	if runner == nil {
		runner = imaging.NewExecRunner(
			imaging.WithPrependCmd(cfg.Runner.Prepend...),
			imaging.WithEnv(cfg.Runner.Env),
			imaging.WithTimeout(cfg.Runner.Timeout.Std()),
			imaging.WithLogger(opts.Logger),
		)
	}

	var errs []error
	if opts.Binding != nil {
		for _, uri := range cfg.URIs() {
			conn, err := hypervisor.Open(opts.Binding, uri,
				hypervisor.WithLogger(opts.Logger),
				hypervisor.WithMetrics(opts.Metrics),
			)
			if err != nil {
				logger.Error("failed to open hypervisor connection", "uri", uri, "error", err)
				errs = append(errs, err)
				continue
			}
			f.connections[uri] = conn
			f.uris = append(f.uris, uri)
		}
	}

	for _, wc := range cfg.Workers {
		w, err := f.newWorker(cfg, wc, runner, opts)
		if err != nil {
			logger.Error("worker disabled", "worker", wc.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		f.workers = append(f.workers, w)
	}
	return f, errors.Join(errs...)
}

func (f *Fleet) newWorker(cfg *config.Config, wc config.Worker, runner imaging.Runner, opts Options) (*worker.VMWorker, error) {
	descriptor, err := cfg.Descriptor(wc)
	if err != nil {
		return nil, &worker.ConfigError{Worker: wc.Name, Field: "xml_file", Err: err}
	}

	var conn *hypervisor.Connection
	if uri, ok := cfg.ConnectionURI(wc.Connection); ok {
		conn = f.connections[uri]
	}
	if conn == nil && opts.Binding != nil {
		return nil, &worker.ConfigError{Worker: wc.Name, Field: "connection", Err: fmt.Errorf("connection %q is not open", wc.Connection)}
	}

	return worker.New(worker.Config{
		Name:              wc.Name,
		Password:          wc.Password,
		Master:            cfg.Master,
		Image:             cfg.ResolvePath(wc.Image),
		BaseImage:         cfg.ResolvePath(wc.BaseImage),
		DescriptorXML:     descriptor,
		CheapCopy:         wc.CheapCopy,
		KeepaliveInterval: wc.KeepaliveInterval.Std(),
		SeedImage:         cfg.ResolvePath(wc.SeedImage),
	}, conn,
		worker.WithLogger(opts.Logger),
		worker.WithMetrics(opts.Metrics),
		worker.WithRunner(runner),
	)
}

// Workers returns the usable workers in configuration order.
func (f *Fleet) Workers() []*worker.VMWorker {
	return append([]*worker.VMWorker(nil), f.workers...)
}

// Worker returns the named worker.
func (f *Fleet) Worker(name string) (*worker.VMWorker, error) {
	for _, w := range f.workers {
		if w.Name() == name {
			return w, nil
		}
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownWorker, name)
}

// Connection returns the shared connection for uri, or nil.
func (f *Fleet) Connection(uri string) *hypervisor.Connection {
	return f.connections[uri]
}

// WaitDiscovery waits for every worker to finish discovery and returns the
// discovery failures.
func (f *Fleet) WaitDiscovery(ctx context.Context) error {
	var errs []error
	for _, w := range f.workers {
		if err := w.WaitDiscovery(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			errs = append(errs, fmt.Errorf("worker %q: %w", w.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Statuses returns a snapshot of every worker.
func (f *Fleet) Statuses() []worker.Status {
	out := make([]worker.Status, 0, len(f.workers))
	for _, w := range f.workers {
		out = append(out, w.Status())
	}
	return out
}

// Dispatch picks a worker that can take a build. A worker whose VM is up
// and connected is preferred; otherwise the first idle worker whose
// instance starts successfully is returned. The boolean is false when no
// worker could be made available.
func (f *Fleet) Dispatch(ctx context.Context) (*worker.VMWorker, bool) {
	var idle []*worker.VMWorker
	for _, w := range f.workers {
		if !w.CanStartBuild() {
			continue
		}
		if w.Domain() != nil {
			return w, true
		}
		idle = append(idle, w)
	}

	for _, w := range idle {
		if ctx.Err() != nil {
			break
		}
		if w.StartInstance(ctx) {
			f.logger.Info("dispatched to new instance", "worker", w.Name())
			return w, true
		}
	}
	return nil, false
}

// Close releases every connection after its queued work has run.
func (f *Fleet) Close(ctx context.Context) error {
	var errs []error
	for _, uri := range f.uris {
		if err := f.connections[uri].Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", uri, err))
		}
	}
	return errors.Join(errs...)
}
