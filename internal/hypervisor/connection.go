package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zeonglow/buildbot/internal/logging"
	"github.com/zeonglow/buildbot/internal/metrics"
	"github.com/zeonglow/buildbot/internal/workqueue"
)

// Connection is one logical link to a hypervisor endpoint, shared by all
// workers that target it. Every operation is serialized on Queue().
type Connection struct {
	uri     string
	driver  Driver
	queue   *workqueue.Queue
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the connection logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithMetrics attaches queue metrics to the connection's queue.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Connection) {
		c.metrics = m
	}
}

// WithQueue makes the connection use an existing queue instead of its own.
func WithQueue(q *workqueue.Queue) Option {
	return func(c *Connection) {
		c.queue = q
	}
}

// Open establishes the underlying handle eagerly through binding.
func Open(binding Binding, uri string, opts ...Option) (*Connection, error) {
	if binding == nil {
		return nil, ErrNoBinding
	}
	driver, err := binding(uri)
	if err != nil {
		return nil, &Error{Op: "open", URI: uri, Err: err}
	}
	return NewConnection(uri, driver, opts...), nil
}

// NewConnection wraps an already open driver.
func NewConnection(uri string, driver Driver, opts ...Option) *Connection {
	c := &Connection{
		uri:    uri,
		driver: driver,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.Ensure(c.logger).With(logging.ComponentKey, "hypervisor", "uri", uri)
	if c.queue == nil {
		c.queue = workqueue.New(
			workqueue.WithName(uri),
			workqueue.WithLogger(c.logger),
			workqueue.WithMetrics(c.metrics),
		)
	}
	return c
}

// URI returns the endpoint this connection was opened against.
func (c *Connection) URI() string {
	return c.uri
}

// Queue returns the queue serializing access to this connection.
// Collaborators with side effects tied to the connection, such as disk
// image preparation, submit their work here too.
func (c *Connection) Queue() *workqueue.Queue {
	return c.queue
}

// FindDomain looks a domain up by name. The future resolves to nil when
// the hypervisor has no such domain.
func (c *Connection) FindDomain(name string) *workqueue.Future[Domain] {
	return workqueue.Submit(c.queue, func(ctx context.Context) (Domain, error) {
		domain, err := c.driver.LookupDomain(name)
		if errors.Is(err, ErrDomainNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, &Error{Op: "lookup", URI: c.uri, Domain: name, Err: err}
		}
		return domain, nil
	})
}

// CreateDomain creates and starts the domain called name, booting from
// imagePath.
//
// With a descriptor, the descriptor is rewritten so that its name and
// primary disk match, then created as a transient domain. Without one, a
// domain already defined on the hypervisor under name is started.
func (c *Connection) CreateDomain(name, imagePath, descriptorXML string) *workqueue.Future[Domain] {
	return workqueue.Submit(c.queue, func(ctx context.Context) (Domain, error) {
		if descriptorXML == "" {
			return c.startDefined(name)
		}

		prepared, err := PrepareDescriptor(descriptorXML, name, imagePath)
		if err != nil {
			return nil, &Error{Op: "create", URI: c.uri, Domain: name, Err: err}
		}
		domain, err := c.driver.CreateDomain(prepared)
		if err != nil {
			return nil, &Error{Op: "create", URI: c.uri, Domain: name, Err: err}
		}
		c.logger.Info("domain created", "domain", name, "image", imagePath)
		return domain, nil
	})
}

func (c *Connection) startDefined(name string) (Domain, error) {
	domain, err := c.driver.LookupDomain(name)
	if err != nil {
		return nil, &Error{Op: "create", URI: c.uri, Domain: name, Err: fmt.Errorf("no descriptor given and no defined domain: %w", err)}
	}
	if err := domain.Start(); err != nil {
		return nil, &Error{Op: "start", URI: c.uri, Domain: name, Err: err}
	}
	c.logger.Info("defined domain started", "domain", name)
	return domain, nil
}

// ShutdownDomain asks the guest to power off.
func (c *Connection) ShutdownDomain(domain Domain) *workqueue.Future[struct{}] {
	return c.domainOp("shutdown", domain, Domain.Shutdown)
}

// DestroyDomain powers the domain off immediately.
func (c *Connection) DestroyDomain(domain Domain) *workqueue.Future[struct{}] {
	return c.domainOp("destroy", domain, Domain.Destroy)
}

func (c *Connection) domainOp(op string, domain Domain, fn func(Domain) error) *workqueue.Future[struct{}] {
	return workqueue.Submit(c.queue, func(ctx context.Context) (struct{}, error) {
		if domain == nil {
			return struct{}{}, &Error{Op: op, URI: c.uri, Err: errors.New("nil domain")}
		}
		if err := fn(domain); err != nil {
			return struct{}{}, &Error{Op: op, URI: c.uri, Domain: domain.Name(), Err: err}
		}
		return struct{}{}, nil
	})
}

// Close releases the underlying handle once every queued operation has run.
func (c *Connection) Close(ctx context.Context) error {
	_, err := workqueue.Submit(c.queue, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.driver.Close()
	}).Wait(ctx)
	return err
}
