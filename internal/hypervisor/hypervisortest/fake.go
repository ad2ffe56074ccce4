// Package hypervisortest provides an in-memory hypervisor binding.
package hypervisortest

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zeonglow/buildbot/internal/hypervisor"
)

var _ hypervisor.Driver = (*Driver)(nil)

// Driver is a fake hypervisor endpoint holding domains in memory.
type Driver struct {
	mu        sync.Mutex
	domains   map[string]*Domain
	created   []string
	lookups   []string
	createErr error
	lookupErr error
	closed    bool
}

// New returns an empty fake endpoint.
func New() *Driver {
	return &Driver{domains: map[string]*Domain{}}
}

// Binding returns a hypervisor.Binding that always opens d.
func (d *Driver) Binding() hypervisor.Binding {
	return func(uri string) (hypervisor.Driver, error) {
		return d, nil
	}
}

// Add registers a defined, inactive domain.
func (d *Driver) Add(name string) *Domain {
	d.mu.Lock()
	defer d.mu.Unlock()
	dom := &Domain{name: name}
	d.domains[name] = dom
	return dom
}

// Get returns the domain called name, or nil.
func (d *Driver) Get(name string) *Domain {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.domains[name]
}

// Names lists known domains in sorted order.
func (d *Driver) Names() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.domains))
	for name := range d.domains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FailCreate makes subsequent CreateDomain calls fail with err. A nil err
// clears the failure.
func (d *Driver) FailCreate(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.createErr = err
}

// FailLookup makes subsequent LookupDomain calls fail with err.
func (d *Driver) FailLookup(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lookupErr = err
}

// Created returns every descriptor passed to CreateDomain.
func (d *Driver) Created() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.created...)
}

// Lookups returns every name passed to LookupDomain.
func (d *Driver) Lookups() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.lookups...)
}

// Closed reports whether Close was called.
func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Driver) LookupDomain(name string) (hypervisor.Domain, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lookups = append(d.lookups, name)
	if d.lookupErr != nil {
		return nil, d.lookupErr
	}
	dom, ok := d.domains[name]
	if !ok {
		return nil, hypervisor.ErrDomainNotFound
	}
	return dom, nil
}

func (d *Driver) CreateDomain(descriptorXML string) (hypervisor.Domain, error) {
	name, err := hypervisor.DescriptorName(descriptorXML)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.created = append(d.created, descriptorXML)
	if d.createErr != nil {
		return nil, d.createErr
	}
	if existing, ok := d.domains[name]; ok && existing.active() {
		return nil, fmt.Errorf("domain %q already exists and is active", name)
	}
	dom := &Domain{name: name, running: true}
	d.domains[name] = dom
	return dom, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("connection already closed")
	}
	d.closed = true
	return nil
}

// Domain is a fake domain handle.
type Domain struct {
	mu        sync.Mutex
	name      string
	running   bool
	startErr  error
	starts    int
	shutdowns int
	destroys  int
}

// FailStart makes Start return err.
func (d *Domain) FailStart(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.startErr = err
}

// Counts returns how often Start, Shutdown and Destroy were called.
func (d *Domain) Counts() (starts, shutdowns, destroys int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts, d.shutdowns, d.destroys
}

func (d *Domain) Name() string {
	return d.name
}

func (d *Domain) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	if d.startErr != nil {
		return d.startErr
	}
	if d.running {
		return errors.New("domain is already running")
	}
	d.running = true
	return nil
}

func (d *Domain) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shutdowns++
	if !d.running {
		return errors.New("domain is not running")
	}
	d.running = false
	return nil
}

func (d *Domain) Destroy() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroys++
	if !d.running {
		return errors.New("domain is not running")
	}
	d.running = false
	return nil
}

func (d *Domain) IsActive() (bool, error) {
	return d.active(), nil
}

func (d *Domain) active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}
