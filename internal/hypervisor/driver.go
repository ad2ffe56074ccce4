// Package hypervisor wraps one connection to a hypervisor endpoint.
//
// A Driver is the raw binding (libvirt in production). It is not safe for
// concurrent use by several logical callers, so a Connection routes every
// call through a single workqueue.Queue and hands futures back.
package hypervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrDomainNotFound is returned by a Driver when no domain has the
	// requested name.
	ErrDomainNotFound = errors.New("domain not found")
	// ErrNoBinding means the process has no hypervisor support.
	ErrNoBinding = errors.New("hypervisor binding unavailable")
)

// Domain is an opaque handle to a VM known to the hypervisor.
type Domain interface {
	Name() string
	Start() error
	Shutdown() error
	Destroy() error
	IsActive() (bool, error)
}

// Driver is an open handle to a hypervisor endpoint.
type Driver interface {
	LookupDomain(name string) (Domain, error)
	CreateDomain(descriptorXML string) (Domain, error)
	Close() error
}

// Binding opens a Driver for a connection URI. The URI is passed through
// unmodified.
type Binding func(uri string) (Driver, error)

// Error describes a failed hypervisor operation.
type Error struct {
	Op     string
	URI    string
	Domain string
	Err    error
}

func (e *Error) Error() string {
	if e.Domain != "" {
		return fmt.Sprintf("hypervisor %s %q on %s: %v", e.Op, e.Domain, e.URI, e.Err)
	}
	return fmt.Sprintf("hypervisor %s on %s: %v", e.Op, e.URI, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
