package worker

import (
	"fmt"
	"time"

	"github.com/zeonglow/buildbot/internal/hypervisor"
)

// ErrNoBinding means the worker was built without a hypervisor connection.
var ErrNoBinding = hypervisor.ErrNoBinding

// ConfigError is returned synchronously by New for an unusable worker
// definition.
type ConfigError struct {
	Worker string
	Field  string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("worker %q: %v", e.Worker, e.Err)
	}
	return fmt.Sprintf("worker %q: %s: %v", e.Worker, e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Stage names the start pipeline step that failed.
type Stage string

const (
	StagePrepare Stage = "prepare"
	StageCreate  Stage = "create"
)

// Failure records one unsuccessful start attempt.
type Failure struct {
	AttemptID string
	Stage     Stage
	At        time.Time
	Err       error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("start attempt %s failed during %s: %v", f.AttemptID, f.Stage, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}
