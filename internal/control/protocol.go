// Package control is the line-delimited JSON protocol spoken on the serve
// command's unix socket. The build master side uses it to ask for a worker
// and to report worker connections.
package control

import (
	"encoding/json"

	"github.com/zeonglow/buildbot/internal/worker"
)

const DefaultSocketPath = "/run/buildbot-vm/control.sock"

type Command string

const (
	CommandList     Command = "list"
	CommandDispatch Command = "dispatch"
	CommandAttach   Command = "attach"
	CommandDetach   Command = "detach"
	CommandStop     Command = "stop"
)

type Request struct {
	Command Command `json:"command"`
	Worker  string  `json:"worker,omitempty"`
	Fast    bool    `json:"fast,omitempty"`
}

type Response struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// WorkerStatus is the wire form of worker.Status.
type WorkerStatus struct {
	Name          string `json:"name"`
	State         string `json:"state"`
	Ready         bool   `json:"ready"`
	HasDomain     bool   `json:"has_domain"`
	Connected     bool   `json:"connected"`
	Substantiated bool   `json:"substantiated"`
	CanStartBuild bool   `json:"can_start_build"`
	Failures      int    `json:"failures"`
}

// DispatchResult names the worker a build was assigned to.
type DispatchResult struct {
	Worker string `json:"worker"`
}

func statusFromWorker(s worker.Status, canStart bool) WorkerStatus {
	return WorkerStatus{
		Name:          s.Name,
		State:         s.State.String(),
		Ready:         s.Ready,
		HasDomain:     s.HasDomain,
		Connected:     s.Connected,
		Substantiated: s.Substantiated,
		CanStartBuild: canStart,
		Failures:      s.Failures,
	}
}
