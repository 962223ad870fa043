package barto

import (
	"time"

	"github.com/google/uuid"
)

// InvocationState is an invocation's place in its lifecycle.
type InvocationState int

const (
	InvocationDispatched = InvocationState(iota)
	InvocationRunning
	InvocationTerminated
)

// String represents InvocationState as string.
func (s InvocationState) String() string {
	return map[InvocationState]string{
		InvocationDispatched: "dispatched",
		InvocationRunning:    "running",
		InvocationTerminated: "terminated",
	}[s]
}

// Invocation is a single execution of one command string. The hub
// owns the record while the command is live and evicts it once the
// terminal status has been handed to the sink.
type Invocation struct {
	CmdUUID    uuid.UUID
	WorkerUUID uuid.UUID
	WorkerName string
	JobName    string
	Command    string
	FiredAt    time.Time

	state    InvocationState
	exitCode uint8
	success  bool
}

// State returns the invocation's current state.
func (iv *Invocation) State() InvocationState { return iv.state }

// terminate records the terminal status. Reports whether this was the
// first status for the invocation.
func (iv *Invocation) terminate(exitCode uint8, success bool) bool {
	if iv.state == InvocationTerminated {
		return false
	}
	iv.state = InvocationTerminated
	iv.exitCode = exitCode
	iv.success = success
	return true
}
