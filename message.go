package barto

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is one frame on the websocket binary channel. The concrete
// types below form a closed set; their numeric tags are part of the
// wire contract and never change, additions are appended.
type Message interface {
	tag() uint64
}

// Variant tags. Append only.
const (
	tagHello uint64 = iota
	tagHelloAck
	tagRun
	tagOutput
	tagStatus
	tagPing
	tagPong
	tagShutdown
	tagCliHello
	tagCliRequest
	tagCliResponse
)

// Hello is the first frame a worker sends after connecting.
type Hello struct {
	WorkerUUID   uuid.UUID
	WorkerName   string
	Capabilities []string
}

// HelloAck completes the worker handshake.
type HelloAck struct {
	CoordinatorVersion string
}

// Run asks a worker to execute one command.
type Run struct {
	CmdUUID uuid.UUID
	Command string
}

// Output carries one line of a command's stdout or stderr.
type Output struct {
	CmdUUID   uuid.UUID
	Kind      OutputKind
	Timestamp time.Time
	Line      string
}

// Status is the terminal report for a command. Exactly one per
// invocation, and always the last frame for its CmdUUID.
type Status struct {
	CmdUUID  uuid.UUID
	ExitCode uint8
	Success  bool
}

// Ping and Pong keep a session alive. Sent carries the sender's clock,
// which the receiver logs at raised verbosity. A Pong carries its own
// send time, not the Ping's.
type Ping struct {
	Sent time.Time
}

type Pong struct {
	Sent time.Time
}

// Shutdown tells the peer this session is over.
type Shutdown struct {
	Reason ShutdownReason
}

// CliHello is the first frame a CLI client sends after connecting.
type CliHello struct {
	CliName string
}

// CliRequest is one CLI operation; the response echoes ReqID.
type CliRequest struct {
	ReqID uuid.UUID
	Op    CliOp
}

// CliResponse answers a CliRequest.
type CliResponse struct {
	ReqID  uuid.UUID
	Result CliResult
}

func (Hello) tag() uint64       { return tagHello }
func (HelloAck) tag() uint64    { return tagHelloAck }
func (Run) tag() uint64         { return tagRun }
func (Output) tag() uint64      { return tagOutput }
func (Status) tag() uint64      { return tagStatus }
func (Ping) tag() uint64        { return tagPing }
func (Pong) tag() uint64        { return tagPong }
func (Shutdown) tag() uint64    { return tagShutdown }
func (CliHello) tag() uint64    { return tagCliHello }
func (CliRequest) tag() uint64  { return tagCliRequest }
func (CliResponse) tag() uint64 { return tagCliResponse }

// OutputKind says which stream a line came from.
type OutputKind uint8

const (
	Stdout = OutputKind(iota)
	Stderr
)

func (k OutputKind) String() string {
	if k == Stderr {
		return "stderr"
	}
	return "stdout"
}

// ShutdownReason says why a session is being closed.
type ShutdownReason uint8

const (
	// ReasonSuperseded means another connection took over this
	// worker's name. The worker should not reconnect.
	ReasonSuperseded = ShutdownReason(iota)
	ReasonServerStopping
	ReasonProtocolError
)

func (r ShutdownReason) String() string {
	return map[ShutdownReason]string{
		ReasonSuperseded:     "superseded",
		ReasonServerStopping: "server_stopping",
		ReasonProtocolError:  "protocol_error",
	}[r]
}

// CliOp is the body of a CliRequest. Closed set, stable tags.
type CliOp interface {
	opTag() uint64
}

const (
	opInfo uint64 = iota
	opUpdates
	opCleanup
	opClients
	opQuery
	opListOutput
	opFailed
)

// InfoOp requests coordinator build and version information.
type InfoOp struct {
	JSON bool
}

// UpdatesOp requests a distribution-specific pending-update summary
// built from a worker's stored output.
type UpdatesOp struct {
	Name string
	Kind UpdateKind
}

// CleanupOp deletes stored rows past the retention window.
type CleanupOp struct{}

// ClientsOp lists the live worker registrations.
type ClientsOp struct{}

// QueryOp runs raw SQL on the coordinator's store.
type QueryOp struct {
	Query string
}

// ListOutputOp lists stored output for one worker and job.
type ListOutputOp struct {
	Name    string
	CmdName string
}

// FailedOp lists invocations whose stored exit status is non-zero.
type FailedOp struct{}

func (InfoOp) opTag() uint64       { return opInfo }
func (UpdatesOp) opTag() uint64    { return opUpdates }
func (CleanupOp) opTag() uint64    { return opCleanup }
func (ClientsOp) opTag() uint64    { return opClients }
func (QueryOp) opTag() uint64      { return opQuery }
func (ListOutputOp) opTag() uint64 { return opListOutput }
func (FailedOp) opTag() uint64     { return opFailed }

// CliResult is the body of a CliResponse.
type CliResult interface {
	resultTag() uint64
}

const (
	resultOk uint64 = iota
	resultErr
)

// OkResult carries a JSON payload for the CLI to render.
type OkResult struct {
	Payload []byte
}

// ErrResult reports a server-side failure to the CLI.
type ErrResult struct {
	Kind    string
	Message string
}

func (OkResult) resultTag() uint64  { return resultOk }
func (ErrResult) resultTag() uint64 { return resultErr }

// UpdateKind selects an update filter for the updates operation.
type UpdateKind uint8

const (
	UpdateGaruda = UpdateKind(iota)
	UpdatePacman
	UpdateCachyos
	UpdateApt
)

func (k UpdateKind) String() string {
	return map[UpdateKind]string{
		UpdateGaruda:  "garuda",
		UpdatePacman:  "pacman",
		UpdateCachyos: "cachyos",
		UpdateApt:     "apt",
	}[k]
}

// ParseUpdateKind parses the CLI's --update-kind value.
func ParseUpdateKind(s string) (UpdateKind, error) {
	switch strings.ToLower(s) {
	case "garuda":
		return UpdateGaruda, nil
	case "pacman":
		return UpdatePacman, nil
	case "cachyos":
		return UpdateCachyos, nil
	case "apt":
		return UpdateApt, nil
	}
	return 0, fmt.Errorf("invalid update kind: %q", s)
}
