package barto

import (
	"context"
	"encoding/json"
	"log"
	"runtime"
	"time"

	"github.com/google/uuid"
)

// Grace period before an unroutable dispatch is persisted as a failed
// exit status.
const missedDispatchGrace = 10 * time.Second

// How long a CLI operation may run before the server answers with a
// timeout error.
const cliOpTimeout = 30 * time.Second

// Client is a registration snapshot answered to the CLI clients op.
type Client struct {
	Name           string    `json:"name"`
	UUID           uuid.UUID `json:"uuid"`
	ConnectedSince time.Time `json:"connected_since"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
}

type registration struct {
	sess *Session
}

type inboundFrame struct {
	sess *Session
	msg  Message
}

// Hub is the coordinator-side registry of connected workers and CLI
// clients. A single task owns the registration map and the live
// invocation records; sessions and the scheduler talk to it over
// channels only.
type Hub struct {
	version string
	sink    Sink
	store   Store

	dispatch   chan DispatchEvent
	frames     chan inboundFrame
	register   chan registration
	deregister chan *Session
	clientsReq chan chan []Client

	workers     map[string]*Session
	invocations map[uuid.UUID]*Invocation
	terminated  map[uuid.UUID]time.Time

	graceWait time.Duration

	// stopped unblocks sessions still talking to the hub after Run
	// has returned.
	stopped chan struct{}
}

// NewHub creates a new Hub. The dispatch channel is the bounded link
// from the scheduler.
func NewHub(version string, sink Sink, store Store, dispatch chan DispatchEvent) *Hub {
	return &Hub{
		version:     version,
		sink:        sink,
		store:       store,
		dispatch:    dispatch,
		frames:      make(chan inboundFrame, 256),
		register:    make(chan registration),
		deregister:  make(chan *Session),
		clientsReq:  make(chan chan []Client),
		workers:     make(map[string]*Session),
		invocations: make(map[uuid.UUID]*Invocation),
		terminated:  make(map[uuid.UUID]time.Time),
		graceWait:   missedDispatchGrace,
		stopped:     make(chan struct{}),
	}
}

// Run owns the hub state until ctx is cancelled, then tells every
// live session the server is stopping.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			for _, sess := range h.workers {
				sess.Send(Shutdown{Reason: ReasonServerStopping})
				sess.CloseAfterFlush()
			}
			return ctx.Err()
		case ev := <-h.dispatch:
			h.handleDispatch(ctx, ev)
		case fr := <-h.frames:
			h.handleFrame(fr.sess, fr.msg)
		case reg := <-h.register:
			h.handleRegister(reg.sess)
		case sess := <-h.deregister:
			h.handleDeregister(sess)
		case replyCh := <-h.clientsReq:
			replyCh <- h.clientSnapshot()
		}
	}
}

// handleRegister installs a worker registration, displacing any prior
// session with the same name.
func (h *Hub) handleRegister(sess *Session) {
	if old, ok := h.workers[sess.workerName]; ok {
		log.Printf("worker %s superseded: session %s replaces %s",
			sess.workerName, sess.id, old.id)
		old.Send(Shutdown{Reason: ReasonSuperseded})
		old.CloseAfterFlush()
		delete(h.workers, old.workerName)
	}
	h.workers[sess.workerName] = sess
	sess.Send(HelloAck{CoordinatorVersion: h.version})
	log.Printf("worker %s registered: session %s uuid %s",
		sess.workerName, sess.id, sess.workerUUID)
}

func (h *Hub) handleDeregister(sess *Session) {
	if cur, ok := h.workers[sess.workerName]; ok && cur == sess {
		delete(h.workers, sess.workerName)
		log.Printf("worker %s deregistered: session %s", sess.workerName, sess.id)
	}
	// Commands in flight on this session will never report back.
	for cmd, iv := range h.invocations {
		if iv.WorkerUUID == sess.workerUUID {
			delete(h.invocations, cmd)
		}
	}
}

// handleDispatch routes a scheduler event to the live session for its
// worker. With no such session the dispatch is dropped and, after a
// grace period, recorded as exit 255.
func (h *Hub) handleDispatch(ctx context.Context, ev DispatchEvent) {
	sess, ok := h.workers[ev.WorkerName]
	if !ok {
		log.Printf("missed dispatch: no worker %s for %s cmd %s",
			ev.WorkerName, ev.JobName, ev.CmdUUID)
		h.recordMissed(ctx, ev)
		return
	}
	h.invocations[ev.CmdUUID] = &Invocation{
		CmdUUID:    ev.CmdUUID,
		WorkerUUID: sess.workerUUID,
		WorkerName: ev.WorkerName,
		JobName:    ev.JobName,
		Command:    ev.Command,
		FiredAt:    ev.FiredAt,
	}
	sess.Send(Run{CmdUUID: ev.CmdUUID, Command: ev.Command})
}

func (h *Hub) recordMissed(ctx context.Context, ev DispatchEvent) {
	grace := time.NewTimer(h.graceWait)
	go func() {
		defer grace.Stop()
		select {
		case <-ctx.Done():
		case <-grace.C:
			h.sink.AppendStatus(StatusRecord{
				Timestamp: time.Now().UTC(),
				CmdUUID:   ev.CmdUUID,
				ExitCode:  255,
				Success:   false,
			})
		}
	}()
}

func (h *Hub) handleFrame(sess *Session, msg Message) {
	switch v := msg.(type) {
	case Output:
		if _, done := h.terminated[v.CmdUUID]; done {
			log.Printf("protocol violation: output after status for cmd %s from %s",
				v.CmdUUID, sess.workerName)
			return
		}
		iv := h.invocations[v.CmdUUID]
		cmdName := ""
		if iv != nil {
			cmdName = iv.JobName
			iv.state = InvocationRunning
		}
		h.sink.AppendOutput(OutputRecord{
			Timestamp:  v.Timestamp,
			WorkerUUID: sess.workerUUID,
			WorkerName: sess.workerName,
			CmdUUID:    v.CmdUUID,
			CmdName:    cmdName,
			Kind:       v.Kind,
			Data:       v.Line,
		})
	case Status:
		if _, done := h.terminated[v.CmdUUID]; done {
			log.Printf("protocol violation: duplicate status for cmd %s from %s",
				v.CmdUUID, sess.workerName)
			return
		}
		if iv, ok := h.invocations[v.CmdUUID]; ok {
			iv.terminate(v.ExitCode, v.Success)
			delete(h.invocations, v.CmdUUID)
		}
		h.sink.AppendStatus(StatusRecord{
			Timestamp: time.Now().UTC(),
			CmdUUID:   v.CmdUUID,
			ExitCode:  v.ExitCode,
			Success:   v.Success,
		})
		h.markTerminated(v.CmdUUID)
	case Pong:
		sess.lastHeartbeat = time.Now()
		Verbosef("pong from %s, peer clock %s", sess.workerName, v.Sent.Format(time.RFC3339))
	case CliRequest:
		h.handleCliRequest(sess, v)
	default:
		log.Printf("protocol violation: unexpected %T from session %s", msg, sess.id)
		sess.Send(Shutdown{Reason: ReasonProtocolError})
		sess.CloseAfterFlush()
	}
}

// markTerminated remembers a finished cmd so frames arriving after
// its status can be flagged. Old markers are pruned as new ones come.
func (h *Hub) markTerminated(cmd uuid.UUID) {
	now := time.Now()
	h.terminated[cmd] = now
	for id, at := range h.terminated {
		if now.Sub(at) > 5*time.Minute {
			delete(h.terminated, id)
		}
	}
}

func (h *Hub) clientSnapshot() []Client {
	clients := make([]Client, 0, len(h.workers))
	for _, sess := range h.workers {
		clients = append(clients, Client{
			Name:           sess.workerName,
			UUID:           sess.workerUUID,
			ConnectedSince: sess.connectedSince,
			LastHeartbeat:  sess.lastHeartbeat,
		})
	}
	return clients
}

// Clients returns a snapshot of the live registrations.
func (h *Hub) Clients() []Client {
	replyCh := make(chan []Client, 1)
	select {
	case h.clientsReq <- replyCh:
		return <-replyCh
	case <-h.stopped:
		return nil
	}
}

// handleCliRequest answers immediate ops inline and ships store-bound
// ops to a goroutine so a slow query cannot stall frame routing.
func (h *Hub) handleCliRequest(sess *Session, req CliRequest) {
	switch op := req.Op.(type) {
	case InfoOp:
		payload, err := json.Marshal(map[string]string{
			"version": h.version,
			"runtime": runtime.Version(),
			"os":      runtime.GOOS,
			"arch":    runtime.GOARCH,
		})
		sess.Send(cliReply(req.ReqID, payload, err))
	case ClientsOp:
		payload, err := json.Marshal(h.clientSnapshot())
		sess.Send(cliReply(req.ReqID, payload, err))
	case UpdatesOp:
		h.answerAsync(sess, req.ReqID, func() ([]byte, error) {
			lines, err := h.store.OutputData(op.Name)
			if err != nil {
				return nil, err
			}
			return json.Marshal(FilterUpdates(op.Kind, lines))
		})
	case CleanupOp:
		h.answerAsync(sess, req.ReqID, func() ([]byte, error) {
			outputRows, statusRows, err := h.store.Cleanup()
			if err != nil {
				return nil, err
			}
			return json.Marshal(map[string]int64{
				"output_deleted":      outputRows,
				"exit_status_deleted": statusRows,
			})
		})
	case QueryOp:
		h.answerAsync(sess, req.ReqID, func() ([]byte, error) {
			res, err := h.store.Query(op.Query)
			if err != nil {
				return nil, err
			}
			return json.Marshal(res)
		})
	case ListOutputOp:
		h.answerAsync(sess, req.ReqID, func() ([]byte, error) {
			rows, err := h.store.ListOutput(op.Name, op.CmdName)
			if err != nil {
				return nil, err
			}
			return json.Marshal(rows)
		})
	case FailedOp:
		h.answerAsync(sess, req.ReqID, func() ([]byte, error) {
			rows, err := h.store.Failed()
			if err != nil {
				return nil, err
			}
			return json.Marshal(rows)
		})
	default:
		sess.Send(CliResponse{ReqID: req.ReqID, Result: ErrResult{
			Kind:    "protocol",
			Message: "unknown cli operation",
		}})
	}
}

func (h *Hub) answerAsync(sess *Session, reqID uuid.UUID, fn func() ([]byte, error)) {
	go func() {
		type answer struct {
			payload []byte
			err     error
		}
		done := make(chan answer, 1)
		go func() {
			payload, err := fn()
			done <- answer{payload, err}
		}()
		select {
		case a := <-done:
			sess.Send(cliReply(reqID, a.payload, a.err))
		case <-time.After(cliOpTimeout):
			sess.Send(CliResponse{ReqID: reqID, Result: ErrResult{
				Kind:    "timeout",
				Message: "operation did not finish in time",
			}})
		}
	}()
}

func cliReply(reqID uuid.UUID, payload []byte, err error) CliResponse {
	if err != nil {
		return CliResponse{ReqID: reqID, Result: ErrResult{
			Kind:    "storage",
			Message: err.Error(),
		}}
	}
	return CliResponse{ReqID: reqID, Result: OkResult{Payload: payload}}
}
