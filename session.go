package barto

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
)

const (
	// How often the hub pings a session.
	pingInterval = 30 * time.Second
	// How long a session may go without any inbound frame.
	readWait = 90 * time.Second
	// Budget for a single websocket write.
	writeWait = 10 * time.Second
	// How long a peer gets to complete its handshake.
	handshakeWait = 10 * time.Second

	outboundBuffer = 256
)

type sessionKind int

const (
	workerSession = sessionKind(iota)
	cliSession
)

// Session is one live websocket connection with a state machine:
// connecting, handshaking, ready, closing. The hub owns its
// registration fields; the reader and writer goroutines own the
// connection.
type Session struct {
	id   xid.ID
	kind sessionKind
	hub  *Hub
	conn *websocket.Conn

	workerUUID     uuid.UUID
	workerName     string
	cliName        string
	connectedSince time.Time
	lastHeartbeat  time.Time

	out   chan Message
	flush chan struct{}
	done  chan struct{}

	closeOnce sync.Once
	flushOnce sync.Once
}

func newSession(hub *Hub, conn *websocket.Conn, kind sessionKind) *Session {
	return &Session{
		id:             xid.New(),
		kind:           kind,
		hub:            hub,
		conn:           conn,
		connectedSince: time.Now(),
		lastHeartbeat:  time.Now(),
		out:            make(chan Message, outboundBuffer),
		flush:          make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// ServeWorker runs a worker session to completion: handshake,
// register, pump frames, deregister. It blocks until the session is
// over and always closes the connection.
func ServeWorker(hub *Hub, conn *websocket.Conn) {
	sess := newSession(hub, conn, workerSession)
	defer sess.Close()

	first, err := sess.readFrame(handshakeWait)
	if err != nil {
		log.Printf("session %s: handshake failed: %v", sess.id, err)
		return
	}
	hello, ok := first.(Hello)
	if !ok {
		log.Printf("session %s: want hello, got %T", sess.id, first)
		sess.closeWith(websocket.CloseProtocolError, "expected hello")
		return
	}
	sess.workerUUID = hello.WorkerUUID
	sess.workerName = hello.WorkerName

	select {
	case hub.register <- registration{sess: sess}:
	case <-hub.stopped:
		return
	}
	defer func() {
		select {
		case hub.deregister <- sess:
		case <-hub.stopped:
		}
	}()

	go sess.writeLoop()
	sess.readLoop(func(msg Message) error {
		switch msg.(type) {
		case Output, Status, Pong:
			return sess.forward(msg)
		case Ping:
			sess.Send(Pong{Sent: time.Now().UTC()})
			return nil
		default:
			return fmt.Errorf("%w: unexpected %T on worker session", ErrProtocol, msg)
		}
	})
}

// ServeCli runs a CLI session to completion. CLI clients are not
// registered; they only issue requests and read replies.
func ServeCli(hub *Hub, conn *websocket.Conn) {
	sess := newSession(hub, conn, cliSession)
	defer sess.Close()

	first, err := sess.readFrame(handshakeWait)
	if err != nil {
		log.Printf("session %s: handshake failed: %v", sess.id, err)
		return
	}
	hello, ok := first.(CliHello)
	if !ok {
		log.Printf("session %s: want cli hello, got %T", sess.id, first)
		sess.closeWith(websocket.CloseProtocolError, "expected cli hello")
		return
	}
	sess.cliName = hello.CliName

	go sess.writeLoop()
	sess.readLoop(func(msg Message) error {
		switch msg.(type) {
		case CliRequest:
			return sess.forward(msg)
		case Ping:
			sess.Send(Pong{Sent: time.Now().UTC()})
			return nil
		case Pong:
			return nil
		default:
			return fmt.Errorf("%w: unexpected %T on cli session", ErrProtocol, msg)
		}
	})
}

// forward hands an inbound frame to the hub, giving up if the hub
// has already stopped.
func (s *Session) forward(msg Message) error {
	select {
	case s.hub.frames <- inboundFrame{sess: s, msg: msg}:
		return nil
	case <-s.hub.stopped:
		return fmt.Errorf("%w: hub stopped", ErrCancelled)
	}
}

// readFrame reads and decodes a single frame within the deadline.
func (s *Session) readFrame(wait time.Duration) (Message, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return nil, err
	}
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return DecodeMessage(data)
}

// readLoop pumps decoded frames into route until the connection dies,
// the peer violates the protocol, or the deadline lapses.
func (s *Session) readLoop(route func(Message) error) {
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(readWait)); err != nil {
			return
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			log.Printf("session %s: %v", s.id, err)
			s.closeWith(websocket.ClosePolicyViolation, "bad frame")
			return
		}
		if err := route(msg); err != nil {
			log.Printf("session %s: %v", s.id, err)
			s.closeWith(websocket.CloseProtocolError, "unexpected frame")
			return
		}
	}
}

// writeLoop serializes all writes on the connection: queued outbound
// frames and the periodic ping.
func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg := <-s.out:
			if !s.writeFrame(msg) {
				return
			}
		case <-ticker.C:
			if !s.writeFrame(Ping{Sent: time.Now().UTC()}) {
				return
			}
		case <-s.flush:
			// Closing: drain what is queued, then say goodbye.
			for {
				select {
				case msg := <-s.out:
					if !s.writeFrame(msg) {
						return
					}
				default:
					deadline := time.Now().Add(writeWait)
					_ = s.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
					s.Close()
					return
				}
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) writeFrame(msg Message) bool {
	data, err := EncodeMessage(msg)
	if err != nil {
		log.Printf("session %s: encode: %v", s.id, err)
		return true
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return false
	}
	return true
}

// Send queues a frame for the writer. It never blocks; a full queue
// drops the frame with a log line, the peer's liveness timeout deals
// with the rest.
func (s *Session) Send(msg Message) {
	select {
	case <-s.done:
	case s.out <- msg:
	default:
		log.Printf("session %s: outbound queue full, dropped %T", s.id, msg)
	}
}

// CloseAfterFlush asks the writer to drain the outbound queue and
// close the connection.
func (s *Session) CloseAfterFlush() {
	s.flushOnce.Do(func() { close(s.flush) })
}

func (s *Session) closeWith(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	s.Close()
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}
