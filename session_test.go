package barto

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

func startWsServer(t *testing.T, hub *Hub) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/worker", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ServeWorker(hub, conn)
	})
	mux.HandleFunc("/ws/cli", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ServeCli(hub, conn)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialWs(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendMsg(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()
	data, err := EncodeMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recvMsg(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

// A full worker round trip over a real websocket: handshake, dispatch,
// output and status fan-in.
func TestWorkerSessionRoundTrip(t *testing.T) {
	sink := &fakeSink{}
	hub, dispatch := startHub(t, sink)
	url := startWsServer(t, hub)

	conn := dialWs(t, url+"/ws/worker")
	workerUUID := uuid.New()
	sendMsg(t, conn, Hello{
		WorkerUUID:   workerUUID,
		WorkerName:   "alpha",
		Capabilities: []string{"linux"},
	})
	ack := recvMsg(t, conn)
	if a, ok := ack.(HelloAck); !ok || a.CoordinatorVersion != "test" {
		t.Fatalf("handshake reply: %#v", ack)
	}

	cmd := uuid.New()
	dispatch <- DispatchEvent{
		WorkerName: "alpha",
		JobName:    "greet",
		CmdUUID:    cmd,
		Command:    "echo hi",
		FiredAt:    time.Now(),
	}
	run := recvMsg(t, conn)
	r, ok := run.(Run)
	if !ok || r.CmdUUID != cmd || r.Command != "echo hi" {
		t.Fatalf("run frame: %#v", run)
	}

	ts := time.Now().UTC()
	sendMsg(t, conn, Output{CmdUUID: cmd, Kind: Stdout, Timestamp: ts, Line: "hi"})
	sendMsg(t, conn, Status{CmdUUID: cmd, ExitCode: 0, Success: true})

	waitFor(t, "fan in", func() bool {
		outputs, statuses := sink.snapshot()
		return len(outputs) == 1 && len(statuses) == 1
	})
	outputs, statuses := sink.snapshot()
	if outputs[0].Data != "hi" {
		t.Fatalf("output: %+v", outputs[0])
	}
	if statuses[0].CmdUUID != cmd {
		t.Fatalf("status: %+v", statuses[0])
	}
}

// The first frame must be a Hello; anything else ends the session.
func TestWorkerSessionBadHandshake(t *testing.T) {
	sink := &fakeSink{}
	hub, _ := startHub(t, sink)
	url := startWsServer(t, hub)

	conn := dialWs(t, url+"/ws/worker")
	sendMsg(t, conn, Status{CmdUUID: uuid.New(), ExitCode: 0, Success: true})

	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return // session closed, as it should be
		}
	}
}

// A frame with an unknown variant tag closes the session with a
// policy violation, not a crash.
func TestWorkerSessionUnknownVariant(t *testing.T) {
	sink := &fakeSink{}
	hub, _ := startHub(t, sink)
	url := startWsServer(t, hub)

	conn := dialWs(t, url+"/ws/worker")
	sendMsg(t, conn, Hello{WorkerUUID: uuid.New(), WorkerName: "alpha"})
	_ = recvMsg(t, conn) // hello ack

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{99}); err != nil {
		t.Fatal(err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				if ce.Code != websocket.ClosePolicyViolation {
					t.Fatalf("close code: %d", ce.Code)
				}
			}
			return
		}
	}
}

// A CLI client exchanges one request and response over the wire.
func TestCliSessionExchange(t *testing.T) {
	sink := &fakeSink{}
	hub, _ := startHub(t, sink)
	url := startWsServer(t, hub)

	conn := dialWs(t, url+"/ws/cli")
	sendMsg(t, conn, CliHello{CliName: "cli"})
	reqID := uuid.New()
	sendMsg(t, conn, CliRequest{ReqID: reqID, Op: ClientsOp{}})

	for {
		msg := recvMsg(t, conn)
		resp, ok := msg.(CliResponse)
		if !ok {
			continue
		}
		if resp.ReqID != reqID {
			t.Fatalf("req id: %v", resp.ReqID)
		}
		if _, ok := resp.Result.(OkResult); !ok {
			t.Fatalf("result: %#v", resp.Result)
		}
		return
	}
}
