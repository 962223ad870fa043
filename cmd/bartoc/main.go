// Command bartoc is the barto worker agent: it keeps a websocket
// session to the coordinator, runs the commands it is told to, and
// streams their output and exit status back.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"barto"
)

const (
	handshakeWait  = 10 * time.Second
	readWait       = 90 * time.Second
	writeWait      = 10 * time.Second
	initialBackoff = time.Second
	maxBackoff     = 60 * time.Second
)

// exit code 3: cannot reach the coordinator.
const connectExitCode = 3

var (
	verbose         int
	quiet           int
	enableStdOutput bool
	configPath      string
	tracingPath     string
)

// errSuperseded ends the reconnect loop: another bartoc took our name.
var errSuperseded = errors.New("superseded by another connection")

func main() {
	cmd := &cobra.Command{
		Use:           "bartoc",
		Short:         "barto worker agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(*cobra.Command, []string) error {
			return run()
		},
	}
	fl := cmd.PersistentFlags()
	fl.CountVarP(&verbose, "verbose", "v", "raise log verbosity")
	fl.CountVarP(&quiet, "quiet", "q", "lower log verbosity")
	fl.BoolVar(&enableStdOutput, "enable-std-output", false, "log to stderr even when tracing to a file")
	fl.StringVar(&configPath, "config-absolute-path", "", "config file path")
	fl.StringVar(&tracingPath, "tracing-absolute-path", "", "trace log file path")

	if err := cmd.Execute(); err != nil {
		log.Print(err)
		if errors.Is(err, barto.ErrConnect) {
			os.Exit(connectExitCode)
		}
		os.Exit(1)
	}
}

func run() error {
	closeLog, err := barto.SetupLogging("bartoc: ", barto.LogOptions{
		Verbose:         verbose,
		Quiet:           quiet,
		EnableStdOutput: enableStdOutput,
		TracingPath:     tracingPath,
	})
	if err != nil {
		return err
	}
	defer closeLog()

	path := configPath
	if path == "" {
		path = barto.DefaultConfigPath("bartoc.toml")
	}
	cfg, err := barto.LoadClientConfig(path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerUUID := uuid.New()
	failures := 0
	backoff := initialBackoff
	for {
		err := connectAndServe(ctx, cfg, workerUUID)
		switch {
		case err == nil || errors.Is(err, context.Canceled):
			return nil
		case errors.Is(err, errSuperseded):
			log.Print("superseded, shutting down")
			return nil
		case errors.Is(err, barto.ErrConnect):
			failures++
			if failures > cfg.RetryCount {
				return fmt.Errorf("%w: giving up after %d attempts", barto.ErrConnect, failures)
			}
		default:
			// The session was live and died; start the backoff over.
			log.Printf("session ended: %v", err)
			failures = 0
			backoff = initialBackoff
		}
		log.Printf("reconnecting in %v", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// connectAndServe runs one session: dial, handshake, then serve Run
// frames until the session dies.
func connectAndServe(ctx context.Context, cfg *barto.ClientConfig, workerUUID uuid.UUID) error {
	url := cfg.Bartos.URL("/ws/worker")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", barto.ErrConnect, url, err)
	}
	defer conn.Close()
	log.Printf("connected to %s", url)

	hello := barto.Hello{
		WorkerUUID:   workerUUID,
		WorkerName:   cfg.Name,
		Capabilities: []string{runtime.GOOS, runtime.GOARCH},
	}
	if err := writeFrame(conn, hello); err != nil {
		return fmt.Errorf("%w: send hello: %v", barto.ErrConnect, err)
	}
	ack, err := readFrame(conn, handshakeWait)
	if err != nil {
		return fmt.Errorf("%w: read hello ack: %v", barto.ErrConnect, err)
	}
	ackMsg, ok := ack.(barto.HelloAck)
	if !ok {
		return fmt.Errorf("%w: want hello ack, got %T", barto.ErrProtocol, ack)
	}
	log.Printf("registered with coordinator %s", ackMsg.CoordinatorVersion)

	out := make(chan barto.Message, 256)
	x := barto.NewExecutor(out)
	defer x.StopAll()

	writeDone := make(chan error, 1)
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { writeDone <- writeLoop(sessCtx, conn, out) }()

	readDone := make(chan error, 1)
	go func() { readDone <- readLoop(conn, x, out) }()

	select {
	case <-ctx.Done():
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		return context.Canceled
	case err := <-readDone:
		return err
	case err := <-writeDone:
		return err
	}
}

func readLoop(conn *websocket.Conn, x *barto.Executor, out chan<- barto.Message) error {
	for {
		msg, err := readFrame(conn, readWait)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		switch v := msg.(type) {
		case barto.Run:
			barto.Verbosef("run %s: %s", v.CmdUUID, v.Command)
			x.Start(v)
		case barto.Ping:
			barto.Verbosef("ping from coordinator, sent %s", v.Sent.Format(time.RFC3339))
			select {
			case out <- barto.Pong{Sent: time.Now().UTC()}:
			default:
			}
		case barto.Pong:
		case barto.Shutdown:
			if v.Reason == barto.ReasonSuperseded {
				return errSuperseded
			}
			return fmt.Errorf("coordinator shutdown: %s", v.Reason)
		default:
			return fmt.Errorf("%w: unexpected %T", barto.ErrProtocol, msg)
		}
	}
}

func writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan barto.Message) error {
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case msg := <-out:
			data, err := barto.EncodeMessage(msg)
			if err != nil {
				log.Printf("encode: %v", err)
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return err
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, msg barto.Message) error {
	data, err := barto.EncodeMessage(msg)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func readFrame(conn *websocket.Conn, wait time.Duration) (barto.Message, error) {
	if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return nil, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return barto.DecodeMessage(data)
}
