// Command barto-cli queries a running bartos coordinator: server
// info, connected clients, stored output and exit statuses.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"barto"
)

// Exit codes per the CLI contract.
const (
	exitOK      = 0
	exitUsage   = 1
	exitServer  = 2
	exitConnect = 3
)

const (
	rpcTimeout = 30 * time.Second
	writeWait  = 10 * time.Second
)

var (
	verbose         int
	quiet           int
	enableStdOutput bool
	configPath      string
	tracingPath     string
)

// errServer marks a failure the coordinator reported, as opposed to
// one reaching it.
var errServer = errors.New("server error")

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:           "barto-cli",
		Short:         "query a running bartos coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	fl := root.PersistentFlags()
	fl.CountVarP(&verbose, "verbose", "v", "raise log verbosity")
	fl.CountVarP(&quiet, "quiet", "q", "lower log verbosity")
	fl.BoolVar(&enableStdOutput, "enable-std-output", false, "log to stderr even when tracing to a file")
	fl.StringVar(&configPath, "config-absolute-path", "", "config file path")
	fl.StringVar(&tracingPath, "tracing-absolute-path", "", "trace log file path")

	root.AddCommand(infoCmd(), updatesCmd(), cleanupCmd(), clientsCmd(), queryCmd(), listCmd(), failedCmd())

	if err := root.Execute(); err != nil {
		log.Print(err)
		switch {
		case errors.Is(err, barto.ErrConnect), errors.Is(err, barto.ErrTimeout):
			return exitConnect
		case errors.Is(err, errServer):
			return exitServer
		default:
			return exitUsage
		}
	}
	return exitOK
}

func infoCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "info",
		Short: "show coordinator build and version information",
		RunE: func(*cobra.Command, []string) error {
			return exchange(barto.InfoOp{JSON: asJSON})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func updatesCmd() *cobra.Command {
	var name, kind string
	cmd := &cobra.Command{
		Use:   "updates",
		Short: "summarize pending updates recorded for a worker",
		RunE: func(*cobra.Command, []string) error {
			k, err := barto.ParseUpdateKind(kind)
			if err != nil {
				return err
			}
			return exchange(barto.UpdatesOp{Name: name, Kind: k})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "worker name")
	cmd.Flags().StringVar(&kind, "update-kind", "", "garuda, pacman, cachyos or apt")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("update-kind")
	return cmd
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "delete stored rows past the retention window",
		RunE: func(*cobra.Command, []string) error {
			return exchange(barto.CleanupOp{})
		},
	}
}

func clientsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clients",
		Short: "list connected workers",
		RunE: func(*cobra.Command, []string) error {
			return exchange(barto.ClientsOp{})
		},
	}
}

func queryCmd() *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "query",
		Short: "run raw SQL on the coordinator's store",
		RunE: func(*cobra.Command, []string) error {
			return exchange(barto.QueryOp{Query: query})
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "SQL to run")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}

func listCmd() *cobra.Command {
	var name, cmdName string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list stored output for a worker and job",
		RunE: func(*cobra.Command, []string) error {
			return exchange(barto.ListOutputOp{Name: name, CmdName: cmdName})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "worker name")
	cmd.Flags().StringVar(&cmdName, "cmd-name", "", "job name")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("cmd-name")
	return cmd
}

func failedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "failed",
		Short: "list invocations that exited non-zero",
		RunE: func(*cobra.Command, []string) error {
			return exchange(barto.FailedOp{})
		},
	}
}

// exchange performs one request/response round trip and prints the
// payload.
func exchange(op barto.CliOp) error {
	closeLog, err := barto.SetupLogging("barto-cli: ", barto.LogOptions{
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
		path = barto.DefaultConfigPath("barto-cli.toml")
	}
	cfg, err := barto.LoadClientConfig(path)
	if err != nil {
		return err
	}

	url := cfg.Bartos.URL("/ws/cli")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", barto.ErrConnect, url, err)
	}
	defer conn.Close()

	if err := writeFrame(conn, barto.CliHello{CliName: cfg.Name}); err != nil {
		return fmt.Errorf("%w: send hello: %v", barto.ErrConnect, err)
	}
	reqID := uuid.New()
	if err := writeFrame(conn, barto.CliRequest{ReqID: reqID, Op: op}); err != nil {
		return fmt.Errorf("%w: send request: %v", barto.ErrConnect, err)
	}

	deadline := time.Now().Add(rpcTimeout)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if os.IsTimeout(err) {
				return fmt.Errorf("%w: no response within %v", barto.ErrTimeout, rpcTimeout)
			}
			return fmt.Errorf("%w: read response: %v", barto.ErrConnect, err)
		}
		msg, err := barto.DecodeMessage(data)
		if err != nil {
			return fmt.Errorf("%w: %v", barto.ErrProtocol, err)
		}
		switch v := msg.(type) {
		case barto.Ping:
			_ = writeFrame(conn, barto.Pong{Sent: time.Now().UTC()})
		case barto.CliResponse:
			if v.ReqID != reqID {
				continue
			}
			raw := false
			if info, ok := op.(barto.InfoOp); ok {
				raw = info.JSON
			}
			return render(v.Result, raw)
		default:
			continue
		}
	}
}

func render(result barto.CliResult, raw bool) error {
	switch v := result.(type) {
	case barto.OkResult:
		if raw {
			fmt.Println(string(v.Payload))
			return nil
		}
		var buf bytes.Buffer
		if err := json.Indent(&buf, v.Payload, "", "  "); err != nil {
			fmt.Println(string(v.Payload))
			return nil
		}
		fmt.Println(buf.String())
		return nil
	case barto.ErrResult:
		return fmt.Errorf("%w: %s: %s", errServer, v.Kind, v.Message)
	}
	return fmt.Errorf("%w: unexpected result", errServer)
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
