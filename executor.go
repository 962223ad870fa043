package barto

import (
	"bufio"
	"errors"
	"io"
	"log"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// Per-command line buffer between the child and the wire.
	executorBufferLines = 1024
	// How long a child gets to exit after a termination signal.
	killGrace = 5 * time.Second
)

// Executor runs commands on behalf of the coordinator and streams
// their output back. Commands run concurrently; each command's lines
// stay ordered relative to its own Status, streams of different
// commands interleave freely.
type Executor struct {
	sync.Mutex

	// out carries frames toward the websocket writer.
	out chan<- Message

	// running maps live commands, so a dying session can reap them.
	running map[uuid.UUID]*runningCmd

	// stopped suppresses Status frames once the session is gone.
	stopped bool

	// stop unblocks pump goroutines when the session dies.
	stop chan struct{}
}

// runningCmd pairs a live child with its exit notification.
type runningCmd struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// NewExecutor creates a new Executor emitting frames on out.
func NewExecutor(out chan<- Message) *Executor {
	return &Executor{
		out:     out,
		running: make(map[uuid.UUID]*runningCmd),
		stop:    make(chan struct{}),
	}
}

// Start launches one command. Runs are long, so the work detaches
// into its own goroutines.
func (x *Executor) Start(r Run) {
	go x.run(r)
}

func (x *Executor) run(r Run) {
	cmd := shellCommand(r.Command)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		x.spawnFailed(r, err)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		x.spawnFailed(r, err)
		return
	}
	if err := cmd.Start(); err != nil {
		x.spawnFailed(r, err)
		return
	}

	rc := &runningCmd{cmd: cmd, done: make(chan struct{})}
	defer close(rc.done)
	x.Lock()
	if x.stopped {
		x.Unlock()
		_ = terminate(cmd)
		_ = cmd.Wait()
		return
	}
	x.running[r.CmdUUID] = rc
	x.Unlock()

	buf := newLineBuffer(executorBufferLines)
	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		for {
			o, ok := buf.Next(r.CmdUUID)
			if !ok {
				return
			}
			select {
			case x.out <- o:
			case <-x.stop:
				return
			}
		}
	}()

	var g errgroup.Group
	g.Go(func() error { return scanLines(stdout, r.CmdUUID, Stdout, buf) })
	g.Go(func() error { return scanLines(stderr, r.CmdUUID, Stderr, buf) })
	_ = g.Wait()

	code := exitCodeFrom(cmd.Wait())
	buf.Close()
	<-pumped

	x.Lock()
	delete(x.running, r.CmdUUID)
	suppress := x.stopped
	x.Unlock()
	if suppress {
		return
	}
	select {
	case x.out <- Status{CmdUUID: r.CmdUUID, ExitCode: code, Success: code == 0}:
	case <-x.stop:
	}
}

// spawnFailed reports a command that never ran: one stderr line with
// the reason, then a failed status.
func (x *Executor) spawnFailed(r Run, err error) {
	log.Printf("cannot spawn %q: %v", r.Command, err)
	x.Lock()
	stopped := x.stopped
	x.Unlock()
	if stopped {
		return
	}
	o := Output{
		CmdUUID:   r.CmdUUID,
		Kind:      Stderr,
		Timestamp: time.Now().UTC(),
		Line:      "barto: " + err.Error(),
	}
	select {
	case x.out <- o:
	case <-x.stop:
		return
	}
	select {
	case x.out <- Status{CmdUUID: r.CmdUUID, ExitCode: 127, Success: false}:
	case <-x.stop:
	}
}

// StopAll reaps every live child: termination signal, a grace window,
// then a hard kill. No Status goes upstream for reaped commands.
func (x *Executor) StopAll() {
	x.Lock()
	if x.stopped {
		x.Unlock()
		return
	}
	x.stopped = true
	cmds := make([]*runningCmd, 0, len(x.running))
	for _, rc := range x.running {
		cmds = append(cmds, rc)
	}
	x.Unlock()
	close(x.stop)

	var wg sync.WaitGroup
	for _, rc := range cmds {
		wg.Add(1)
		go func(rc *runningCmd) {
			defer wg.Done()
			reap(rc)
		}(rc)
	}
	wg.Wait()
}

func reap(rc *runningCmd) {
	if rc.cmd.Process == nil {
		return
	}
	_ = terminate(rc.cmd)
	select {
	case <-rc.done:
	case <-time.After(killGrace):
		_ = rc.cmd.Process.Kill()
	}
}

func scanLines(r io.Reader, cmdUUID uuid.UUID, kind OutputKind, buf *lineBuffer) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		buf.Add(Output{
			CmdUUID:   cmdUUID,
			Kind:      kind,
			Timestamp: time.Now().UTC(),
			Line:      sc.Text(),
		})
	}
	return sc.Err()
}

func exitCodeFrom(err error) uint8 {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return normalizeExit(ee)
	}
	return 255
}
