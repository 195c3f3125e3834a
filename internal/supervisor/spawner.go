package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/craftswarm/craftswarm/internal/bus"
	"github.com/craftswarm/craftswarm/internal/ipc"
)

// Handle is a live worker process. Every method is safe to call from the
// event loop and must not block on the worker.
type Handle interface {
	PID() int
	// Send queues a control envelope. It reports false when the queue is
	// full or the handle is closed; the message is then lost.
	Send(env ipc.Envelope) bool
	// Signal asks the process to terminate.
	Signal() error
	// Close tears down the IPC channel. The process is not waited for.
	Close() error
}

// SpawnRequest is everything needed to launch one worker incarnation.
type SpawnRequest struct {
	WorkerID   string
	Generation uint64
	Bundle     ipc.Bundle
}

// Spawner creates worker processes. Events and the exit of the process are
// delivered on the bus tagged with the request's generation.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Handle, error)
}

// ExecSpawner launches each worker as a child process speaking JSON lines on
// stdin and stdout.
type ExecSpawner struct {
	Binary    string
	Args      []string
	Bus       *bus.MessageBus
	QueueSize int
	// KillGrace is how long a signaled process may take before it is killed.
	KillGrace time.Duration
	// Stderr receives the worker's log output. Defaults to os.Stderr.
	Stderr io.Writer
}

// NewExecSpawner resolves an empty binary to the running executable.
func NewExecSpawner(binary string, args []string, b *bus.MessageBus, queueSize int) (*ExecSpawner, error) {
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker binary: %w", err)
		}
		binary = self
	}
	if queueSize <= 0 {
		queueSize = 32
	}
	return &ExecSpawner{Binary: binary, Args: args, Bus: b, QueueSize: queueSize, KillGrace: 10 * time.Second}, nil
}

// Spawn starts the process, queues the bundle as the first stdin line and
// attaches the reader that forwards events to the bus.
func (s *ExecSpawner) Spawn(ctx context.Context, req SpawnRequest) (Handle, error) {
	cmd := exec.Command(s.Binary, s.Args...)
	cmd.Env = append(os.Environ(), "CRAFTSWARM_WORKER_ID="+req.WorkerID)
	if s.Stderr != nil {
		cmd.Stderr = s.Stderr
	} else {
		cmd.Stderr = os.Stderr
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, err
	}

	h := &procHandle{
		cmd:    cmd,
		stdin:  stdin,
		queue:  make(chan ipc.Envelope, s.QueueSize),
		closed: make(chan struct{}),
		exited: make(chan struct{}),
		grace:  s.KillGrace,
	}
	go h.writeLoop(req.Bundle)
	go s.readLoop(ctx, req, stdout, h)
	return h, nil
}

// readLoop forwards events until stdout closes, then reaps the process and
// reports its exit. Wait must only run once reading has finished.
func (s *ExecSpawner) readLoop(ctx context.Context, req SpawnRequest, stdout io.Reader, h *procHandle) {
	dec := ipc.NewDecoder(stdout)
	for {
		env, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		msg := &bus.InboundMessage{WorkerID: req.WorkerID, Generation: req.Generation}
		if err != nil {
			msg.Fault = err
			if !errors.Is(err, ipc.ErrProtocolFault) {
				// Pipe error; nothing more can be read.
				s.Bus.PublishInbound(ctx, msg)
				break
			}
		} else if evt, err := ipc.DecodeEvent(env); err != nil {
			msg.Fault = err
		} else {
			msg.Event = &evt
		}
		if !s.Bus.PublishInbound(ctx, msg) {
			break
		}
	}
	// Drain so the child never blocks on a full pipe after we stop reading.
	io.Copy(io.Discard, stdout)

	waitErr := h.cmd.Wait()
	close(h.exited)
	exit := &bus.ExitInfo{Err: waitErr}
	if h.cmd.ProcessState != nil {
		exit.Code = h.cmd.ProcessState.ExitCode()
	}
	s.Bus.PublishInbound(ctx, &bus.InboundMessage{WorkerID: req.WorkerID, Generation: req.Generation, Exit: exit})
}

type procHandle struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	queue chan ipc.Envelope

	closeOnce sync.Once
	closed    chan struct{}
	exited    chan struct{}
	grace     time.Duration
}

func (h *procHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *procHandle) Send(env ipc.Envelope) bool {
	select {
	case <-h.closed:
		return false
	default:
	}
	select {
	case h.queue <- env:
		return true
	default:
		return false
	}
}

func (h *procHandle) writeLoop(bundle ipc.Bundle) {
	enc := ipc.NewEncoder(h.stdin)
	if err := enc.WriteValue(bundle); err != nil {
		slog.Warn("Supervisor failed to write startup bundle", "worker", bundle.WorkerID, "error", err)
		return
	}
	for {
		select {
		case <-h.closed:
			return
		case env := <-h.queue:
			if err := enc.Write(env); err != nil {
				slog.Debug("Supervisor control write failed", "worker", env.WorkerID, "error", err)
				return
			}
		}
	}
}

// Signal sends SIGTERM and kills the process if it outlives the grace period.
func (h *procHandle) Signal() error {
	if h.cmd.Process == nil {
		return nil
	}
	err := h.cmd.Process.Signal(syscall.SIGTERM)
	if err != nil {
		err = h.cmd.Process.Kill()
	}
	if h.grace > 0 {
		go func() {
			select {
			case <-h.exited:
			case <-time.After(h.grace):
				h.cmd.Process.Kill()
			}
		}()
	}
	return err
}

func (h *procHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.closed)
		err = h.stdin.Close()
	})
	return err
}
