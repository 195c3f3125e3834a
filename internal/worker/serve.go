package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/kelseyhightower/envconfig"

	"github.com/craftswarm/craftswarm/internal/ipc"
)

// Options is the worker process environment, read from CRAFTSWARM_SIM_*.
type Options struct {
	SimConfig
	Timing
}

// LoadOptions reads Options from the environment.
func LoadOptions() (Options, error) {
	var o Options
	if err := envconfig.Process("CRAFTSWARM_SIM", &o); err != nil {
		return Options{}, fmt.Errorf("worker options: %w", err)
	}
	return o, nil
}

// ClientFactory builds the game client for a bundle.
type ClientFactory func(b ipc.Bundle) GameClient

// Serve runs one worker process: it reads the startup bundle from in,
// then streams controls from in and events to out until the session ends.
func Serve(ctx context.Context, in io.Reader, out io.Writer, opts Options, newClient ClientFactory) error {
	dec := ipc.NewDecoder(in)
	var b ipc.Bundle
	if err := dec.ReadValue(&b); err != nil {
		return fmt.Errorf("read bundle: %w", err)
	}
	if err := b.Validate(); err != nil {
		return err
	}
	if newClient == nil {
		newClient = func(b ipc.Bundle) GameClient { return NewSimClient(opts.SimConfig, b.Seed) }
	}
	slog.Info("Worker starting", "worker", b.WorkerID, "generation", b.Generation, "class", b.Class, "account", b.Account.Username)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	controls := make(chan ipc.Control, 16)
	go readControls(ctx, dec, b.WorkerID, controls)

	rt := NewRuntime(b, newClient(b), out, opts.Timing)
	return rt.Run(ctx, controls)
}

// readControls decodes control envelopes until in closes. Malformed lines
// and controls addressed to another worker are logged and skipped.
func readControls(ctx context.Context, dec *ipc.Decoder, workerID string, out chan<- ipc.Control) {
	defer close(out)
	for {
		env, err := dec.Next()
		if err != nil {
			if errors.Is(err, ipc.ErrProtocolFault) {
				slog.Warn("Worker dropped control line", "error", err)
				continue
			}
			if !errors.Is(err, io.EOF) {
				slog.Warn("Worker control stream closed", "error", err)
			}
			return
		}
		msg, err := ipc.DecodeControl(env)
		if err != nil {
			slog.Warn("Worker dropped control", "kind", env.Kind, "error", err)
			continue
		}
		if msg.WorkerID != workerID {
			slog.Warn("Worker dropped control for another worker", "target", msg.WorkerID)
			continue
		}
		select {
		case out <- msg.Body:
		case <-ctx.Done():
			return
		}
	}
}
