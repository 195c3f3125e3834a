// Package worker is the runtime that runs inside each worker process: it
// reads its startup bundle, drives a game client and speaks the ipc
// protocol with the supervisor.
package worker

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/craftswarm/craftswarm/internal/ipc"
)

// ErrNotConnected is returned by client calls made before Connect.
var ErrNotConnected = errors.New("client not connected")

// KickedError means the remote server removed the client.
type KickedError struct{ Reason string }

func (e *KickedError) Error() string { return "kicked: " + e.Reason }

// DisconnectedError means the remote connection was lost.
type DisconnectedError struct{ Reason string }

func (e *DisconnectedError) Error() string { return "disconnected: " + e.Reason }

// Outcome is the result of one activity step.
type Outcome struct {
	Position ipc.Position
	Vitals   ipc.Vitals
	Distance float64
	Items    int
	Success  bool
}

// GameClient is the connection to the remote game server. The protocol
// library behind it is not part of this repository; SimClient stands in.
type GameClient interface {
	Connect(ctx context.Context) (ipc.Connected, error)
	Perform(ctx context.Context, activity string) (Outcome, error)
	// Nudge makes a small anti-idle movement and returns the distance moved.
	Nudge(ctx context.Context) (float64, error)
	Say(ctx context.Context, text string) error
	Close() error
}

// SimConfig tunes the simulated client. Rates are per call probabilities.
type SimConfig struct {
	ConnectDelay   time.Duration `envconfig:"CONNECT_DELAY" default:"2s"`
	KickRate       float64       `envconfig:"KICK_RATE" default:"0.002"`
	DisconnectRate float64       `envconfig:"DISCONNECT_RATE" default:"0.001"`
	FailureRate    float64       `envconfig:"FAILURE_RATE" default:"0.05"`
	ConnectFail    float64       `envconfig:"CONNECT_FAIL" default:"0"`
}

// SimClient simulates a game client without touching the network.
type SimClient struct {
	cfg       SimConfig
	rng       *rand.Rand
	pos       ipc.Position
	vitals    ipc.Vitals
	connected bool
}

// NewSimClient returns a simulated client seeded for reproducible runs.
func NewSimClient(cfg SimConfig, seed uint64) *SimClient {
	return &SimClient{cfg: cfg, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (c *SimClient) Connect(ctx context.Context) (ipc.Connected, error) {
	if c.cfg.ConnectDelay > 0 {
		t := time.NewTimer(c.cfg.ConnectDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ipc.Connected{}, ctx.Err()
		case <-t.C:
		}
	}
	if c.rng.Float64() < c.cfg.ConnectFail {
		return ipc.Connected{}, errors.New("connection refused")
	}
	c.connected = true
	c.pos = ipc.Position{X: c.rng.Float64()*200 - 100, Y: 64, Z: c.rng.Float64()*200 - 100}
	c.vitals = ipc.Vitals{Health: 20, Food: 20}
	return ipc.Connected{Vitals: c.vitals, Position: c.pos, Dimension: "overworld"}, nil
}

// stride is how far one step of each activity tends to move.
var stride = map[string]float64{
	"explore": 24, "gather": 8, "fight": 6, "trade": 3,
	"build": 2, "craft": 1, "mine": 4, "socialize": 2,
}

// yield is the chance one step of each activity gains an item.
var yield = map[string]float64{
	"gather": 0.7, "mine": 0.8, "fight": 0.3, "trade": 0.5, "craft": 0.6, "build": 0.1,
}

func (c *SimClient) Perform(ctx context.Context, activity string) (Outcome, error) {
	if !c.connected {
		return Outcome{}, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	switch r := c.rng.Float64(); {
	case r < c.cfg.KickRate:
		c.connected = false
		return Outcome{}, &KickedError{Reason: "kicked by server"}
	case r < c.cfg.KickRate+c.cfg.DisconnectRate:
		c.connected = false
		return Outcome{}, &DisconnectedError{Reason: "connection reset"}
	}

	s, ok := stride[activity]
	if !ok {
		s = 5
	}
	dist := c.move(s)
	items := 0
	if c.rng.Float64() < yield[activity] {
		items = 1 + c.rng.IntN(3)
	}
	c.vitals.Food = math.Max(0, c.vitals.Food-0.1)
	if c.vitals.Food < 6 {
		c.vitals.Food = 20
	}
	if activity == "fight" && c.rng.Float64() < 0.3 {
		c.vitals.Health = math.Max(1, c.vitals.Health-float64(1+c.rng.IntN(4)))
	} else if c.vitals.Health < 20 {
		c.vitals.Health = math.Min(20, c.vitals.Health+0.5)
	}
	return Outcome{
		Position: c.pos,
		Vitals:   c.vitals,
		Distance: dist,
		Items:    items,
		Success:  c.rng.Float64() >= c.cfg.FailureRate,
	}, nil
}

func (c *SimClient) Nudge(ctx context.Context) (float64, error) {
	if !c.connected {
		return 0, ErrNotConnected
	}
	return c.move(1), ctx.Err()
}

func (c *SimClient) Say(ctx context.Context, text string) error {
	if !c.connected {
		return ErrNotConnected
	}
	return ctx.Err()
}

func (c *SimClient) Close() error {
	c.connected = false
	return nil
}

func (c *SimClient) move(scale float64) float64 {
	dx := (c.rng.Float64()*2 - 1) * scale
	dz := (c.rng.Float64()*2 - 1) * scale
	c.pos.X += dx
	c.pos.Z += dz
	return math.Hypot(dx, dz)
}
