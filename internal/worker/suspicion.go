package worker

import (
	"math"
	"time"

	"github.com/craftswarm/craftswarm/internal/ipc"
)

// suspicion is the worker's own estimate of how detectable it is. Long runs
// of the same activity raise it; variety and countermeasures lower it.
type suspicion struct {
	score  float64
	growth float64
}

func newSuspicion(growth float64) *suspicion {
	if growth <= 0 {
		growth = 1
	}
	return &suspicion{growth: growth}
}

// repeat records one more step of an unchanged activity.
func (s *suspicion) repeat(streak int) {
	s.add(s.growth * math.Min(float64(streak), 10) * 0.8)
}

// vary records a natural activity change.
func (s *suspicion) vary() { s.add(-2) }

// decay lowers the score over quiet time.
func (s *suspicion) decay(elapsed time.Duration) {
	s.add(-elapsed.Minutes() * 0.5)
}

// relieve applies the effect of a supervisor countermeasure.
func (s *suspicion) relieve(kind ipc.ControlKind) {
	switch kind {
	case ipc.ControlBreakPattern:
		s.add(-15)
	case ipc.ControlIntroduceDelay:
		s.add(-10)
	case ipc.ControlChangeActivity:
		s.add(-8)
	case ipc.ControlSimulateError:
		s.add(-3)
	}
}

func (s *suspicion) add(d float64) {
	s.score = math.Max(0, math.Min(100, s.score+d))
}

func (s *suspicion) value() float64 { return s.score }
