package scheduler

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/craftswarm/craftswarm/internal/config"
)

// Weight multiplies a class's share while its window matches.
type Weight struct {
	Class  string
	Window *Window
	Factor float64
}

// ParseWeights converts configured time weights.
func ParseWeights(cfg []config.TimeWeight) ([]Weight, error) {
	out := make([]Weight, 0, len(cfg))
	for _, tw := range cfg {
		w, err := ParseWindow(tw.Window)
		if err != nil {
			return nil, fmt.Errorf("weight for %s: %w", tw.Class, err)
		}
		if tw.Factor <= 0 {
			return nil, fmt.Errorf("weight for %s: factor must be positive, got %v", tw.Class, tw.Factor)
		}
		out = append(out, Weight{Class: tw.Class, Window: w, Factor: tw.Factor})
	}
	return out, nil
}

// Allocation is the number of workers requested for one class.
type Allocation struct {
	Class  string  `json:"class"`
	Count  int     `json:"count"`
	Weight float64 `json:"weight"`
}

// Plan is an ordered distribution whose counts sum to Total.
type Plan struct {
	Total       int          `json:"total"`
	At          time.Time    `json:"at"`
	Allocations []Allocation `json:"allocations"`
}

// Count returns the allocation for class.
func (p Plan) Count(class string) int {
	for _, a := range p.Allocations {
		if a.Class == class {
			return a.Count
		}
	}
	return 0
}

// Distribute splits total across classes. Every class starts from a base
// weight of one, multiplied by each matching weight at now. Shares are
// scaled to total and floored; the remainder goes round-robin to the
// classes with the largest fractional parts so the counts sum to total.
func Distribute(total int, classes []string, weights []Weight, now time.Time) Plan {
	plan := Plan{Total: max(total, 0), At: now}
	if len(classes) == 0 || total <= 0 {
		return plan
	}

	type share struct {
		idx   int
		frac  float64
		count int
	}
	ws := make([]float64, len(classes))
	var sum float64
	for i, c := range classes {
		ws[i] = classWeight(c, weights, now)
		sum += ws[i]
	}

	shares := make([]share, len(classes))
	assigned := 0
	for i := range classes {
		exact := float64(total) * ws[i] / sum
		n := int(math.Floor(exact + 1e-9))
		shares[i] = share{idx: i, frac: exact - float64(n), count: n}
		assigned += n
	}

	order := make([]int, len(shares))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(shares[b].frac, shares[a].frac)
	})
	for i := 0; assigned < total; i = (i + 1) % len(order) {
		shares[order[i]].count++
		assigned++
	}

	for i, c := range classes {
		plan.Allocations = append(plan.Allocations, Allocation{Class: c, Count: shares[i].count, Weight: ws[i]})
	}
	return plan
}

func classWeight(class string, weights []Weight, now time.Time) float64 {
	w := 1.0
	for _, tw := range weights {
		if tw.Class == class && tw.Window.Matches(now) {
			w *= tw.Factor
		}
	}
	return w
}
