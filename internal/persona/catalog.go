// Package persona loads the behaviour bundles handed to workers at startup.
// Bundles are produced elsewhere; this package only reads them from a YAML
// catalog and falls back to built-in archetypes.
package persona

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrUnknownClass is returned for a persona class the catalog does not hold.
var ErrUnknownClass = errors.New("persona: unknown class")

// Activity is one weighted task label a persona may pick.
type Activity struct {
	Label  string  `yaml:"label" json:"label"`
	Weight float64 `yaml:"weight" json:"weight"`
}

// Profile is the persona/behaviour bundle for one class.
type Profile struct {
	Class            string             `yaml:"class" json:"class"`
	Traits           map[string]float64 `yaml:"traits" json:"traits,omitempty"`
	Activities       []Activity         `yaml:"activities" json:"activities"`
	ChatLines        []string           `yaml:"chat_lines" json:"chat_lines,omitempty"`
	ActivityInterval time.Duration      `yaml:"activity_interval" json:"activity_interval"`
	ChatInterval     time.Duration      `yaml:"chat_interval" json:"chat_interval"`
	LearningRate     float64            `yaml:"learning_rate" json:"learning_rate"`
	// RiskGrowth scales how fast repetition raises the worker's own
	// suspicion estimate.
	RiskGrowth float64 `yaml:"risk_growth" json:"risk_growth"`
}

// Labels returns the activity labels in declaration order.
func (p Profile) Labels() []string {
	out := make([]string, 0, len(p.Activities))
	for _, a := range p.Activities {
		out = append(out, a.Label)
	}
	return out
}

// PickActivity draws a weighted activity, avoiding exclude when any other
// option exists.
func (p Profile) PickActivity(rng *rand.Rand, exclude string) string {
	var total float64
	for _, a := range p.Activities {
		if a.Label != exclude && a.Weight > 0 {
			total += a.Weight
		}
	}
	if total == 0 {
		if len(p.Activities) > 0 {
			return p.Activities[0].Label
		}
		return "explore"
	}
	r := rng.Float64() * total
	for _, a := range p.Activities {
		if a.Label == exclude || a.Weight <= 0 {
			continue
		}
		r -= a.Weight
		if r < 0 {
			return a.Label
		}
	}
	return p.Activities[len(p.Activities)-1].Label
}

type catalogFile struct {
	Personas []Profile `yaml:"personas"`
}

// Catalog maps persona classes to profiles.
type Catalog struct {
	profiles map[string]Profile
}

// Default returns the built-in archetypes.
func Default() *Catalog {
	c := &Catalog{profiles: make(map[string]Profile)}
	for _, p := range builtin() {
		c.profiles[p.Class] = p
	}
	return c
}

// Load reads a YAML catalog from path on top of the built-in archetypes.
// An empty path returns the defaults.
func Load(path string) (*Catalog, error) {
	c := Default()
	if strings.TrimSpace(path) == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading persona catalog: %w", err)
	}
	if err := c.merge(data); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) merge(data []byte) error {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing persona catalog: %w", err)
	}
	for _, p := range f.Personas {
		p.Class = strings.ToLower(strings.TrimSpace(p.Class))
		if p.Class == "" {
			return fmt.Errorf("parsing persona catalog: persona without class")
		}
		if len(p.Activities) == 0 {
			return fmt.Errorf("parsing persona catalog: %s has no activities", p.Class)
		}
		fillDefaults(&p)
		c.profiles[p.Class] = p
	}
	return nil
}

// Profile returns the bundle for class.
func (c *Catalog) Profile(class string) (Profile, error) {
	p, ok := c.profiles[strings.ToLower(class)]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}
	return p, nil
}

// Classes returns every known class, sorted.
func (c *Catalog) Classes() []string {
	out := make([]string, 0, len(c.profiles))
	for k := range c.profiles {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func fillDefaults(p *Profile) {
	if p.ActivityInterval <= 0 {
		p.ActivityInterval = 20 * time.Second
	}
	if p.ChatInterval <= 0 {
		p.ChatInterval = 3 * time.Minute
	}
	if p.LearningRate <= 0 {
		p.LearningRate = 0.1
	}
	if p.RiskGrowth <= 0 {
		p.RiskGrowth = 1
	}
}

func builtin() []Profile {
	profiles := []Profile{
		{
			Class:  "builder",
			Traits: map[string]float64{"patience": 0.8, "creativity": 0.9},
			Activities: []Activity{
				{Label: "build", Weight: 5}, {Label: "gather", Weight: 3}, {Label: "craft", Weight: 2}, {Label: "explore", Weight: 1},
			},
			ChatLines: []string{"anyone got spare stone?", "working on the tower again", "nice build over there"},
		},
		{
			Class:  "explorer",
			Traits: map[string]float64{"curiosity": 0.9, "caution": 0.3},
			Activities: []Activity{
				{Label: "explore", Weight: 6}, {Label: "gather", Weight: 2}, {Label: "fight", Weight: 1},
			},
			ChatLines:        []string{"found a village out east", "this biome is huge", "heading out, brb"},
			ActivityInterval: 15 * time.Second,
		},
		{
			Class:  "miner",
			Traits: map[string]float64{"patience": 0.9, "sociability": 0.2},
			Activities: []Activity{
				{Label: "mine", Weight: 6}, {Label: "craft", Weight: 2}, {Label: "gather", Weight: 1},
			},
			ChatLines:    []string{"diamonds!", "anyone need iron?", "back to the mines"},
			ChatInterval: 6 * time.Minute,
		},
		{
			Class:  "socializer",
			Traits: map[string]float64{"sociability": 0.95, "humor": 0.7},
			Activities: []Activity{
				{Label: "socialize", Weight: 5}, {Label: "trade", Weight: 3}, {Label: "explore", Weight: 1},
			},
			ChatLines:    []string{"hey everyone!", "how's it going?", "lol", "want to trade?"},
			ChatInterval: time.Minute,
		},
	}
	for i := range profiles {
		fillDefaults(&profiles[i])
	}
	return profiles
}
