package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/craftswarm/craftswarm/internal/config"
	"github.com/craftswarm/craftswarm/internal/scheduler"
)

var (
	planWorkers int
	planAt      string
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the per-class distribution the scheduler would request",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		at := time.Now()
		if planAt != "" {
			if at, err = time.Parse(time.RFC3339, planAt); err != nil {
				return fmt.Errorf("--at: %w", err)
			}
		}
		total := planWorkers
		if total <= 0 {
			total = cfg.Supervisor.TargetWorkers
		}
		return printPlan(cmd.OutOrStdout(), cfg, total, at)
	},
}

func init() {
	planCmd.Flags().IntVar(&planWorkers, "workers", 0, "number of workers to plan for (default supervisor.targetWorkers)")
	planCmd.Flags().StringVar(&planAt, "at", "", "plan at this RFC3339 time instead of now")
}

func printPlan(w io.Writer, cfg *config.Config, total int, at time.Time) error {
	weights, err := scheduler.ParseWeights(cfg.Scheduler.Weights)
	if err != nil {
		return err
	}
	windows, err := scheduler.ParseWindows(cfg.Scheduler.ConnectWindows)
	if err != nil {
		return err
	}
	plan := scheduler.Distribute(total, cfg.Personas.Classes, weights, at)

	fmt.Fprintf(w, "Plan for %d workers at %s\n", plan.Total, at.Format("Mon 2006-01-02 15:04 MST"))
	for _, a := range plan.Allocations {
		bar := strings.Repeat("█", a.Count)
		fmt.Fprintf(w, "  %-12s %3d  ×%-5.2f %s\n", a.Class, a.Count, a.Weight, color.GreenString(bar))
	}
	if scheduler.Open(windows, at) {
		fmt.Fprintf(w, "Connect window: %s open\n", check(true))
	} else {
		fmt.Fprintf(w, "Connect window: %s closed\n", check(false))
		for _, win := range windows {
			if next := win.Next(at); !next.IsZero() {
				fmt.Fprintf(w, "  %q opens %s\n", win.String(), next.Format("Mon 15:04"))
			}
		}
	}
	return nil
}
