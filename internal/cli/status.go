package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/craftswarm/craftswarm/internal/config"
	"github.com/craftswarm/craftswarm/internal/governor"
	"github.com/craftswarm/craftswarm/internal/scheduler"
	"github.com/craftswarm/craftswarm/internal/timeline"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader(cmd.OutOrStdout(), "🏷️ craftswarm version")
		fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, host resources and recent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		printHeader(cmd.OutOrStdout(), "📊 craftswarm status")
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		printStatus(ctx, cmd.OutOrStdout(), cfg, governor.HostSampler{})
		return nil
	},
}

func printStatus(ctx context.Context, w io.Writer, cfg *config.Config, sampler governor.Sampler) {
	fmt.Fprintf(w, "Version:  %s\n", version)
	fmt.Fprintf(w, "Server:   %s:%d (%s)\n", cfg.Server.Host, cfg.Server.Port, cfg.Server.Version)
	fmt.Fprintf(w, "Target:   %d workers, classes %v\n", cfg.Supervisor.TargetWorkers, cfg.Personas.Classes)
	fmt.Fprintf(w, "Accounts: %d  Proxies: %d\n", len(cfg.Identity.Accounts), len(cfg.Identity.Proxies))

	held := false
	if cfg.Paths.LockPath != "" {
		l := scheduler.NewFileLock(cfg.Paths.LockPath)
		if ok, err := l.TryLock(); err == nil {
			if ok {
				_ = l.Unlock()
			} else {
				held = true
			}
		}
	}
	fmt.Fprintf(w, "Supervisor running: %s\n", check(held))

	g := governor.New(cfg.Governor, sampler, nil)
	if s, _, err := g.Tick(ctx); err != nil {
		fmt.Fprintf(w, "Resources: unavailable (%v)\n", err)
	} else {
		fmt.Fprintf(w, "Resources: cpu %.0f%% (soft %.0f%%)  mem %.0f%% (soft %.0f%%)\n",
			s.CPU*100, cfg.Governor.SoftCPU*100, s.Memory*100, cfg.Governor.SoftMemory*100)
		fmt.Fprintf(w, "Admission: %s\n", check(g.Allow(0) == nil))
	}

	if !cfg.Timeline.Enabled || cfg.Timeline.DBPath == "" {
		return
	}
	if _, err := os.Stat(cfg.Timeline.DBPath); err != nil {
		fmt.Fprintln(w, "Timeline: no history yet")
		return
	}
	st, err := timeline.Open(cfg.Timeline.DBPath)
	if err != nil {
		fmt.Fprintf(w, "Timeline: %v\n", err)
		return
	}
	defer st.Close()
	sessions, err := st.GetSessions("", 10)
	if err != nil {
		fmt.Fprintf(w, "Timeline: %v\n", err)
		return
	}
	fmt.Fprintf(w, "Recent sessions (%d):\n", len(sessions))
	for _, s := range sessions {
		end := "open"
		if s.EndedAt != nil {
			end = fmt.Sprintf("%s (%s)", s.EndedAt.Format(time.DateTime), s.EndReason)
		}
		fmt.Fprintf(w, "  %s  %-16s %s -> %s\n", s.WorkerID[:min(8, len(s.WorkerID))], s.Account, s.StartedAt.Format(time.DateTime), end)
	}
}
