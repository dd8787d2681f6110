package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/antimomentum/antimomentum/config"
	"github.com/antimomentum/antimomentum/internal/client"
	"github.com/antimomentum/antimomentum/internal/store"
	"github.com/spf13/cobra"
)

func runCMD() *cobra.Command {
	var cfgPath string
	var serverURL string
	var timeout time.Duration

	var run = &cobra.Command{
		Use:   "run [prompt]",
		Short: "Submit a prompt and follow the job until it finishes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if serverURL == "" {
				serverURL = localURL(cfg.Server.Address)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			c := client.New(serverURL, 15*time.Second, 3)
			job, err := c.Create(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "job %d submitted\n", job.ID)

			p := &progressPrinter{out: out, steps: map[int64]store.StepStatus{}}
			final, err := c.Poll(ctx, job.ID, cfg.Server.PollInterval, p.print)
			if err != nil {
				return err
			}
			if final.Status == store.JobStatusFailed {
				return fmt.Errorf("job %d failed", final.ID)
			}
			return nil
		},
	}
	run.Flags().StringVar(&serverURL, "server", "", "API base URL (default derived from server.address)")
	run.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "give up waiting after this long")
	run.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return run
}

func localURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

// progressPrinter reports status and step transitions once each.
type progressPrinter struct {
	out       io.Writer
	status    store.JobStatus
	reasoning bool
	steps     map[int64]store.StepStatus
}

func (p *progressPrinter) print(job store.JobResponse) {
	if job.Status != p.status {
		fmt.Fprintf(p.out, "status: %s\n", job.Status)
		p.status = job.Status
	}
	if !p.reasoning && job.Reasoning != nil {
		fmt.Fprintf(p.out, "reasoning: %s\n", *job.Reasoning)
		p.reasoning = true
	}
	for _, st := range job.Steps {
		if p.steps[st.ID] == st.Status {
			continue
		}
		p.steps[st.ID] = st.Status
		line := fmt.Sprintf("  [%d] %s (%s): %s", st.Order, st.Title, st.Tool, st.Status)
		if st.Output != nil && st.Status.Terminal() {
			line += "\n      " + strings.ReplaceAll(*st.Output, "\n", "\n      ")
		}
		fmt.Fprintln(p.out, line)
	}
}
