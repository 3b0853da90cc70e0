package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-partograph/internal/report"
	"github.com/drfirst/go-partograph/pkg/workerpool"
)

const dayLayout = "2006-01-02"

func (c *cli) reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Build daily delivery reports",
	}
	cmd.AddCommand(c.reportExportCmd(), c.reportBackfillCmd())
	return cmd
}

func (c *cli) parseDay(s string) (time.Time, error) {
	now := c.clock.Now()
	if s == "" {
		return now, nil
	}
	day, err := time.ParseInLocation(dayLayout, s, now.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day %q: want YYYY-MM-DD", s)
	}
	return day, nil
}

func (c *cli) reportExportCmd() *cobra.Command {
	var day string
	var toS3 bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print a day's delivery report, or upload it with --s3",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := c.parseDay(day)
			if err != nil {
				return err
			}
			rep, err := c.engine.DeliveryReport(cmd.Context(), d)
			if err != nil {
				return err
			}
			if !toS3 {
				body, err := report.Build(rep, c.clock.Now())
				if err != nil {
					return err
				}
				_, err = c.out.Write(body)
				return err
			}

			exporter, err := report.NewS3Exporter(cmd.Context(), c.cfg.Report, c.logger)
			if err != nil {
				return err
			}
			location, err := exporter.Export(cmd.Context(), rep, c.clock.Now())
			if err != nil {
				return err
			}
			c.printf("%s\n", location)
			return nil
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "report day as YYYY-MM-DD (default today)")
	cmd.Flags().BoolVar(&toS3, "s3", false, "upload to the configured report bucket")
	return cmd
}

type backfillOutcome struct {
	Day      string `json:"day"`
	Location string `json:"location,omitempty"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

func (c *cli) reportBackfillCmd() *cobra.Command {
	var from, to, outDir string
	var toS3 bool
	var workers int
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Build the delivery reports for a range of days in parallel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if toS3 == (outDir != "") {
				return errors.New("exactly one of --out-dir or --s3 is required")
			}
			start, err := c.parseDay(from)
			if err != nil {
				return err
			}
			end, err := c.parseDay(to)
			if err != nil {
				return err
			}
			if end.Before(start) {
				return fmt.Errorf("--to %s is before --from %s", to, from)
			}

			write, err := c.reportWriter(cmd.Context(), outDir, toS3)
			if err != nil {
				return err
			}
			return c.backfill(cmd.Context(), start, end, workers, write)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "last day, YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&outDir, "out-dir", "", "write reports to this directory")
	cmd.Flags().BoolVar(&toS3, "s3", false, "upload to the configured report bucket")
	cmd.Flags().IntVar(&workers, "workers", workerpool.DefaultConfig().Workers, "parallel report builders")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

// reportWriter returns the sink for one built report and its location
func (c *cli) reportWriter(ctx context.Context, outDir string, toS3 bool) (func(context.Context, time.Time) (string, error), error) {
	if toS3 {
		exporter, err := report.NewS3Exporter(ctx, c.cfg.Report, c.logger)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, day time.Time) (string, error) {
			rep, err := c.engine.DeliveryReport(ctx, day)
			if err != nil {
				return "", err
			}
			return exporter.Export(ctx, rep, c.clock.Now())
		}, nil
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", outDir, err)
	}
	return func(ctx context.Context, day time.Time) (string, error) {
		rep, err := c.engine.DeliveryReport(ctx, day)
		if err != nil {
			return "", err
		}
		body, err := report.Build(rep, c.clock.Now())
		if err != nil {
			return "", err
		}
		name := filepath.Join(outDir, filepath.Base(report.Key("", rep.Day)))
		if err := os.WriteFile(name, body, 0o644); err != nil {
			return "", err
		}
		return name, nil
	}, nil
}

func (c *cli) backfill(ctx context.Context, start, end time.Time, workers int, write func(context.Context, time.Time) (string, error)) error {
	var mu sync.Mutex
	locations := make(map[string]string)

	cfg := workerpool.DefaultConfig()
	cfg.Workers = workers
	cfg.IsRetryable = func(err error) bool {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	pool, err := workerpool.New(cfg, func(ctx context.Context, task *workerpool.Task) error {
		location, err := write(ctx, task.Payload.(time.Time))
		if err != nil {
			return err
		}
		mu.Lock()
		locations[task.ID] = location
		mu.Unlock()
		return nil
	}, c.logger)
	if err != nil {
		return err
	}
	pool.Start(ctx)

	submitErr := make(chan error, 1)
	go func() {
		defer pool.Close()
		for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
			if err := pool.Submit(ctx, &workerpool.Task{ID: d.Format(dayLayout), Payload: d}); err != nil {
				submitErr <- err
				return
			}
		}
		submitErr <- nil
	}()

	var outcomes []backfillOutcome
	var failed int
	for r := range pool.Results() {
		o := backfillOutcome{Day: r.TaskID, Attempts: r.Attempts}
		if r.Err != nil {
			o.Error = r.Err.Error()
			failed++
		} else {
			mu.Lock()
			o.Location = locations[r.TaskID]
			mu.Unlock()
		}
		outcomes = append(outcomes, o)
	}
	if err := <-submitErr; err != nil {
		return err
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Day < outcomes[j].Day })

	c.logger.Info("backfill finished",
		zap.Int("days", len(outcomes)),
		zap.Int("failed", failed),
		zap.Int64("retried", pool.Stats().Retried))

	if c.jsonOut {
		if err := c.printJSON(outcomes); err != nil {
			return err
		}
	} else {
		for _, o := range outcomes {
			if o.Error != "" {
				c.printf("%s  FAILED after %d attempts: %s\n", o.Day, o.Attempts, o.Error)
				continue
			}
			c.printf("%s  %s\n", o.Day, o.Location)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d reports failed", failed, len(outcomes))
	}
	return nil
}
