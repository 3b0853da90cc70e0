package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-partograph/internal/domain/clock"
	"github.com/drfirst/go-partograph/internal/domain/partograph"
	"github.com/drfirst/go-partograph/internal/domain/ward"
)

func (c *cli) patientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patient",
		Short: "Register and look up patients",
	}

	var name, number, facility string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a patient",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pt, err := c.repo.CreatePatient(cmd.Context(), name, number, facility)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(pt)
			}
			c.printf("%s\n", pt.ID)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "patient name")
	add.Flags().StringVar(&number, "hospital-number", "", "hospital number")
	add.Flags().StringVar(&facility, "facility", "", "facility ID")

	show := &cobra.Command{
		Use:   "show <patient-id>",
		Short: "Show a patient and their partographs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pt, err := c.repo.GetPatient(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			list, err := c.repo.ListByPatient(cmd.Context(), pt.ID)
			if err != nil {
				return err
			}
			if c.jsonOut {
				records := make([]partograph.Record, 0, len(list))
				for _, p := range list {
					records = append(records, p.Record())
				}
				return c.printJSON(map[string]interface{}{"patient": pt, "partographs": records})
			}
			c.printf("%s  %s  %s (%s)\n", pt.ID, pt.Name, pt.HospitalNumber, pt.FacilityID)
			for _, p := range list {
				c.printf("  %s  %-12s  opened %s\n", p.ID(), p.Status(), p.CreatedAt().Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.AddCommand(add, show)
	return cmd
}

func (c *cli) createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <patient-id>",
		Short: "Open a partograph for a patient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.repo.Create(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printPartograph(p)
		},
	}
}

func (c *cli) transitionCmd() *cobra.Command {
	ops := make([]string, 0, len(partograph.Operations))
	for _, op := range partograph.Operations {
		ops = append(ops, string(op))
	}
	return &cobra.Command{
		Use:       "transition <partograph-id> <operation>",
		Short:     "Apply a stage transition",
		Long:      "Apply a stage transition. Operations: " + strings.Join(ops, ", "),
		Args:      cobra.ExactArgs(2),
		ValidArgs: ops,
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := partograph.ParseOperation(args[1])
			if err != nil {
				return err
			}
			p, err := c.repo.Transition(cmd.Context(), args[0], op)
			if err != nil {
				return err
			}
			return c.printPartograph(p)
		},
	}
}

func (c *cli) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <partograph-id>",
		Short: "Show a partograph with its stage durations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.repo.GetByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printPartograph(p)
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	var status, query string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List partographs in a status, optionally filtered by name or hospital number",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := partograph.ParseStatus(status)
			if err != nil {
				return err
			}
			rows, err := c.engine.List(cmd.Context(), st, query)
			if err != nil {
				return err
			}
			return c.printRows(rows)
		},
	}
	cmd.Flags().StringVar(&status, "status", string(partograph.StatusActive), "status to list")
	cmd.Flags().StringVarP(&query, "query", "q", "", "text filter")
	return cmd
}

func (c *cli) deliveriesCmd() *cobra.Command {
	var recent bool
	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "List today's deliveries, or the previous six days with --recent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var rows []ward.Row
			var err error
			if recent {
				rows, err = c.engine.RecentDeliveries(cmd.Context())
			} else {
				rows, err = c.engine.TodaysDeliveries(cmd.Context())
			}
			if err != nil {
				return err
			}
			return c.printRows(rows)
		},
	}
	cmd.Flags().BoolVar(&recent, "recent", false, "show the six days before today")
	return cmd
}

func (c *cli) dashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Show ward statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := c.engine.Dashboard(cmd.Context())
			if err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(stats)
			}
			w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			for _, s := range partograph.Statuses {
				fmt.Fprintf(w, "%s\t%d\n", s, stats.Counts[s])
			}
			fmt.Fprintf(w, "open\t%d\n", stats.Open)
			fmt.Fprintf(w, "emergencies (24h)\t%d\n", stats.EmergenciesLast24h)
			fmt.Fprintf(w, "average active labor\t%s\n", stats.AverageActiveLabor)
			if err := w.Flush(); err != nil {
				return err
			}
			for _, o := range stats.Overdue {
				c.printf("OVERDUE %s %s (%s) in %s for %s, limit %s\n",
					o.PartographID, o.PatientName, o.HospitalNumber, o.Status, o.Elapsed, clock.FromDuration(o.Limit))
			}
			return nil
		},
	}
}

func (c *cli) archiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <partograph-id>",
		Short: "Remove a partograph from the ward store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.repo.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			c.printf("archived %s\n", args[0])
			return nil
		},
	}
}

func (c *cli) printPartograph(p *partograph.Partograph) error {
	now := c.clock.Now()
	if c.jsonOut {
		out := map[string]interface{}{"partograph": p.Record()}
		if e, ok := p.TimeInStage(now); ok {
			out["time_in_stage"] = e
		}
		if e, ok := p.TotalLaborTime(now); ok {
			out["total_labor_time"] = e
		}
		return c.printJSON(out)
	}

	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "id\t%s\n", p.ID())
	fmt.Fprintf(w, "patient\t%s\n", p.PatientID())
	fmt.Fprintf(w, "status\t%s\n", p.Status())
	fmt.Fprintf(w, "version\t%d\n", p.Version())
	stamps := []struct {
		label string
		get   func() (time.Time, bool)
	}{
		{"labor start", p.LaborStartTime},
		{"third stage", p.ThirdStageStartTime},
		{"fourth stage", p.FourthStageStartTime},
		{"delivery", p.DeliveryTime},
		{"completed", p.CompletedTime},
	}
	for _, s := range stamps {
		if t, ok := s.get(); ok {
			fmt.Fprintf(w, "%s\t%s\n", s.label, t.Local().Format(time.RFC3339))
		}
	}
	if e, ok := p.TimeInStage(now); ok {
		fmt.Fprintf(w, "time in stage\t%s\n", e)
	}
	if e, ok := p.TotalLaborTime(now); ok {
		fmt.Fprintf(w, "total labor\t%s\n", e)
	}
	return w.Flush()
}

func (c *cli) printRows(rows []ward.Row) error {
	now := c.clock.Now()
	if c.jsonOut {
		type row struct {
			Partograph  partograph.Record  `json:"partograph"`
			Patient     partograph.Patient `json:"patient"`
			TimeInStage *clock.Elapsed     `json:"time_in_stage,omitempty"`
		}
		out := make([]row, 0, len(rows))
		for _, r := range rows {
			item := row{Partograph: r.Partograph.Record(), Patient: r.Patient}
			if e, ok := r.Partograph.TimeInStage(now); ok {
				item.TimeInStage = &e
			}
			out = append(out, item)
		}
		return c.printJSON(out)
	}

	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPATIENT\tHOSPITAL NO\tSTATUS\tIN STAGE")
	for _, r := range rows {
		inStage := "-"
		if e, ok := r.Partograph.TimeInStage(now); ok {
			inStage = e.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.Partograph.ID(), r.Patient.Name, r.Patient.HospitalNumber, r.Partograph.Status(), inStage)
	}
	return w.Flush()
}
