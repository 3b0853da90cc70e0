package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-partograph/internal/app"
	"github.com/drfirst/go-partograph/internal/config"
	"github.com/drfirst/go-partograph/internal/domain/clock"
	"github.com/drfirst/go-partograph/internal/domain/partograph"
	"github.com/drfirst/go-partograph/internal/domain/ward"
)

// cli holds the state shared by every command
type cli struct {
	out io.Writer

	configPath string
	driver     string
	sqlitePath string
	jsonOut    bool
	verbose    bool

	cfg     *config.Config
	logger  *zap.Logger
	backend *app.Backend
	clock   clock.Clock
	repo    *partograph.Repository
	engine  *ward.Engine
}

// execute runs the command line in args. The store is closed on every
// path; cobra skips post-run hooks when a command fails.
func execute(out io.Writer, args []string) error {
	c := &cli{out: out, clock: clock.System{}}
	defer c.close()

	root := c.rootCmd()
	root.SetArgs(args)
	return root.Execute()
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "partographctl",
		Short:         "Manage labor ward partographs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.open(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "config file path (defaults to environment)")
	flags.StringVar(&c.driver, "driver", "", "storage driver: sqlite, postgres or memory")
	flags.StringVar(&c.sqlitePath, "db", "", "SQLite database file")
	flags.BoolVar(&c.jsonOut, "json", false, "print JSON")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "log to stderr")

	root.AddCommand(
		c.patientCmd(),
		c.createCmd(),
		c.transitionCmd(),
		c.showCmd(),
		c.listCmd(),
		c.deliveriesCmd(),
		c.dashboardCmd(),
		c.archiveCmd(),
		c.reportCmd(),
	)
	return root
}

func (c *cli) open(cmd *cobra.Command) error {
	var err error
	if c.configPath != "" {
		c.cfg, err = config.Load(c.configPath)
		if err != nil {
			return err
		}
	} else {
		c.cfg = config.LoadFromEnv()
	}
	if c.driver != "" {
		c.cfg.Storage.Driver = c.driver
	}
	if c.sqlitePath != "" {
		c.cfg.Storage.SQLitePath = c.sqlitePath
	}
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	c.logger = zap.NewNop()
	if c.verbose {
		if c.logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
	}

	c.backend, err = app.OpenStore(cmd.Context(), c.cfg, c.logger)
	if err != nil {
		return err
	}
	c.repo = partograph.NewRepository(c.backend.Store, c.clock, c.logger)
	c.engine = ward.NewEngine(c.repo, c.clock, c.cfg.Ward.Overdue, c.logger)
	return nil
}

func (c *cli) close() {
	if c.backend != nil {
		c.backend.Close()
		c.backend = nil
	}
	if c.logger != nil {
		_ = c.logger.Sync()
	}
}

func (c *cli) printJSON(v interface{}) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.out, format, args...)
}
