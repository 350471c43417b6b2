package main

import (
	"context"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kjstillabower/trendy-lights/internal/app"
	"github.com/kjstillabower/trendy-lights/internal/config"
	"github.com/kjstillabower/trendy-lights/internal/observability"
)

// cli carries flag values and the hooks tests replace.
type cli struct {
	out     io.Writer
	root    string
	verbose bool
	logger  *zap.Logger

	loadConfig func(root string) (*config.Config, error)
	build      func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app.App, error)
}

func newCLI(out io.Writer) *cli {
	return &cli{
		out:        out,
		root:       ".",
		loadConfig: config.LoadFrom,
		build: func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app.App, error) {
			return app.Build(ctx, cfg, logger, nil)
		},
	}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "trendyctl",
		Short:         "Inspect and prime Trendy Lights",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `trendyctl reads the same config/{ENV_NAME}.yaml, secrets and Earth Engine
credentials file as the server.

Commands:
  polygons - list the known polygon IDs
  details  - print the details payload for one polygon
  mapid    - create the trend map and print its credentials
  warm     - compute and cache details ahead of traffic`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.logger != nil {
				return nil
			}
			if !c.verbose {
				c.logger = zap.NewNop()
				return nil
			}
			logger, err := observability.NewLogger()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			c.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&c.root, "root", c.root, "project root holding the config directory")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log to stderr")

	root.AddCommand(
		&cobra.Command{
			Use:   "polygons",
			Short: "List polygon IDs",
			Args:  cobra.NoArgs,
			RunE:  c.runPolygons,
		},
		&cobra.Command{
			Use:   "details <polygon-id>",
			Short: "Print the details payload for a polygon",
			Long: `Print the JSON the server returns from /details. The configured cache is
consulted first and filled on a miss.`,
			Args: cobra.ExactArgs(1),
			RunE: c.runDetails,
		},
		&cobra.Command{
			Use:   "mapid",
			Short: "Create the trend map and print its credentials",
			Args:  cobra.NoArgs,
			RunE:  c.runMapID,
		},
		&cobra.Command{
			Use:   "warm [polygon-id...]",
			Short: "Compute and cache details",
			Long: `Warm the details cache for the given polygons, or for the configured
warm list (every polygon when the list is empty) when none are given.`,
			RunE: c.runWarm,
		},
	)
	return root
}

// open loads configuration and wires the application for one command.
func (c *cli) open(ctx context.Context) (*app.App, error) {
	cfg, err := c.loadConfig(c.root)
	if err != nil {
		return nil, err
	}
	return c.build(ctx, cfg, c.logger)
}

func (c *cli) runPolygons(cmd *cobra.Command, args []string) error {
	a, err := c.open(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	for _, id := range a.Polygons.IDs() {
		fmt.Fprintln(c.out, id)
	}
	return nil
}

func (c *cli) runDetails(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	payload, err := a.Details.GetPolygonTimeSeries(ctx, args[0])
	if err != nil {
		return fmt.Errorf("details %s: %w", args[0], err)
	}
	_, err = fmt.Fprintln(c.out, string(payload))
	return err
}

func (c *cli) runMapID(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	creds, err := a.Maps.TrendMap(ctx)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, string(out))
	return err
}

func (c *cli) runWarm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	ids := args
	if len(ids) == 0 {
		ids = a.WarmIDs()
	}
	if err := a.NewWarmer(c.logger).Warm(ctx, ids); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "warmed %d polygons\n", len(ids))
	return nil
}
