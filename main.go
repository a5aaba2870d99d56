package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kwv/tractmesh/tract"
)

// Version is set at build time via -ldflags
var Version = "dev"

// Runner is the command surface the CLI drives. *App implements it; tests
// substitute a recorder.
type Runner interface {
	Configure(cfg *tract.Config, logger *zap.Logger)
	RunAggregate(ctx context.Context, opts AggregateOptions) error
	RunService(ctx context.Context, opts ServiceOptions) error
}

func main() {
	_ = godotenv.Load(".env")
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := NewApp()
	defer app.Close()
	return newRootCmd(app).ExecuteContext(ctx)
}

// newRootCmd builds the command tree around app.
func newRootCmd(app Runner) *cobra.Command {
	var (
		configFile string
		cfg        *tract.Config
	)

	root := &cobra.Command{
		Use:     "tractmesh",
		Short:   "Aggregate adjacent parcels into owner holdings",
		Long:    "Groups cadastral parcels by normalized owner, merges spatially adjacent parcels of the same owner and reports combined acreage.",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := tract.LoadConfig(configFile)
			if err != nil {
				return eris.Wrap(err, "load config")
			}
			cfg = c

			logger, err := tract.NewLogger(cfg.Log)
			if err != nil {
				return eris.Wrap(err, "init logger")
			}
			zap.ReplaceGlobals(logger)
			app.Configure(cfg, logger)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = zap.L().Sync()
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file (default ./tractmesh.yaml if present)")

	root.AddCommand(newAggregateCmd(app), newServeCmd(app), newConfigCmd(func() *tract.Config { return cfg }))
	return root
}

func newAggregateCmd(app Runner) *cobra.Command {
	var opts AggregateOptions
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Aggregate a parcel snapshot once and write holdings GeoJSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Input != "" && opts.Shapefile != "" {
				return eris.New("--input and --shapefile are mutually exclusive")
			}
			return app.RunAggregate(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Input, "input", "", "GeoJSON FeatureCollection of parcels (overrides source config)")
	f.StringVar(&opts.Shapefile, "shapefile", "", "Parcel shapefile (overrides source config)")
	f.StringVar(&opts.BBox, "bbox", "", "Query window minLon,minLat,maxLon,maxLat")
	f.StringVar(&opts.Owner, "owner", "", "Only aggregate parcels of this owner")
	f.Float64Var(&opts.ToleranceMeters, "tolerance", 0, "Adjacency tolerance in meters (default from config)")
	f.StringVarP(&opts.Output, "output", "o", "holdings.geojson", "Output file, - for stdout")
	f.StringVar(&opts.SVG, "svg", "", "Also write an SVG preview to this file")
	return cmd
}

func newServeCmd(app Runner) *cobra.Command {
	var opts ServiceOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Answer aggregation requests over MQTT and HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.MQTT && !opts.HTTP {
				opts.HTTP = true
			}
			return app.RunService(cmd.Context(), opts)
		},
	}
	cmd.Flags().BoolVar(&opts.MQTT, "mqtt", false, "Subscribe to MQTT aggregation requests")
	cmd.Flags().BoolVar(&opts.HTTP, "http", false, "Serve the HTTP API (default when no mode is given)")
	cmd.Flags().IntVar(&opts.Port, "port", 0, "HTTP port (default from config)")
	return cmd
}

func newConfigCmd(current func() *tract.Config) *cobra.Command {
	var writePath string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := current()
			if writePath != "" {
				if err := tract.SaveConfig(writePath, cfg); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", writePath)
				return err
			}
			return printConfig(cmd.OutOrStdout(), cfg)
		},
	}
	cmd.Flags().StringVar(&writePath, "write", "", "Write the effective configuration to this file")
	return cmd
}

func printConfig(w io.Writer, cfg *tract.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return eris.Wrap(err, "encode config")
	}
	return enc.Close()
}
