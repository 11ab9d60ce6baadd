package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mohammed-shakir/parcel-map-sync/internal/app"
	"github.com/mohammed-shakir/parcel-map-sync/internal/command"
	"github.com/mohammed-shakir/parcel-map-sync/internal/core/config"
	"github.com/mohammed-shakir/parcel-map-sync/internal/core/server"
	"github.com/mohammed-shakir/parcel-map-sync/internal/layers"
	"github.com/mohammed-shakir/parcel-map-sync/internal/logger"
	"github.com/mohammed-shakir/parcel-map-sync/internal/metrics"
	"github.com/mohammed-shakir/parcel-map-sync/internal/normalize"
)

var (
	Version   = "dev"
	Revision  = ""
	BuildDate = ""
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mapsync",
		Short:         "Parcel map layer and selection sync engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("layers", "", "YAML layer table (defaults to the built-in table)")
	root.AddCommand(serveCmd(), layersCmd(), classifyCmd(), parseCmd(), versionCmd())
	return root
}

func loadRegistry(cmd *cobra.Command) (*layers.Registry, error) {
	path, _ := cmd.Flags().GetString("layers")
	if path == "" {
		return layers.Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read layer table: %w", err)
	}
	return layers.Parse(b)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the headless sync engine behind its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromEnv()
			if v, _ := cmd.Flags().GetString("addr"); v != "" {
				cfg.Addr = v
			}
			if v, _ := cmd.Flags().GetString("provider-url"); v != "" {
				cfg.ProviderURL = strings.TrimRight(v, "/")
			}
			if v, _ := cmd.Flags().GetString("redis-addr"); v != "" {
				cfg.RedisAddr = v
			}
			if v, _ := cmd.Flags().GetString("log-level"); v != "" {
				cfg.LogLevel = v
			}
			reg, err := loadRegistry(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, reg)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides ADDR)")
	cmd.Flags().String("provider-url", "", "data provider base URL (overrides PROVIDER_URL)")
	cmd.Flags().String("redis-addr", "", "redis address for the provider cache (overrides REDIS_ADDR)")
	cmd.Flags().String("log-level", "", "log level (overrides LOG_LEVEL)")
	return cmd
}

func serve(parent context.Context, cfg config.Config, reg *layers.Registry) error {
	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Component: "mapsync",
	}, os.Stdout)
	log := logger.NewSlog(&zl)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting mapsync",
		"addr", cfg.Addr,
		"version", Version,
		"provider", cfg.ProviderURL,
		"layers", len(reg.Keys()))

	a, err := app.New(ctx, cfg, reg, metrics.BuildInfo{Version: Version, Revision: Revision, BuildDate: BuildDate}, log)
	if err != nil {
		log.Error("failed to initialize", "err", err)
		return err
	}
	runErr := server.Run(ctx, cfg.Addr, log, a.Handler)
	if err := a.Close(); err != nil {
		log.Warn("shutdown", "err", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("server error", "err", runErr)
		return runErr
	}
	log.Info("shutdown complete")
	return nil
}

func layersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "layers",
		Short: "Print the layer table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := loadRegistry(cmd)
			if err != nil {
				return err
			}
			asYAML, _ := cmd.Flags().GetBool("yaml")
			return printOut(cmd.OutOrStdout(), map[string]any{"layers": reg.All()}, asYAML)
		},
	}
	cmd.Flags().BoolP("yaml", "y", false, "Output as YAML")
	return cmd
}

type classification struct {
	Raw    string `json:"raw" yaml:"raw"`
	Code   string `json:"code" yaml:"code"`
	Color  string `json:"color" yaml:"color"`
	Hazard *bool  `json:"special_hazard,omitempty" yaml:"special_hazard,omitempty"`
}

func classifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "classify zoning|flood VALUE...",
		Short:     "Show how raw zoning or flood codes are categorized",
		Args:      cobra.MinimumNArgs(2),
		ValidArgs: []string{"zoning", "flood"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := make([]classification, 0, len(args)-1)
			switch args[0] {
			case "zoning":
				for _, raw := range args[1:] {
					c := normalize.ZoneCategory(raw)
					out = append(out, classification{Raw: raw, Code: string(c), Color: normalize.CategoryColor(c)})
				}
			case "flood":
				for _, raw := range args[1:] {
					c := normalize.FloodZone(raw)
					hz := normalize.SpecialHazard(c)
					out = append(out, classification{Raw: raw, Code: string(c), Color: normalize.FloodColor(c), Hazard: &hz})
				}
			default:
				return fmt.Errorf("unknown kind %q (want zoning or flood)", args[0])
			}
			asYAML, _ := cmd.Flags().GetBool("yaml")
			return printOut(cmd.OutOrStdout(), out, asYAML)
		},
	}
	cmd.Flags().BoolP("yaml", "y", false, "Output as YAML")
	return cmd
}

func parseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse TEXT...",
		Short: "Parse a map command and print the resulting intent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry(cmd)
			if err != nil {
				return err
			}
			in := command.NewParser(reg).Parse(strings.Join(args, " "))
			if in == nil {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), `{"matched":false}`)
				return err
			}
			return printOut(cmd.OutOrStdout(), map[string]any{"matched": true, "intent": in}, false)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mapsync %s", Version)
			if Revision != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " (%s)", Revision)
			}
			fmt.Fprintln(cmd.OutOrStdout())
		},
	}
}

func printOut(w io.Writer, v any, asYAML bool) error {
	if asYAML {
		b, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal yaml: %w", err)
		}
		_, err = w.Write(b)
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
