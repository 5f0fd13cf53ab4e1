// Command serveml runs the product registry service and its client.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"serveml/cmd/serveml/cli"
	"serveml/internal/config"
	"serveml/internal/logging"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "serveml",
		Short:         "Product registry: register scripted models and serve inferences",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			pprofAddr, _ := cmd.Flags().GetString("pprof")
			if pprofAddr != "" {
				go func() {
					if err := http.ListenAndServe(pprofAddr, nil); err != nil {
						fmt.Fprintln(os.Stderr, "pprof server error:", err)
					}
				}()
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().String("pprof", "", "pprof HTTP server address (e.g. localhost:6060); bind to loopback only")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	rootCmd.AddCommand(newServerCmd(), cli.NewProductCommand(), versionCmd)
	return rootCmd
}

func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the serveml service",
		Long: `Start the serveml service.

Every flag has a SERVEML_* environment variable counterpart; flags given on
the command line win. --store accepts:

  file[:DIR]                 one blob per product (default: <home>/products)
  memory                     nothing persisted
  sqlite[:PATH]              single database file (default: <home>/products.db)
  s3://BUCKET/PREFIX?region=..&endpoint=..&pathStyle=true
  gs://BUCKET/PREFIX
  azblob://CONTAINER/PREFIX  credentials from AZURE_STORAGE_CONNECTION_STRING`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			if err := applyFlags(cmd, &cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, cfg, logger)
		},
	}

	f := cmd.Flags()
	f.String("home", "", "home directory (default: platform config dir) [SERVEML_HOME]")
	f.String("addr", ":5000", "listen address (host:port) [SERVEML_ADDR]")
	f.String("store", "file", "product store, see above [SERVEML_STORE]")
	f.String("log-level", "info", "log level, optionally per component: info,registry=debug [SERVEML_LOG_LEVEL]")
	f.String("log-format", "text", "log format: text or json [SERVEML_LOG_FORMAT]")
	f.String("audit-cron", "*/5 * * * *", "store audit schedule; empty disables [SERVEML_AUDIT_CRON]")
	f.Bool("watch", true, "audit on file store changes [SERVEML_WATCH]")
	f.StringSlice("runtimes", []string{"lua", "hcl", "jsonpath"}, "enabled script runtimes [SERVEML_RUNTIMES]")
	f.String("max-body-size", "4MB", "request body limit after decompression [SERVEML_MAX_BODY_SIZE]")
	f.Duration("shutdown-timeout", 0, "graceful shutdown limit (default 10s) [SERVEML_SHUTDOWN_TIMEOUT]")
	return cmd
}

// applyFlags overrides cfg with every flag set on the command line.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	var err error
	set := func(name string, apply func() error) {
		if err == nil && f.Changed(name) {
			err = apply()
		}
	}
	str := func(name string, dst *string) {
		set(name, func() (e error) { *dst, e = f.GetString(name); return })
	}

	str("home", &cfg.Home)
	str("addr", &cfg.Addr)
	str("store", &cfg.Store)
	str("log-level", &cfg.LogLevel)
	str("log-format", &cfg.LogFormat)
	str("audit-cron", &cfg.AuditCron)
	str("max-body-size", &cfg.MaxBodySize)
	set("watch", func() (e error) { cfg.Watch, e = f.GetBool("watch"); return })
	set("runtimes", func() (e error) { cfg.Runtimes, e = f.GetStringSlice("runtimes"); return })
	set("shutdown-timeout", func() (e error) { cfg.ShutdownTimeout, e = f.GetDuration("shutdown-timeout"); return })
	return err
}

// newLogger builds the base logger. Records pass through a
// ComponentFilterHandler so levels can differ per component.
func newLogger(cfg config.Config, w io.Writer) (*slog.Logger, error) {
	def, overrides, err := logging.ParseLevelSpec(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: slog.LevelDebug} // filtering done by ComponentFilterHandler
	var base slog.Handler
	if cfg.LogFormat == config.LogFormatJSON {
		base = slog.NewJSONHandler(w, opts)
	} else {
		base = slog.NewTextHandler(w, opts)
	}
	filter := logging.NewComponentFilterHandler(base, def)
	for component, level := range overrides {
		filter.SetLevel(component, level)
	}
	return slog.New(filter), nil
}
