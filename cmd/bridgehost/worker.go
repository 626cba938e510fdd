package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-bridgehost/internal/childbridge"
	"github.com/nerrad567/gray-logic-bridgehost/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-bridgehost/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-bridgehost/internal/process"
	"github.com/nerrad567/gray-logic-bridgehost/internal/worker"
)

// workerFlags are the host settings mirrored onto the worker command line.
type workerFlags struct {
	debug       bool
	color       bool
	insecure    bool
	noTimestamp bool
	keepOrphans bool
	storagePath string
	pluginPath  string
}

func newWorkerCmd() *cobra.Command {
	var f workerFlags

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one child bridge (spawned by the host)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := workerLogger(f)
			log.Debug("worker starting",
				"pid", os.Getpid(),
				"storage_path", f.storagePath,
				"plugin_path", f.pluginPath,
				"insecure", f.insecure,
				"options", os.Getenv(childbridge.EnvWorkerOptions),
			)

			conn, err := process.OpenControl()
			if err != nil {
				return fmt.Errorf("opening control channel: %w", err)
			}

			w := worker.New(conn, worker.DefaultRegistry, worker.Options{
				StoragePath: f.storagePath,
				KeepOrphans: f.keepOrphans,
			})
			w.SetLogger(log)

			if err := w.Run(cmd.Context()); err != nil {
				log.Error("worker failed", "error", err)
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&f.debug, childbridge.FlagDebug, false, "enable debug logging")
	flags.BoolVar(&f.color, childbridge.FlagColor, false, "colour log output")
	flags.BoolVar(&f.insecure, childbridge.FlagInsecure, false, "allow unauthenticated control of accessories")
	flags.BoolVar(&f.noTimestamp, childbridge.FlagNoTimestamp, false, "omit timestamps from log output")
	flags.BoolVar(&f.keepOrphans, childbridge.FlagKeepOrphans, false, "keep running when the host goes away")
	flags.StringVar(&f.storagePath, childbridge.FlagStoragePath, "", "directory for persistent bridge state")
	flags.StringVar(&f.pluginPath, childbridge.FlagPluginPath, "", "additional plugin search path")
	return cmd
}

// workerLogger logs to stderr, which the host captures line by line.
// A non-empty DEBUG variable also enables debug logging.
func workerLogger(f workerFlags) *logging.Logger {
	cfg := config.LoggingConfig{
		Level:       "info",
		Format:      "text",
		NoTimestamp: f.noTimestamp,
	}
	if f.debug || os.Getenv(childbridge.EnvDebug) != "" {
		cfg.Level = "debug"
	}
	return logging.NewWithWriter(cfg, version, os.Stderr).With("pid", os.Getpid())
}
