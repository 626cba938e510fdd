package childbridge

import (
	"encoding/json"
	"strings"

	"github.com/nerrad567/gray-logic-bridgehost/internal/bridgeconfig"
)

// Worker environment variables. Each carries the host's own value followed
// by the bridge's override.
const (
	EnvDebug         = "DEBUG"
	EnvWorkerOptions = "BRIDGEHOST_WORKER_OPTIONS"
)

// Worker command-line flags mirrored from the host.
const (
	FlagDebug       = "debug"
	FlagColor       = "color"
	FlagInsecure    = "insecure"
	FlagNoTimestamp = "no-timestamp"
	FlagKeepOrphans = "keep-orphans"
	FlagStoragePath = "storage-path"
	FlagPluginPath  = "plugin-path"
)

// Descriptor describes what a child bridge runs.
type Descriptor struct {
	// Type is platform or accessory.
	Type bridgeconfig.Kind

	// Identifier is the platform or accessory name from the config blocks.
	Identifier string

	// Plugin is the registered plugin name and PluginPath where it lives.
	Plugin     string
	PluginPath string

	// Bridge is the "_bridge" section shared by every block.
	Bridge bridgeconfig.Bridge

	// Configs are the raw config blocks handed to the plugin.
	Configs []json.RawMessage
}

// Options are the host settings mirrored onto every worker.
type Options struct {
	Debug       bool
	Color       bool
	Insecure    bool
	NoTimestamp bool
	KeepOrphans bool
	StoragePath string
	PluginPath  string

	// DebugEnv and WorkerOptionsEnv are the host's own values of EnvDebug
	// and EnvWorkerOptions.
	DebugEnv         string
	WorkerOptionsEnv string
}

// newLaunchArgs returns the worker flags for opts.
func newLaunchArgs(opts Options) []string {
	var args []string
	if opts.Debug {
		args = append(args, "--"+FlagDebug)
	}
	if opts.Color {
		args = append(args, "--"+FlagColor)
	}
	if opts.Insecure {
		args = append(args, "--"+FlagInsecure)
	}
	if opts.NoTimestamp {
		args = append(args, "--"+FlagNoTimestamp)
	}
	if opts.KeepOrphans {
		args = append(args, "--"+FlagKeepOrphans)
	}
	if opts.StoragePath != "" {
		args = append(args, "--"+FlagStoragePath, opts.StoragePath)
	}
	if opts.PluginPath != "" {
		args = append(args, "--"+FlagPluginPath, opts.PluginPath)
	}
	return args
}

// workerEnv returns the environment additions for one worker.
func workerEnv(opts Options, override *bridgeconfig.Env) []string {
	var debug, options string
	if override != nil {
		debug, options = override.Debug, override.Options
	}
	return []string{
		EnvDebug + "=" + joinEnv(opts.DebugEnv, debug),
		EnvWorkerOptions + "=" + joinEnv(opts.WorkerOptionsEnv, options),
	}
}

// joinEnv appends override to parent.
func joinEnv(parent, override string) string {
	return strings.TrimSpace(parent + " " + override)
}

// displayName is the single block's name when exactly one block is attached
// and it has one, otherwise the plugin name.
func displayName(d Descriptor) string {
	if len(d.Configs) == 1 {
		if b, err := bridgeconfig.ParseBlock(d.Configs[0]); err == nil && b.Name != "" {
			return b.Name
		}
	}
	return d.Plugin
}
