package childbridge

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/nerrad567/gray-logic-bridgehost/internal/bridgeconfig"
)

func TestNewLaunchArgs(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want []string
	}{
		{"no options", Options{}, nil},
		{
			"every option",
			Options{
				Debug:       true,
				Color:       true,
				Insecure:    true,
				NoTimestamp: true,
				KeepOrphans: true,
				StoragePath: "/var/lib/bridgehost",
				PluginPath:  "/opt/plugins",
			},
			[]string{
				"--debug", "--color", "--insecure", "--no-timestamp", "--keep-orphans",
				"--storage-path", "/var/lib/bridgehost",
				"--plugin-path", "/opt/plugins",
			},
		},
		{"env values are not flags", Options{DebugEnv: "x", WorkerOptionsEnv: "y"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := newLaunchArgs(tt.opts); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("newLaunchArgs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWorkerEnv(t *testing.T) {
	tests := []struct {
		name     string
		opts     Options
		override *bridgeconfig.Env
		want     []string
	}{
		{"nothing set", Options{}, nil, []string{"DEBUG=", "BRIDGEHOST_WORKER_OPTIONS="}},
		{"parent only", Options{DebugEnv: "host*"}, nil, []string{"DEBUG=host*", "BRIDGEHOST_WORKER_OPTIONS="}},
		{"override only", Options{}, &bridgeconfig.Env{Options: "--max-mem=64"}, []string{"DEBUG=", "BRIDGEHOST_WORKER_OPTIONS=--max-mem=64"}},
		{
			"both kept, parent first",
			Options{DebugEnv: "host*", WorkerOptionsEnv: "--trace "},
			&bridgeconfig.Env{Debug: "bridge*", Options: "--max-mem=64"},
			[]string{"DEBUG=host* bridge*", "BRIDGEHOST_WORKER_OPTIONS=--trace  --max-mem=64"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := workerEnv(tt.opts, tt.override); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("workerEnv() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name    string
		configs []string
		want    string
	}{
		{"single named block", []string{`{"platform":"Virtual","name":"Lights"}`}, "Lights"},
		{"single unnamed block", []string{`{"platform":"Virtual"}`}, "virtual"},
		{"two blocks", []string{`{"platform":"Virtual","name":"A"}`, `{"platform":"Virtual","name":"B"}`}, "virtual"},
		{"no blocks", nil, "virtual"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Descriptor{Plugin: "virtual"}
			for _, c := range tt.configs {
				d.Configs = append(d.Configs, json.RawMessage(c))
			}
			if got := displayName(d); got != tt.want {
				t.Errorf("displayName() = %q, want %q", got, tt.want)
			}
		})
	}
}
