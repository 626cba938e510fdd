package main

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-bridgehost/internal/auth"
	"github.com/nerrad567/gray-logic-bridgehost/internal/childbridge"
	"github.com/nerrad567/gray-logic-bridgehost/internal/host"
	"github.com/nerrad567/gray-logic-bridgehost/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-bridgehost/internal/infrastructure/logging"
)

// e2eWorkerEnv makes the test binary behave as "bridgehost" so the host can
// spawn it as a real worker process.
const e2eWorkerEnv = "BRIDGEHOST_TEST_AS_BINARY"

func TestMain(m *testing.M) {
	if os.Getenv(e2eWorkerEnv) == "1" {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		root := newRootCmd()
		root.SetArgs(os.Args[1:])
		err := root.ExecuteContext(ctx)
		cancel()
		if err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

const (
	userMain    = "0E:11:22:33:44:00"
	userVirtual = "0E:11:22:33:44:01"
)

// freePort returns a TCP port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

// writeBridges writes a bridges file with one virtual child bridge that has
// no fixed port, granting it the range [port, port].
func writeBridges(t *testing.T, dir string, port int) string {
	t.Helper()
	doc := map[string]any{
		"bridge": map[string]any{"name": "Main", "username": userMain, "port": 51826, "pin": "031-45-154"},
		"ports":  map[string]any{"start": port, "end": port},
		"platforms": []any{
			map[string]any{
				"platform": "Virtual",
				"name":     "Garden",
				"switches": []string{"Fountain"},
				"_bridge":  map[string]any{"username": userVirtual, "pin": "111-22-333"},
			},
		},
		"accessories": []any{},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(dir, "bridges.json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write bridges file: %v", err)
	}
	return path
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestEndToEnd_VirtualBridge spawns the test binary as a real worker and
// drives it through the handshake, a port request and a status update.
func TestEndToEnd_VirtualBridge(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}
	t.Setenv(e2eWorkerEnv, "1")

	dir := t.TempDir()
	port := freePort(t)
	bridgesFile := writeBridges(t, dir, port)

	log := logging.Default()
	h, err := host.New(host.Config{
		BridgesFile: bridgesFile,
		Options:     childbridge.Options{StoragePath: dir, NoTimestamp: true},
		Launcher: &childbridge.ProcessLauncher{
			Binary:          os.Args[0],
			BaseArgs:        []string{"worker"},
			GracefulTimeout: 2 * time.Second,
			Logger:          log,
		},
	}, log)
	if err != nil {
		t.Fatalf("host.New() error = %v", err)
	}
	if got := len(h.Bridges()); got != 1 {
		t.Fatalf("len(Bridges()) = %d, want 1", got)
	}

	h.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h.Shutdown(ctx) //nolint:errcheck // Checked in the test body
	})

	waitFor(t, "virtual bridge online", func() bool {
		info, ok := h.Info(userVirtual)
		return ok && info.Status == childbridge.StatusOnline && info.SetupURI != nil
	})

	info, _ := h.Info(userVirtual)
	if info.Plugin != "virtual" {
		t.Errorf("Plugin = %q, want %q", info.Plugin, "virtual")
	}
	if info.Version != "1.0.0" {
		t.Errorf("Version = %q, want %q", info.Version, "1.0.0")
	}
	if info.PID <= 0 || info.PID == os.Getpid() {
		t.Errorf("PID = %d, want a child process", info.PID)
	}
	if !strings.HasPrefix(*info.SetupURI, "X-HM://") {
		t.Errorf("SetupURI = %q, want X-HM:// prefix", *info.SetupURI)
	}
	if info.Paired == nil || *info.Paired {
		t.Errorf("Paired = %v, want false", info.Paired)
	}

	leases := h.Leases()
	if len(leases) != 1 || leases[0].Port != port || leases[0].Username != userVirtual {
		t.Errorf("Leases() = %+v, want one lease of %d to %s", leases, port, userVirtual)
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 2*time.Second)
	if err != nil {
		t.Errorf("dial granted port: %v", err)
	} else {
		conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if got := len(h.Leases()); got != 0 {
		t.Errorf("len(Leases()) after shutdown = %d, want 0", got)
	}
}

// TestEndToEnd_StopAndStart checks manual control of a real worker.
func TestEndToEnd_StopAndStart(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}
	t.Setenv(e2eWorkerEnv, "1")

	dir := t.TempDir()
	bridgesFile := writeBridges(t, dir, freePort(t))

	h, err := host.New(host.Config{
		BridgesFile: bridgesFile,
		Options:     childbridge.Options{StoragePath: dir},
		Launcher: &childbridge.ProcessLauncher{
			Binary:          os.Args[0],
			BaseArgs:        []string{"worker"},
			GracefulTimeout: 2 * time.Second,
		},
	}, logging.Default())
	if err != nil {
		t.Fatalf("host.New() error = %v", err)
	}
	h.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h.Shutdown(ctx) //nolint:errcheck // Best effort
	})

	online := func() bool {
		info, ok := h.Info(userVirtual)
		return ok && info.Status == childbridge.StatusOnline
	}
	waitFor(t, "online", online)
	first, _ := h.Info(userVirtual)

	if err := h.StopBridge(userVirtual); err != nil {
		t.Fatalf("StopBridge() error = %v", err)
	}
	waitFor(t, "manually stopped", func() bool {
		info, _ := h.Info(userVirtual)
		return info.Status == childbridge.StatusDown && info.ManuallyStopped && info.PID == 0
	})

	if err := h.StartBridge(userVirtual); err != nil {
		t.Fatalf("StartBridge() error = %v", err)
	}
	waitFor(t, "online again", online)

	second, _ := h.Info(userVirtual)
	if second.PID == first.PID {
		t.Errorf("PID after restart = %d, want a new process", second.PID)
	}
	if second.ManuallyStopped {
		t.Error("ManuallyStopped = true after StartBridge")
	}
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, "/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingDatabasePath verifies run fails when database path is invalid.
func TestRun_MissingDatabasePath(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	configContent := `
host:
  bridges_file: ./bridges.json
database:
  path: ""
logging:
  level: error
  format: text
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, configPath)
	if err == nil {
		t.Fatal("run() should fail with empty database path")
	}
	if !strings.Contains(err.Error(), "database.path") {
		t.Errorf("error = %v, want mention of database.path", err)
	}
}

// TestRun_MissingBridgesFile verifies run fails before starting anything
// when the bridges file cannot be read.
func TestRun_MissingBridgesFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	configContent := `
host:
  bridges_file: ` + filepath.Join(dir, "missing.json") + `
database:
  path: ` + filepath.Join(dir, "bridgehost.db") + `
api:
  enabled: false
logging:
  level: error
  format: text
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, configPath); err == nil {
		t.Fatal("run() should fail with a missing bridges file")
	}
}

// TestRun_StopsOnCancel runs the host with no child bridges and cancels it.
func TestRun_StopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	bridgesFile := filepath.Join(dir, "bridges.json")
	bridges := `{"bridge":{"username":"` + userMain + `","port":51826},"platforms":[],"accessories":[]}`
	if err := os.WriteFile(bridgesFile, []byte(bridges), 0600); err != nil {
		t.Fatalf("write bridges file: %v", err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	configContent := `
host:
  bridges_file: ` + bridgesFile + `
  storage_path: ` + dir + `
database:
  path: ` + filepath.Join(dir, "bridgehost.db") + `
api:
  enabled: false
logging:
  level: error
  format: text
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, configPath) }()

	// Startup must finish before cancel; a cancelled context fails the health check.
	time.Sleep(time.Second)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run() did not return after cancel")
	}

	if _, err := os.Stat(filepath.Join(dir, "bridgehost.db")); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("BRIDGEHOST_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("BRIDGEHOST_CONFIG", "/etc/bridgehost.yaml")
	if got := getConfigPath(); got != "/etc/bridgehost.yaml" {
		t.Errorf("getConfigPath() = %q, want %q", got, "/etc/bridgehost.yaml")
	}
}

func TestWorkerCommand_Flags(t *testing.T) {
	cmd := newWorkerCmd()
	args := []string{
		"--" + childbridge.FlagDebug,
		"--" + childbridge.FlagColor,
		"--" + childbridge.FlagInsecure,
		"--" + childbridge.FlagNoTimestamp,
		"--" + childbridge.FlagKeepOrphans,
		"--" + childbridge.FlagStoragePath, "/var/lib/bridgehost",
		"--" + childbridge.FlagPluginPath, "/opt/plugins",
	}
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}

	for _, name := range []string{
		childbridge.FlagDebug, childbridge.FlagColor, childbridge.FlagInsecure,
		childbridge.FlagNoTimestamp, childbridge.FlagKeepOrphans,
	} {
		if v, err := cmd.Flags().GetBool(name); err != nil || !v {
			t.Errorf("--%s = %v (err %v), want true", name, v, err)
		}
	}
	if v, _ := cmd.Flags().GetString(childbridge.FlagStoragePath); v != "/var/lib/bridgehost" {
		t.Errorf("--%s = %q", childbridge.FlagStoragePath, v)
	}
	if v, _ := cmd.Flags().GetString(childbridge.FlagPluginPath); v != "/opt/plugins" {
		t.Errorf("--%s = %q", childbridge.FlagPluginPath, v)
	}
}

func TestWorkerCommand_NoControlChannel(t *testing.T) {
	t.Setenv("BRIDGEHOST_CONTROL_FD", "")

	root := newRootCmd()
	root.SetArgs([]string{"worker"})
	if err := root.ExecuteContext(context.Background()); err == nil {
		t.Fatal("worker without a control channel should fail")
	}
}

func TestWorkerOptions(t *testing.T) {
	t.Setenv(childbridge.EnvDebug, "hap:*")
	t.Setenv(childbridge.EnvWorkerOptions, "--max-old-space-size=128")

	opts := workerOptions(hostConfigForTest())
	if !opts.Debug || !opts.KeepOrphans || opts.StoragePath != "/data" {
		t.Errorf("workerOptions() = %+v", opts)
	}
	if opts.DebugEnv != "hap:*" {
		t.Errorf("DebugEnv = %q, want %q", opts.DebugEnv, "hap:*")
	}
	if opts.WorkerOptionsEnv != "--max-old-space-size=128" {
		t.Errorf("WorkerOptionsEnv = %q", opts.WorkerOptionsEnv)
	}
}

func TestNewLauncher(t *testing.T) {
	cfg := hostConfigForTest()
	cfg.WorkerBinary = "/usr/local/bin/bridgehost"
	cfg.GracefulTimeout = 3 * time.Second

	l, err := newLauncher(cfg, logging.Default())
	if err != nil {
		t.Fatalf("newLauncher() error = %v", err)
	}
	if l.Binary != cfg.WorkerBinary {
		t.Errorf("Binary = %q, want %q", l.Binary, cfg.WorkerBinary)
	}
	if len(l.BaseArgs) != 1 || l.BaseArgs[0] != "worker" {
		t.Errorf("BaseArgs = %v, want [worker]", l.BaseArgs)
	}
	if l.GracefulTimeout != 3*time.Second {
		t.Errorf("GracefulTimeout = %v", l.GracefulTimeout)
	}

	cfg.WorkerBinary = ""
	l, err = newLauncher(cfg, logging.Default())
	if err != nil {
		t.Fatalf("newLauncher() error = %v", err)
	}
	if l.Binary == "" {
		t.Error("Binary is empty, want the running executable")
	}
}

func hostConfigForTest() config.HostConfig {
	return config.HostConfig{
		BridgesFile: "/data/bridges.json",
		StoragePath: "/data",
		Debug:       true,
		KeepOrphans: true,
	}
}

func TestTokenCommand(t *testing.T) {
	const secret = "token-command-secret-at-least-32-chars"
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	configContent := `
security:
  jwt:
    secret: ` + secret + `
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	var out strings.Builder
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"token", "--config", configPath, "--subject", "ci", "--role", "viewer", "--ttl", "1h"})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("token command error = %v", err)
	}

	claims, err := auth.ParseToken(strings.TrimSpace(out.String()), secret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "ci" || claims.Role != auth.RoleViewer {
		t.Errorf("claims = %q/%q, want ci/viewer", claims.Subject, claims.Role)
	}

	root = newRootCmd()
	root.SetOut(io.Discard)
	root.SetArgs([]string{"token", "--config", configPath, "--role", "owner"})
	if err := root.ExecuteContext(context.Background()); err == nil {
		t.Error("token with unknown role error = nil, want error")
	}
}

func TestTokenCommand_NoSecret(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("logging:\n  level: error\n"), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("BRIDGEHOST_JWT_SECRET", "")

	root := newRootCmd()
	root.SetArgs([]string{"token", "--config", configPath})
	if err := root.ExecuteContext(context.Background()); err == nil {
		t.Error("token without a secret error = nil, want error")
	}
}
