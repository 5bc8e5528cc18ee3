package cli

import (
	"bytes"
	"context"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sirsim/internal/cluster/netrpc"
	"sirsim/internal/worker"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"run", "worker", "runs", "steps"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)
}

func TestRunPrintsCSV(t *testing.T) {
	stdout, stderr, err := execute(t, "run", "--population", "200", "--steps", "5", "--workers", "2",
		"--threads", "2", "--seed", "11")
	require.NoError(t, err, stderr)

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 7)
	assert.Equal(t, "step,susceptible,infected,recovered", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "0,"))
	assert.True(t, strings.HasPrefix(lines[6], "5,"))
	assert.Contains(t, stderr, "run started")
}

func TestRunIsReproducible(t *testing.T) {
	args := []string{"run", "--population", "150", "--steps", "6", "--workers", "3", "--seed", "99", "--format", "columns"}
	a, _, err := execute(t, args...)
	require.NoError(t, err)
	b, _, err := execute(t, args...)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRunWritesFileAndDatabase(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "data", "runs.db")
	cfgPath := filepath.Join(dir, "sir.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
[simulation]
population = 120
steps = 4
seed = 5

[cluster]
workers = 2
threads_per_worker = 2

[report]
stdout = false
output_dir = "`+filepath.ToSlash(dir)+`"
file = "dados_sir.txt"
`), 0o644))

	stdout, stderr, err := execute(t, "run", "--config", cfgPath, "--db", dbPath, "--run-id", "run-cli")
	require.NoError(t, err, stderr)
	assert.Empty(t, stdout)

	content, err := os.ReadFile(filepath.Join(dir, "dados_sir.txt"))
	require.NoError(t, err)
	fileLines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, fileLines, 5)
	assert.Len(t, strings.Fields(fileLines[0]), 4)

	stdout, _, err = execute(t, "runs", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, stdout, "run-cli")
	assert.Contains(t, stdout, "completed")

	stdout, _, err = execute(t, "steps", "run-cli", "--db", dbPath, "--format", "columns")
	require.NoError(t, err)
	assert.Equal(t, string(content), stdout, "stored census matches the report file")
}

func TestRunSetupErrorsExitTwo(t *testing.T) {
	cases := [][]string{
		{"run", "--population", "3", "--workers", "4", "--steps", "1"},
		{"run", "--population", "10", "--workers", "3", "--remainder", "reject", "--steps", "1"},
		{"run", "--beta", "1.5"},
		{"run", "--format", "xml"},
		{"run", "--config", "/does/not/exist.toml"},
	}
	for _, args := range cases {
		t.Run(strings.Join(args[1:], " "), func(t *testing.T) {
			_, _, err := execute(t, args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestRunUnreachableWorkerExitsOne(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := lis.Addr().String()
	require.NoError(t, lis.Close())

	_, _, err = execute(t, "run", "--peers", dead, "--population", "10", "--steps", "1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestRunOverRPCMatchesLocal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	quiet := log.New(io.Discard, "", 0)

	var addrs []string
	for i := 0; i < 2; i++ {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		srv, err := netrpc.NewServer(worker.New(lis.Addr().String(), false, quiet), quiet)
		require.NoError(t, err)
		go func() { _ = srv.Serve(ctx, lis) }()
		addrs = append(addrs, lis.Addr().String())
	}

	common := []string{"--population", "160", "--steps", "5", "--threads", "2", "--seed", "321", "--format", "json", "--run-id", "same"}
	remote, stderr, err := execute(t, append([]string{"run", "--peers", strings.Join(addrs, ",")}, common...)...)
	require.NoError(t, err, stderr)
	localOut, stderr, err := execute(t, append([]string{"run", "--workers", "2"}, common...)...)
	require.NoError(t, err, stderr)
	assert.Equal(t, localOut, remote)
}

func TestRunsRequiresExistingDatabase(t *testing.T) {
	_, _, err := execute(t, "runs", "--db", filepath.Join(t.TempDir(), "missing.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestStepsUnknownRun(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "runs.db")
	_, _, err := execute(t, "run", "--population", "20", "--workers", "1", "--steps", "1", "--db", dbPath, "-q")
	require.NoError(t, err)

	_, _, err = execute(t, "steps", "nope", "--db", dbPath)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(io.EOF))
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "bad", io.EOF)))
	assert.Equal(t, "bad: EOF", WrapExitError(ExitCommandError, "bad", io.EOF).Error())
	assert.Equal(t, "plain", NewExitError(ExitFailure, "plain").Error())
}

func TestWorkerCommandStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := NewRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"worker", "--listen", "127.0.0.1:0"})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker command did not stop")
	}
}
