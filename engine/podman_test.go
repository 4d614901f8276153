package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type commandResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// MockCommandRunner implements CommandRunner for testing
type MockCommandRunner struct {
	commandResults map[string]commandResult
	defaultResult  commandResult
	calls          [][]string
	dirs           []string
}

func (m *MockCommandRunner) RunCommand(_ context.Context, dir string, args []string) (stdout, stderr string, exitCode int, err error) {
	m.calls = append(m.calls, args)
	m.dirs = append(m.dirs, dir)

	if result, exists := m.commandResults[strings.Join(args, " ")]; exists {
		return result.stdout, result.stderr, result.exitCode, result.err
	}

	return m.defaultResult.stdout, m.defaultResult.stderr, m.defaultResult.exitCode, m.defaultResult.err
}

func testSpec() Spec {
	return Spec{
		Name:            "c1",
		Index:           1,
		Image:           "sandpool/sandbox:latest",
		Env:             []string{"LANG=C.UTF-8"},
		CPUSetCPUs:      "0",
		MemoryBytes:     100 * 1024 * 1024,
		MemorySwapBytes: 200 * 1024 * 1024,
		HostPath:        "/srv/envs/c1",
		MountPath:       "/home/sandbox/",
	}
}

func TestPodmanClientConstructors(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("DefaultConstructor", func(t *testing.T) {
		client := NewPodmanClient(logger)
		require.NotNil(t, client)
		assert.Equal(t, "podman", client.binary)
		assert.NotNil(t, client.cmdRunner)
	})

	t.Run("ConstructorWithOptions", func(t *testing.T) {
		runner := &MockCommandRunner{}
		client := NewPodmanClient(logger, WithPodmanCommandRunner(runner), WithPodmanBinary("/usr/local/bin/podman"))
		assert.Equal(t, runner, client.cmdRunner)
		assert.Equal(t, "/usr/local/bin/podman", client.binary)
	})

	t.Run("EmptyBinaryKeepsDefault", func(t *testing.T) {
		client := NewPodmanClient(logger, WithPodmanBinary(""))
		assert.Equal(t, "podman", client.binary)
	})
}

func TestPodmanCreate(t *testing.T) {
	runner := &MockCommandRunner{defaultResult: commandResult{stdout: "Trying to pull...\nabc123def456789\n"}}
	client := NewPodmanClient(zaptest.NewLogger(t), WithPodmanCommandRunner(runner))

	inst, err := client.Create(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, "abc123def456789", inst.ID)
	assert.Equal(t, "c1", inst.Name)
	assert.Equal(t, StatusRunning, inst.Status)

	require.Len(t, runner.calls, 1)
	args := strings.Join(runner.calls[0], " ")
	assert.True(t, strings.HasPrefix(args, "podman run --detach --rm --tty --interactive --network none"))
	assert.Contains(t, args, "--volume /srv/envs/c1:/home/sandbox/:rw")
	assert.Contains(t, args, "--cpuset-cpus 0")
	assert.Contains(t, args, "--memory 104857600")
	assert.Contains(t, args, "--memory-swap 209715200")
	assert.Contains(t, args, "--env LANG=C.UTF-8")
	assert.Contains(t, args, "--label sandpool.managed=true")
	assert.Contains(t, args, "--label sandpool.name=c1")
	assert.Contains(t, args, "--label sandpool.index=1")
	assert.True(t, strings.HasSuffix(args, "sandpool/sandbox:latest"))
}

func TestPodmanCreateFailure(t *testing.T) {
	runner := &MockCommandRunner{defaultResult: commandResult{stderr: "Error: image not known", exitCode: 125}}
	client := NewPodmanClient(zaptest.NewLogger(t), WithPodmanCommandRunner(runner))

	_, err := client.Create(context.Background(), testSpec())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image not known")
}

func TestPodmanStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("Running", func(t *testing.T) {
		runner := &MockCommandRunner{defaultResult: commandResult{stdout: "running\n"}}
		client := NewPodmanClient(zaptest.NewLogger(t), WithPodmanCommandRunner(runner))

		status, err := client.Status(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, status)
		assert.Equal(t, []string{"podman", "inspect", "--type", "container", "--format", "{{.State.Status}}", "abc"}, runner.calls[0])
	})

	t.Run("Gone", func(t *testing.T) {
		runner := &MockCommandRunner{defaultResult: commandResult{stderr: "Error: no such container abc", exitCode: 125}}
		client := NewPodmanClient(zaptest.NewLogger(t), WithPodmanCommandRunner(runner))

		_, err := client.Status(ctx, "abc")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInstanceGone)
	})

	t.Run("BinaryMissing", func(t *testing.T) {
		runner := &MockCommandRunner{defaultResult: commandResult{err: errors.New("executable file not found")}}
		client := NewPodmanClient(zaptest.NewLogger(t), WithPodmanCommandRunner(runner))

		_, err := client.Status(ctx, "abc")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrEngineUnreachable)
	})
}

func TestPodmanExec(t *testing.T) {
	ctx := context.Background()

	t.Run("CommandExitCodeIsReported", func(t *testing.T) {
		runner := &MockCommandRunner{defaultResult: commandResult{stdout: "out", stderr: "err", exitCode: 2}}
		client := NewPodmanClient(zaptest.NewLogger(t), WithPodmanCommandRunner(runner))

		res, err := client.Exec(ctx, "abc", ExecOptions{Cmd: []string{"ls", "-la"}, WorkingDir: "/home/sandbox/"})
		require.NoError(t, err)
		assert.Equal(t, ExecResult{Stdout: "out", Stderr: "err", ExitCode: 2}, res)
		assert.Equal(t, []string{"podman", "exec", "--workdir", "/home/sandbox/", "abc", "ls", "-la"}, runner.calls[0])
	})

	t.Run("MissingContainer", func(t *testing.T) {
		runner := &MockCommandRunner{defaultResult: commandResult{stderr: "Error: no container with name or ID \"abc\" found", exitCode: 125}}
		client := NewPodmanClient(zaptest.NewLogger(t), WithPodmanCommandRunner(runner))

		_, err := client.Exec(ctx, "abc", ExecOptions{Cmd: []string{"true"}})
		assert.ErrorIs(t, err, ErrInstanceGone)
	})

	t.Run("EmptyCommand", func(t *testing.T) {
		client := NewPodmanClient(zaptest.NewLogger(t), WithPodmanCommandRunner(&MockCommandRunner{}))
		_, err := client.Exec(ctx, "abc", ExecOptions{})
		require.Error(t, err)
	})
}

func TestPodmanLifecycleCommands(t *testing.T) {
	ctx := context.Background()
	runner := &MockCommandRunner{}
	client := NewPodmanClient(zaptest.NewLogger(t), WithPodmanCommandRunner(runner))

	require.NoError(t, client.Restart(ctx, "abc"))
	require.NoError(t, client.Kill(ctx, "abc"))

	assert.Equal(t, []string{"podman", "restart", "abc"}, runner.calls[0])
	assert.Equal(t, []string{"podman", "kill", "--signal", "KILL", "abc"}, runner.calls[1])
}

func TestPodmanList(t *testing.T) {
	runner := &MockCommandRunner{defaultResult: commandResult{stdout: "aaa\tc0\trunning\nbbb\tc1\trunning\n\n"}}
	client := NewPodmanClient(zaptest.NewLogger(t), WithPodmanCommandRunner(runner))

	instances, err := client.List(context.Background(), "img:1")
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, Instance{ID: "aaa", Name: "c0", Image: "img:1", Status: StatusRunning}, instances[0])
	assert.Equal(t, "bbb", instances[1].ID)
	assert.Contains(t, runner.calls[0], "ancestor=img:1")
}

func TestPodmanPruneStopped(t *testing.T) {
	runner := &MockCommandRunner{defaultResult: commandResult{stdout: "aaa\nbbb\n"}}
	client := NewPodmanClient(zaptest.NewLogger(t), WithPodmanCommandRunner(runner))

	report, err := client.PruneStopped(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"aaa", "bbb"}, report.Deleted)
	assert.Equal(t, []string{"podman", "container", "prune", "--force", "--filter", "label=sandpool.managed=true"}, runner.calls[0])
	assert.NoError(t, client.Close())
}
