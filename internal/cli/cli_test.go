package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wsdb/internal/store"
	"github.com/roach88/wsdb/internal/workspace"
)

const tasksYAML = `transactions:
  - kind: class
    object: task:class:Task
    extends: core:class:Doc
    domain: task
  - kind: create
    class: task:class:Task
    space: sp1
    object: t1
    attributes: {title: write docs, rank: 1}
  - kind: create
    class: task:class:Task
    space: sp1
    object: t2
    attributes: {title: fix bug, rank: 5}
`

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// seeded returns a workspace directory holding an initialized workspace
// with the task fixture applied.
func seeded(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	_, err := execute(t, "init", "--uri", dir)
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(file, []byte(tasksYAML), 0o644))
	_, err = execute(t, "apply", "--uri", dir, "-f", file)
	require.NoError(t, err)
	return dir
}

func decode(t *testing.T, out string) (CLIResponse, map[string]any) {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	data, _ := resp.Data.(map[string]any)
	return resp, data
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "wsdb", cmd.Use)

	for _, name := range []string{"init", "apply", "find", "log", "replay", "test", "metrics"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()
	flags := cmd.PersistentFlags()

	assert.Equal(t, "text", flags.Lookup("format").DefValue)
	assert.Equal(t, DefaultURI, flags.Lookup("uri").DefValue)
	assert.Equal(t, DefaultWorkspace, flags.Lookup("workspace").DefValue)
	assert.Equal(t, "w", flags.Lookup("workspace").Shorthand)
	assert.Equal(t, "v", flags.Lookup("verbose").Shorthand)
	assert.Equal(t, "info", flags.Lookup("log-level").DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "init", "--uri", t.TempDir(), "--format", "xml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInvalidLogLevel(t *testing.T) {
	_, err := execute(t, "init", "--uri", t.TempDir(), "--log-level", "loud")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestEnvironmentConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WSDB_URI", dir)
	t.Setenv("WSDB_WORKSPACE", "from-env")

	_, err := execute(t, "init")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "ws-from-env.db"))

	// Flags win over the environment.
	_, err = execute(t, "init", "-w", "from-flag")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "ws-from-flag.db"))
}

func TestInit_Idempotent(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "init", "--uri", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Initialized workspace default")

	out, err = execute(t, "init", "--uri", dir, "--format", "json")
	require.NoError(t, err)
	resp, data := decode(t, out)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, float64(10), data["transactions"])

	log, err := execute(t, "log", "--uri", dir, "--format", "json")
	require.NoError(t, err)
	var records struct{ Data []LogRecord }
	require.NoError(t, json.Unmarshal([]byte(log), &records))
	assert.Len(t, records.Data, 10, "second init appends nothing")
}

func TestApply(t *testing.T) {
	dir := seeded(t)

	out, err := execute(t, "find", "--uri", dir, "--class", "task:class:Task", "--sort", "rank:desc", "--format", "json")
	require.NoError(t, err)
	_, data := decode(t, out)
	assert.Equal(t, float64(2), data["total"])
	docs := data["docs"].([]any)
	require.Len(t, docs, 2)
	assert.Equal(t, "t2", docs[0].(map[string]any)["_id"])
	assert.Equal(t, "t1", docs[1].(map[string]any)["_id"])
}

func TestApply_Rejected(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "init", "--uri", dir)
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`transactions:
  - kind: create
    class: nope:class:Nope
    space: sp1
`), 0o644))

	out, err := execute(t, "apply", "--uri", dir, "-f", file, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp, data := decode(t, out)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "SCHEMA", resp.Error.Code)
	assert.Equal(t, float64(0), data["applied"])
}

func TestApply_InvalidFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(file, []byte("transactions:\n  - kind: explode\n"), 0o644))

	_, err := execute(t, "apply", "--uri", t.TempDir(), "-f", file)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestApply_MissingFileFlag(t *testing.T) {
	_, err := execute(t, "apply", "--uri", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestFind_TextOutput(t *testing.T) {
	dir := seeded(t)

	out, err := execute(t, "find", "--uri", dir, "--class", "task:class:Task", "--filter", "rank=5")
	require.NoError(t, err)
	assert.Contains(t, out, `"_id":"t2"`)
	assert.NotContains(t, out, `"_id":"t1"`)
	assert.Contains(t, out, "1 of 1 document(s)")
}

func TestFind_Where(t *testing.T) {
	dir := seeded(t)

	out, err := execute(t, "find", "--uri", dir, "--class", "task:class:Task",
		"--where", `doc.title.startsWith("fix") || doc.rank < 3`, "--sort", "rank", "--limit", "1", "--format", "json")
	require.NoError(t, err)
	_, data := decode(t, out)
	assert.Equal(t, float64(2), data["total"], "total counts every match before the limit")
	docs := data["docs"].([]any)
	require.Len(t, docs, 1)
	assert.Equal(t, "t1", docs[0].(map[string]any)["_id"])
}

func TestFind_InvalidFlags(t *testing.T) {
	dir := seeded(t)

	tests := []struct {
		name string
		args []string
	}{
		{"bad filter", []string{"--filter", "rank"}},
		{"bad sort", []string{"--sort", "rank:sideways"}},
		{"bad where", []string{"--where", "doc.rank +"}},
		{"negative limit", []string{"--limit", "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"find", "--uri", dir, "--class", "task:class:Task"}, tt.args...)
			_, err := execute(t, args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestFind_UnknownClass(t *testing.T) {
	dir := seeded(t)

	_, err := execute(t, "find", "--uri", dir, "--class", "nope:class:Nope")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestLog(t *testing.T) {
	dir := seeded(t)

	out, err := execute(t, "log", "--uri", dir, "--after", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "task:class:Task  t1")
	assert.Contains(t, out, "3 transaction(s)")

	out, err = execute(t, "log", "--uri", dir, "--limit", "2", "--format", "json")
	require.NoError(t, err)
	var resp struct{ Data []LogRecord }
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, int64(1), resp.Data[0].Seq)
	assert.Equal(t, "create", resp.Data[0].Kind)
}

func TestLog_MissingWorkspace(t *testing.T) {
	_, err := execute(t, "log", "--uri", t.TempDir(), "-w", "ghost")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "workspace ghost not found")
}

func TestReplay_Deterministic(t *testing.T) {
	dir := seeded(t)

	out, err := execute(t, "replay", "--uri", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Replay verified deterministic")

	out, err = execute(t, "replay", "--uri", dir, "--format", "json")
	require.NoError(t, err)
	_, data := decode(t, out)
	assert.Equal(t, true, data["deterministic"])
	assert.Len(t, data["runs"], 2)
}

func TestReplay_Diverged(t *testing.T) {
	dir := seeded(t)
	_, err := execute(t, "replay", "--uri", dir)
	require.NoError(t, err)

	path, err := workspace.Path(dir, DefaultWorkspace)
	require.NoError(t, err)
	st, err := store.Open(path, nil)
	require.NoError(t, err)
	_, err = st.DB().ExecContext(context.Background(), `UPDATE bootstrap_fingerprints SET model = 'tampered'`)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, err := execute(t, "replay", "--uri", dir, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	resp, _ := decode(t, out)
	assert.Equal(t, "E_DIVERGED", resp.Error.Code)
}

func TestReplay_Rebuild(t *testing.T) {
	dir := seeded(t)

	out, err := execute(t, "replay", "--uri", dir, "--rebuild", "--format", "json")
	require.NoError(t, err, out)
	_, data := decode(t, out)
	assert.Equal(t, float64(13), data["rebuilt"], "core model plus the task fixture")
	assert.Equal(t, true, data["deterministic"])

	out, err = execute(t, "find", "--uri", dir, "--class", "task:class:Task", "--format", "json")
	require.NoError(t, err)
	_, data = decode(t, out)
	assert.Equal(t, float64(2), data["total"])
}

func TestOpenWorkspace_SharedUntilCommandReturns(t *testing.T) {
	dir := seeded(t)
	ctx := context.Background()
	opts := &RootOptions{URI: dir, Workspace: DefaultWorkspace}

	ws, err := openWorkspace(ctx, opts)
	require.NoError(t, err)
	again, err := openWorkspace(ctx, opts)
	require.NoError(t, err)
	assert.Same(t, ws, again)

	opts.evictWorkspace()
	fresh, err := openWorkspace(ctx, opts)
	require.NoError(t, err)
	assert.NotSame(t, ws, fresh, "an evicted workspace bootstraps again")
	assert.Error(t, ws.Storage().Store().DB().Ping())

	require.NoError(t, opts.closeWorkspaces())
	assert.Error(t, fresh.Storage().Store().DB().Ping())
	require.NoError(t, opts.closeWorkspaces(), "closing twice is a no-op")
}

func TestReplay_MissingWorkspace(t *testing.T) {
	_, err := execute(t, "replay", "--uri", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTest_HarnessScenarios(t *testing.T) {
	out, err := execute(t, "test", "../harness/testdata/scenarios", "--golden-dir", "../harness/testdata/golden")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ live_window")
	assert.Contains(t, out, "✓ task_lifecycle")
	assert.Contains(t, out, "2 passed, 0 failed, 2 total")
}

func TestTest_Filter(t *testing.T) {
	out, err := execute(t, "test", "../harness/testdata/scenarios", "--golden-dir", "../harness/testdata/golden",
		"--filter", "task_*", "--format", "json")
	require.NoError(t, err)
	_, data := decode(t, out)
	assert.Equal(t, float64(1), data["total"])
}

func TestTest_UpdateThenCompare(t *testing.T) {
	dir := t.TempDir()
	src, err := os.ReadFile("../harness/testdata/scenarios/task_lifecycle.yaml")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "task_lifecycle.yaml"), src, 0o644))

	_, err = execute(t, "test", dir, "--update")
	require.NoError(t, err)
	golden := filepath.Join(dir, "golden", "task_lifecycle.golden")
	assert.FileExists(t, golden)

	_, err = execute(t, "test", dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(golden, []byte("{}"), 0o644))
	out, err := execute(t, "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTest_FailingScenario(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong.yaml"), []byte(`
name: wrong
description: Expects a document that is never created.
steps:
  - tx: {kind: remove, class: core:class:Space, object: nothing}
assertions:
  - type: find_count
    class: core:class:Space
    count: 99
`), 0o644))

	out, err := execute(t, "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong")
	assert.Contains(t, out, "find_count")
}

func TestTest_MissingDir(t *testing.T) {
	_, err := execute(t, "test", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestMetrics(t *testing.T) {
	dir := seeded(t)

	out, err := execute(t, "metrics", "--uri", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "wsdb_workspace_bootstraps_total")
	assert.Contains(t, out, "wsdb_workspace_tx_applied_total")
	assert.Contains(t, out, "wsdb_registry_opens_total")
}

func TestRedisURL_Invalid(t *testing.T) {
	_, err := execute(t, "init", "--uri", t.TempDir(), "--redis-url", "ftp://nowhere")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestParseFilters(t *testing.T) {
	filter, err := parseFilters([]string{"rank=3", "done=true", "title=fix bug", "space=sp1"})
	require.NoError(t, err)
	got, err := json.Marshal(filter)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rank":3,"done":true,"title":"fix bug","space":"sp1"}`, string(got))

	_, err = parseFilters([]string{"=x"})
	assert.Error(t, err)
}

func TestParseSortKeys(t *testing.T) {
	keys, err := parseSortKeys([]string{"rank:desc", "title", "modifiedOn:ASC"})
	require.NoError(t, err)
	require.Len(t, keys, 3)
	assert.Equal(t, "rank", keys[0].Field)
	assert.True(t, keys[0].Order < 0)
	assert.True(t, keys[1].Order > 0)
	assert.True(t, keys[2].Order > 0)

	_, err = parseSortKeys([]string{":desc"})
	assert.Error(t, err)
}

func TestExitError(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))

	err := WrapExitError(ExitCommandError, "open", assert.AnError)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, assert.AnError)
	assert.True(t, strings.HasPrefix(err.Error(), "open: "))
}
