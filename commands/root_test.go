package commands

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/overlord/dispatch"
	"github.com/c360studio/overlord/memory"
	"github.com/c360studio/overlord/queue"
)

// setupEnv points the CLI at a throwaway state dir and config file.
func setupEnv(t *testing.T) string {
	t.Helper()
	stateDir := t.TempDir()
	workspace := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workspace, "core"), 0o755))

	cfgPath := filepath.Join(t.TempDir(), "overlord.yaml")
	cfg := fmt.Sprintf("workspace: %s\nprojects:\n  core:\n    path: %s\n",
		workspace, filepath.Join(workspace, "core"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	t.Setenv("OVERLORD_CONFIG", cfgPath)
	t.Setenv("OVERLORD_STATE_DIR", stateDir)
	return stateDir
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := Root("test")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	setupEnv(t)
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "overlord version test")
}

func TestQueueListEmpty(t *testing.T) {
	setupEnv(t)
	out, err := runCLI(t, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No tasks.")
}

func TestQueueTriagePromotesOldestFirst(t *testing.T) {
	stateDir := setupEnv(t)

	store, err := queue.Open(filepath.Join(stateDir, "work_queue.db"))
	require.NoError(t, err)
	ctx := context.Background()
	firstID, err := store.AddTask(ctx, queue.NewTask{Title: "first", Project: "core"})
	require.NoError(t, err)
	_, err = store.AddTask(ctx, queue.NewTask{Title: "second", Project: "core"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	out, err := runCLI(t, "queue", "triage", "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "first")
	assert.Contains(t, out, "1 task(s) promoted.")

	store, err = queue.Open(filepath.Join(stateDir, "work_queue.db"))
	require.NoError(t, err)
	defer store.Close()
	task, err := store.GetTask(ctx, firstID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusActive, task.Status)
}

func TestQueueLog(t *testing.T) {
	stateDir := setupEnv(t)

	store, err := queue.Open(filepath.Join(stateDir, "work_queue.db"))
	require.NoError(t, err)
	ctx := context.Background()
	id, err := store.AddTask(ctx, queue.NewTask{Title: "task", Project: "core"})
	require.NoError(t, err)
	require.NoError(t, store.Transition(ctx, id, queue.StatusActive, "triage", "promoted"))
	require.NoError(t, store.Close())

	out, err := runCLI(t, "queue", "log", id)
	require.NoError(t, err)
	assert.Contains(t, out, "backlog -> active")
	assert.Contains(t, out, "triage")
}

func TestStatus(t *testing.T) {
	stateDir := setupEnv(t)

	store, err := queue.Open(filepath.Join(stateDir, "work_queue.db"))
	require.NoError(t, err)
	_, err = store.AddTask(context.Background(), queue.NewTask{Title: "task", Project: "core"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	out, err := runCLI(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Projects: 1")
	assert.Contains(t, out, "Autonomy: cautious")
	assert.Contains(t, out, "backlog=1")
}

func TestStatusUnknownProject(t *testing.T) {
	setupEnv(t)
	_, err := runCLI(t, "status", "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown project")
}

func TestDiscover(t *testing.T) {
	setupEnv(t)

	workspace := t.TempDir()
	repo := filepath.Join(workspace, "widget")
	require.NoError(t, os.MkdirAll(filepath.Join(repo, ".git"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(workspace, "not-a-repo"), 0o755))

	out, err := runCLI(t, "discover", "--workspace", workspace)
	require.NoError(t, err)
	assert.Contains(t, out, "widget:")
	assert.Contains(t, out, repo)
	assert.NotContains(t, out, "not-a-repo")
}

func TestConfigPrintsEffectiveConfig(t *testing.T) {
	setupEnv(t)
	out, err := runCLI(t, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "core:")
	assert.Contains(t, out, "autonomy:")
}

func TestHaltWithoutDaemon(t *testing.T) {
	setupEnv(t)
	_, err := runCLI(t, "halt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no daemon running")
}

func TestDispatchCleanupRequiresTarget(t *testing.T) {
	setupEnv(t)
	_, err := runCLI(t, "dispatch", "cleanup")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--project")
}

func TestReleaseMemoryRecordsCompletedRelease(t *testing.T) {
	stateDir := setupEnv(t)

	store, err := queue.Open(filepath.Join(stateDir, "work_queue.db"))
	require.NoError(t, err)
	defer store.Close()
	mem, err := memory.New(store.DB(), slog.Default())
	require.NoError(t, err)

	hook := releaseMemory(mem, slog.Default())
	ctx := context.Background()
	hook(ctx, nil, dispatch.Plan{Description: "release core 1.2.0"})
	hook(ctx, nil, dispatch.Plan{Description: "merge develop to main in core"})

	entries, err := mem.Search(ctx, "released", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "core 1.2.0 released", entries[0].Content)
}

func TestChatStatusCommand(t *testing.T) {
	setupEnv(t)
	out, err := runCLI(t, "chat", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Autonomy: cautious")
}
