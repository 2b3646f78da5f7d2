package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"planner/internal/database"
	"planner/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImportStatusAndRequeue(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "planner.db")
	importPath := filepath.Join(dir, "mutations.yaml")

	yamlContent := `
mutations:
  - type: update
    resource: tasks
    payload:
      task_id: t1
      priority: high
  - type: create
    resource: ideas
    payload:
      content: ship it
`
	require.NoError(t, os.WriteFile(importPath, []byte(yamlContent), 0o644))

	var out bytes.Buffer
	require.NoError(t, run([]string{"-db", dbPath, "import", importPath}, &out))
	assert.Contains(t, out.String(), "enqueued=2")

	out.Reset()
	require.NoError(t, run([]string{"-db", dbPath, "status"}, &out))
	assert.Regexp(t, `pending\s+2`, out.String())
	assert.Contains(t, out.String(), "never")

	// Park one entry, then requeue it through the CLI.
	ctx := context.Background()
	db, err := database.NewDB(dbPath, nil)
	require.NoError(t, err)
	pending, err := db.GetPendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.JSONEq(t, `{"task_id":"t1","priority":"high"}`, string(pending[0].Payload))
	id := pending[0].ID
	require.NoError(t, db.MarkFailed(ctx, id, "http 500"))
	require.NoError(t, db.Close())

	out.Reset()
	require.NoError(t, run([]string{"-db", dbPath, "failed"}, &out))
	assert.Contains(t, out.String(), id)
	assert.Contains(t, out.String(), "http 500")

	out.Reset()
	require.NoError(t, run([]string{"-db", dbPath, "requeue", id}, &out))
	assert.Equal(t, "requeued "+id+"\n", out.String())

	err = run([]string{"-db", dbPath, "requeue", id}, &out)
	assert.ErrorContains(t, err, "not a failed mutation")

	db, err = database.NewDB(dbPath, nil)
	require.NoError(t, err)
	defer db.Close()
	n, err := db.CountMutations(ctx, models.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRunErrors(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "planner.db")
	var out bytes.Buffer

	assert.Error(t, run([]string{"-db", dbPath}, &out))
	assert.ErrorContains(t, run([]string{"-db", dbPath, "explode"}, &out), "unknown command")
	assert.Error(t, run([]string{"-db", dbPath, "import"}, &out))

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("mutations:\n  - type: upsert\n    resource: tasks\n"), 0o644))
	err := run([]string{"-db", dbPath, "import", bad}, &out)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "type and resource"))
}
