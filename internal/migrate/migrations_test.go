package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, Migrate(conn))
	require.NoError(t, Migrate(conn))

	v, err := Version(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	for _, table := range []string{"projects", "gates", "gate_reviewers", "contacts", "workflow_events", "api_keys"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestWorkflowEventsRejectUpdates(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, Migrate(conn))

	_, err = conn.Exec(`INSERT INTO projects(id,template_id,current_stage,gate_status,created_at) VALUES ('p','t@1.0.0','a','not_required','2024-01-01T00:00:00Z')`)
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO workflow_events(project_id,event_type,to_stage,actor_id,ts) VALUES ('p','stage_advance','a','me','2024-01-01T00:00:00Z')`)
	require.NoError(t, err)
	_, err = conn.Exec(`UPDATE workflow_events SET actor_id='other'`)
	assert.Error(t, err)
}
