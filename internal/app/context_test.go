package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageline/internal/config"
	"stageline/internal/engine"
)

func notifierNames(t *testing.T, cfg *config.Config, s *config.Settings) []string {
	t.Helper()
	notifiers, closers := Notifiers(cfg, s)
	t.Cleanup(func() {
		for _, c := range closers {
			_ = c()
		}
	})
	var names []string
	for _, n := range notifiers {
		names = append(names, n.Name())
	}
	return names
}

func TestNotifiersFollowSettings(t *testing.T) {
	cfg := config.Default()
	assert.Empty(t, notifierNames(t, cfg, &config.Settings{}))

	cfg.Notifications.Webhooks = []config.Webhook{{URL: "http://example.test/hook"}}
	cfg.Notifications.Slack.Channel = "#releases"
	names := notifierNames(t, cfg, &config.Settings{
		RedisAddr:    "127.0.0.1:6379",
		RedisChannel: "stageline.progress",
		SlackToken:   "xoxb-test",
	})
	assert.Equal(t, []string{"webhook", "redis", "slack"}, names)
}

func TestNotifiersSkipSlackWithoutChannel(t *testing.T) {
	names := notifierNames(t, config.Default(), &config.Settings{SlackToken: "xoxb-test"})
	assert.Empty(t, names)
}

func TestOpenMigratesAndResolvesProject(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()
	rt, err := Open(ctx, Options{Workspace: workspace, Settings: &config.Settings{}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, "delivery", rt.Config.DefaultTemplateID())

	_, err = ResolveProject(ctx, rt.Engine.Repo, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no project found")

	_, _, err = rt.Engine.InitProject(ctx, engine.InitOptions{ProjectID: "apollo", Template: "delivery", ActorID: "alice"})
	require.NoError(t, err)

	id, err := ResolveProject(ctx, rt.Engine.Repo, "")
	require.NoError(t, err)
	assert.Equal(t, "apollo", id)

	id, err = ResolveProject(ctx, rt.Engine.Repo, "other")
	require.NoError(t, err)
	assert.Equal(t, "other", id)
}

func TestOpenRejectsBrokenTemplate(t *testing.T) {
	workspace := t.TempDir()
	doc := `templates:
  - id: loop
    stages:
      - id: a
        next: [b]
      - id: b
        next: [missing]
`
	require.NoError(t, os.WriteFile(filepath.Join(workspace, config.FileName), []byte(doc), 0o644))
	_, err := Open(context.Background(), Options{Workspace: workspace, Settings: &config.Settings{}, Logger: zerolog.Nop()})
	require.Error(t, err)
}
