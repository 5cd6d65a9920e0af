package config

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load("", envOf(nil))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, 5*time.Second, cfg.Batch.Window)
	require.Equal(t, 24*time.Hour, cfg.Store.TTL)
	require.Equal(t, 12*time.Hour, cfg.Store.TakeoverTTL)
	require.Equal(t, 10, cfg.RateLimit.MaxPerMinute)
	require.Equal(t, 15, cfg.RateLimit.MaxPerConversationPerDay)
	require.Equal(t, 60*time.Second, cfg.Poller.Interval)
	require.Equal(t, 5, cfg.Poller.VerifySessionsEvery)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  backend: SQLite
  sqlite_path: /var/lib/bridge.db
  takeover_ttl: 6h
rate_limit:
  max_per_minute: 3
batch:
  window: 2s
intercom:
  admin_id: "99"
  workspaces:
    - id: eu
      secret_prefix: base
`), 0o644))

	cfg, err := load(path, envOf(map[string]string{
		"MAX_MESSAGES_PER_MINUTE": "4",
		"MESSAGE_BATCH_WAIT":      "7",
		"POLLING_INTERVAL":        "30",
		"MARK_READ":               "true",
		"PORT":                    "9090",
	}))
	require.NoError(t, err)
	require.Equal(t, BackendSQLite, cfg.Store.Backend)
	require.Equal(t, "/var/lib/bridge.db", cfg.Store.SQLitePath)
	require.Equal(t, 6*time.Hour, cfg.Store.TakeoverTTL)
	require.Equal(t, 4, cfg.RateLimit.MaxPerMinute, "env wins over file")
	require.Equal(t, 15, cfg.RateLimit.MaxPerConversationPerDay, "untouched default kept")
	require.Equal(t, 7*time.Second, cfg.Batch.Window)
	require.Equal(t, 30*time.Second, cfg.Poller.Interval)
	require.True(t, cfg.Turn.MarkRead)
	require.Equal(t, ":9090", cfg.Server.Addr)
	require.Equal(t, []WorkspaceConfig{
		{ID: "main", AdminID: "99"},
		{ID: "eu", AdminID: "99", SecretPrefix: "base"},
	}, cfg.AllWorkspaces())
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stop_file: /tmp/STOP\n"), 0o644))
	cfg, err := load("", envOf(map[string]string{"BRIDGE_CONFIG": path}))
	require.NoError(t, err)
	require.Equal(t, "/tmp/STOP", cfg.StopFile)
}

func TestLoad_Errors(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "missing.yaml"), envOf(nil))
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("store: [unclosed"), 0o644))
	_, err = load(bad, envOf(nil))
	require.ErrorContains(t, err, "parse")

	_, err = load("", envOf(map[string]string{"MAX_MESSAGES_PER_MINUTE": "lots"}))
	require.ErrorContains(t, err, "MAX_MESSAGES_PER_MINUTE")
	_, err = load("", envOf(map[string]string{"SESSION_TTL": "soon"}))
	require.ErrorContains(t, err, "SESSION_TTL")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.ErrorContains(t, err, "INTERCOM_ADMIN_ID")
	require.ErrorContains(t, err, "CHATBOT_UUID")

	cfg.Intercom.AdminID = "99"
	cfg.Assistant.ChatbotUUID = "bot-1"
	require.NoError(t, cfg.Validate())

	cfg.Store.Backend = BackendDynamoDB
	require.ErrorContains(t, cfg.Validate(), "STATE_TABLE")
	cfg.Store.Table = "bridge-state"
	cfg.Dedup.Backend = DedupRedis
	require.ErrorContains(t, cfg.Validate(), "REDIS_ADDR")
	cfg.Dedup.RedisAddr = "localhost:6379"
	cfg.Secrets.UseParamStore = true
	require.ErrorContains(t, cfg.Validate(), "PARAM_PREFIX")
	cfg.Secrets.ParamPrefix = "/bridge"
	cfg.Intercom.Workspaces = []WorkspaceConfig{{ID: "main", SecretPrefix: "x"}, {ID: "eu"}}
	err = cfg.Validate()
	require.ErrorContains(t, err, `duplicate workspace "main"`)
	require.ErrorContains(t, err, `workspace "eu" needs a secret_prefix`)

	cfg.Intercom.Workspaces = nil
	cfg.Store.Backend = "s3"
	require.ErrorContains(t, cfg.Validate(), "unknown store backend")
}

type mapSecrets map[string]string

func (m mapSecrets) Get(_ context.Context, name string) (string, error) {
	v, ok := m[name]
	if !ok {
		return "", errors.New("secret not found: " + name)
	}
	return v, nil
}

func (m mapSecrets) Optional(_ context.Context, name string) (string, error) {
	return m[name], nil
}

func TestResolveSecrets(t *testing.T) {
	cfg := Default()
	cfg.Intercom.Workspaces = []WorkspaceConfig{{ID: "eu", SecretPrefix: "base"}}

	src := mapSecrets{
		"GPT_TRAINER_API_KEY":        "key",
		"INTERCOM_ACCESS_TOKEN":      "tok-main",
		"INTERCOM_CLIENT_SECRET":     "sec-main",
		"BASE_INTERCOM_ACCESS_TOKEN": "tok-eu",
	}
	s, err := cfg.ResolveSecrets(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, "key", s.AssistantAPIKey)
	require.Equal(t, WorkspaceSecrets{AccessToken: "tok-main", ClientSecret: "sec-main"}, s.Workspaces["main"])
	require.Equal(t, "tok-eu", s.Workspaces["eu"].AccessToken)
	require.Equal(t, map[string]string{"main": "sec-main"}, s.ClientSecrets())

	delete(src, "BASE_INTERCOM_ACCESS_TOKEN")
	delete(src, "GPT_TRAINER_API_KEY")
	_, err = cfg.ResolveSecrets(context.Background(), src)
	require.ErrorContains(t, err, "GPT_TRAINER_API_KEY")
	require.ErrorContains(t, err, `workspace "eu"`)
}

func TestLogLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug, "WARNING": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo, "loud": slog.LevelInfo,
	} {
		cfg := Config{Log: LogConfig{Level: in}}
		require.Equal(t, want, cfg.LogLevel(), in)
	}
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var text, js bytes.Buffer
	log := SetupLoggerWithWriters(&text, &js, slog.LevelInfo)
	log.Debug("hidden")
	log.Info("turn finished", "conversation_id", "c1")

	require.Contains(t, text.String(), "conversation_id=c1")
	require.Contains(t, js.String(), `"conversation_id":"c1"`)
	require.NotContains(t, text.String(), "hidden")
	require.Equal(t, 1, strings.Count(js.String(), "\n"))
}

func TestSetupLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "bridge.log")
	log, cleanup := SetupLogger(path, slog.LevelInfo)
	log.Info("hello")
	require.NoError(t, cleanup())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"msg":"hello"`)

	log, cleanup = SetupLogger("", slog.LevelInfo)
	require.NotNil(t, log)
	require.NoError(t, cleanup())
}
