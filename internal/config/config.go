// Package config loads bridge settings: built-in defaults, then an optional
// YAML file, then environment overrides. Secrets are resolved separately
// through paramstore.Secrets.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"convo-bridge/internal/batch"
	"convo-bridge/internal/dedup"
	"convo-bridge/internal/poller"
	"convo-bridge/internal/ratelimit"
	"convo-bridge/internal/safety"
	"convo-bridge/internal/session"
)

// Store backends.
const (
	BackendFile     = "file"
	BackendDynamoDB = "dynamodb"
	BackendSQLite   = "sqlite"
)

// Dedup backends.
const (
	DedupMemory = "memory"
	DedupRedis  = "redis"
)

type ServerConfig struct {
	Addr        string `yaml:"addr"`
	WebhookPath string `yaml:"webhook_path"`
}

type StoreConfig struct {
	Backend     string        `yaml:"backend"`
	Path        string        `yaml:"path"`
	Table       string        `yaml:"table"`
	SQLitePath  string        `yaml:"sqlite_path"`
	TTL         time.Duration `yaml:"ttl"`
	TakeoverTTL time.Duration `yaml:"takeover_ttl"`
}

type BatchConfig struct {
	Window time.Duration `yaml:"window"`
}

type PollerConfig struct {
	Interval            time.Duration `yaml:"interval"`
	PerPage             int           `yaml:"per_page"`
	VerifySessionsEvery int           `yaml:"verify_sessions_every"`
	ProcessedFile       string        `yaml:"processed_file"`
}

type DedupConfig struct {
	Backend   string        `yaml:"backend"`
	Capacity  int           `yaml:"capacity"`
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type TurnConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	MarkRead         bool          `yaml:"mark_read"`
	TakeoverPhrase   string        `yaml:"takeover_phrase"`
	ActivationPhrase string        `yaml:"activation_phrase"`
}

// WorkspaceConfig is one messaging-platform tenant. Its secrets are named
// SecretPrefix + "_INTERCOM_ACCESS_TOKEN" and so on; the default workspace
// uses no prefix.
type WorkspaceConfig struct {
	ID           string `yaml:"id"`
	AdminID      string `yaml:"admin_id"`
	SecretPrefix string `yaml:"secret_prefix"`
}

type IntercomConfig struct {
	BaseURL          string            `yaml:"base_url"`
	DefaultWorkspace string            `yaml:"default_workspace"`
	AdminID          string            `yaml:"admin_id"`
	Workspaces       []WorkspaceConfig `yaml:"workspaces"`
}

type AssistantConfig struct {
	BaseURL     string `yaml:"base_url"`
	ChatbotUUID string `yaml:"chatbot_uuid"`
}

type SecretsConfig struct {
	UseParamStore bool   `yaml:"use_param_store"`
	ParamPrefix   string `yaml:"param_prefix"`
}

type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Store     StoreConfig      `yaml:"store"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
	Batch     BatchConfig      `yaml:"batch"`
	Poller    PollerConfig     `yaml:"poller"`
	Dedup     DedupConfig      `yaml:"dedup"`
	Log       LogConfig        `yaml:"log"`
	Turn      TurnConfig       `yaml:"turn"`
	Intercom  IntercomConfig   `yaml:"intercom"`
	Assistant AssistantConfig  `yaml:"assistant"`
	Secrets   SecretsConfig    `yaml:"secrets"`
	StopFile  string           `yaml:"stop_file"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080", WebhookPath: "/webhook/intercom"},
		Store: StoreConfig{
			Backend:     BackendFile,
			Path:        "data/conversation_sessions.json",
			SQLitePath:  "data/bridge.db",
			TTL:         session.DefaultTTL,
			TakeoverTTL: session.DefaultTakeoverTTL,
		},
		RateLimit: ratelimit.Config{
			MaxPerMinute:             ratelimit.DefaultMaxPerMinute,
			MaxPerConversationPerDay: ratelimit.DefaultMaxPerConversationPerDay,
		},
		Batch: BatchConfig{Window: batch.DefaultWindow},
		Poller: PollerConfig{
			Interval:            poller.DefaultInterval,
			PerPage:             poller.DefaultPerPage,
			VerifySessionsEvery: poller.DefaultHeartbeatEvery,
			ProcessedFile:       "data/processed_messages.json",
		},
		Dedup:    DedupConfig{Backend: DedupMemory, Capacity: dedup.DefaultCapacity, TTL: dedup.DefaultRedisTTL},
		Log:      LogConfig{Level: "INFO"},
		Turn:     TurnConfig{Timeout: 3 * time.Minute},
		Intercom: IntercomConfig{DefaultWorkspace: "main"},
		StopFile: safety.DefaultStopFile,
	}
}

// Load builds the configuration. path may be empty; BRIDGE_CONFIG is used
// then.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		path, _ = lookup("BRIDGE_CONFIG")
	}
	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	e := env{lookup: lookup}
	e.str("BRIDGE_ADDR", &cfg.Server.Addr)
	if port, ok := lookup("PORT"); ok && strings.TrimSpace(port) != "" {
		cfg.Server.Addr = ":" + strings.TrimSpace(port)
	}
	e.str("STORE_BACKEND", &cfg.Store.Backend)
	e.str("STATE_FILE", &cfg.Store.Path)
	e.str("STATE_TABLE", &cfg.Store.Table)
	e.str("SQLITE_PATH", &cfg.Store.SQLitePath)
	e.duration("SESSION_TTL", &cfg.Store.TTL)
	e.duration("TAKEOVER_TTL", &cfg.Store.TakeoverTTL)
	e.int("MAX_MESSAGES_PER_MINUTE", &cfg.RateLimit.MaxPerMinute)
	e.int("MAX_MESSAGES_PER_CONVERSATION", &cfg.RateLimit.MaxPerConversationPerDay)
	e.duration("MESSAGE_BATCH_WAIT", &cfg.Batch.Window)
	e.duration("POLLING_INTERVAL", &cfg.Poller.Interval)
	e.int("MAX_CONVERSATIONS", &cfg.Poller.PerPage)
	e.int("VERIFY_SESSIONS_EVERY", &cfg.Poller.VerifySessionsEvery)
	e.str("PROCESSED_FILE", &cfg.Poller.ProcessedFile)
	e.str("DEDUP_BACKEND", &cfg.Dedup.Backend)
	e.str("REDIS_ADDR", &cfg.Dedup.RedisAddr)
	e.str("LOG_LEVEL", &cfg.Log.Level)
	e.str("LOG_FILE", &cfg.Log.File)
	e.duration("TURN_TIMEOUT", &cfg.Turn.Timeout)
	e.bool("MARK_READ", &cfg.Turn.MarkRead)
	e.str("TAKEOVER_PHRASE", &cfg.Turn.TakeoverPhrase)
	e.str("ACTIVATION_PHRASE", &cfg.Turn.ActivationPhrase)
	e.str("INTERCOM_BASE_URL", &cfg.Intercom.BaseURL)
	e.str("INTERCOM_DEFAULT_WORKSPACE", &cfg.Intercom.DefaultWorkspace)
	e.str("INTERCOM_ADMIN_ID", &cfg.Intercom.AdminID)
	e.str("GPT_TRAINER_API_URL", &cfg.Assistant.BaseURL)
	e.str("CHATBOT_UUID", &cfg.Assistant.ChatbotUUID)
	e.bool("USE_PARAM_STORE", &cfg.Secrets.UseParamStore)
	e.str("PARAM_PREFIX", &cfg.Secrets.ParamPrefix)
	e.str("EMERGENCY_STOP_FILE", &cfg.StopFile)
	if e.err != nil {
		return Config{}, e.err
	}
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	cfg.Dedup.Backend = strings.ToLower(strings.TrimSpace(cfg.Dedup.Backend))
	return cfg, nil
}

// Validate reports every missing or inconsistent value at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendFile:
		if strings.TrimSpace(c.Store.Path) == "" {
			errs = append(errs, errors.New("config: store.path is required for the file backend"))
		}
	case BackendDynamoDB:
		if strings.TrimSpace(c.Store.Table) == "" {
			errs = append(errs, errors.New("config: STATE_TABLE is required for the dynamodb backend"))
		}
	case BackendSQLite:
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			errs = append(errs, errors.New("config: SQLITE_PATH is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown store backend %q", c.Store.Backend))
	}
	switch c.Dedup.Backend {
	case DedupMemory:
	case DedupRedis:
		if strings.TrimSpace(c.Dedup.RedisAddr) == "" {
			errs = append(errs, errors.New("config: REDIS_ADDR is required for the redis dedup backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown dedup backend %q", c.Dedup.Backend))
	}
	if strings.TrimSpace(c.Intercom.AdminID) == "" {
		errs = append(errs, errors.New("config: INTERCOM_ADMIN_ID is required"))
	}
	if strings.TrimSpace(c.Assistant.ChatbotUUID) == "" {
		errs = append(errs, errors.New("config: CHATBOT_UUID is required"))
	}
	if c.Secrets.UseParamStore && strings.TrimSpace(c.Secrets.ParamPrefix) == "" {
		errs = append(errs, errors.New("config: PARAM_PREFIX is required when USE_PARAM_STORE is set"))
	}
	seen := map[string]bool{c.Intercom.DefaultWorkspace: true}
	for _, ws := range c.Intercom.Workspaces {
		id := strings.TrimSpace(ws.ID)
		if id == "" {
			errs = append(errs, errors.New("config: workspace id is required"))
			continue
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("config: duplicate workspace %q", id))
		}
		seen[id] = true
		if strings.TrimSpace(ws.SecretPrefix) == "" {
			errs = append(errs, fmt.Errorf("config: workspace %q needs a secret_prefix", id))
		}
	}
	return errors.Join(errs...)
}

// LogLevel parses Log.Level, defaulting to info.
func (c Config) LogLevel() slog.Level {
	switch strings.ToUpper(strings.TrimSpace(c.Log.Level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// AllWorkspaces returns the default workspace followed by the extra ones.
// The default workspace inherits the top-level admin id.
func (c Config) AllWorkspaces() []WorkspaceConfig {
	out := []WorkspaceConfig{{ID: c.Intercom.DefaultWorkspace, AdminID: c.Intercom.AdminID}}
	for _, ws := range c.Intercom.Workspaces {
		if ws.AdminID == "" {
			ws.AdminID = c.Intercom.AdminID
		}
		out = append(out, ws)
	}
	return out
}

// SecretSource is satisfied by paramstore.Secrets.
type SecretSource interface {
	Get(ctx context.Context, name string) (string, error)
	Optional(ctx context.Context, name string) (string, error)
}

type WorkspaceSecrets struct {
	AccessToken  string
	ClientSecret string
}

type Secrets struct {
	AssistantAPIKey string
	Workspaces      map[string]WorkspaceSecrets
}

// ClientSecrets maps workspace id to webhook client secret, omitting
// workspaces without one.
func (s Secrets) ClientSecrets() map[string]string {
	out := make(map[string]string, len(s.Workspaces))
	for id, ws := range s.Workspaces {
		if ws.ClientSecret != "" {
			out[id] = ws.ClientSecret
		}
	}
	return out
}

func secretName(prefix, name string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return name
	}
	return strings.ToUpper(prefix) + "_" + name
}

// ResolveSecrets reads the assistant key and every workspace's token.
// Client secrets are optional.
func (c Config) ResolveSecrets(ctx context.Context, src SecretSource) (Secrets, error) {
	out := Secrets{Workspaces: make(map[string]WorkspaceSecrets)}
	var errs []error

	key, err := src.Get(ctx, "GPT_TRAINER_API_KEY")
	if err != nil {
		errs = append(errs, err)
	}
	out.AssistantAPIKey = key

	for _, ws := range c.AllWorkspaces() {
		token, err := src.Get(ctx, secretName(ws.SecretPrefix, "INTERCOM_ACCESS_TOKEN"))
		if err != nil {
			errs = append(errs, fmt.Errorf("workspace %q: %w", ws.ID, err))
		}
		clientSecret, err := src.Optional(ctx, secretName(ws.SecretPrefix, "INTERCOM_CLIENT_SECRET"))
		if err != nil {
			errs = append(errs, fmt.Errorf("workspace %q: %w", ws.ID, err))
		}
		out.Workspaces[ws.ID] = WorkspaceSecrets{AccessToken: token, ClientSecret: clientSecret}
	}
	if len(errs) > 0 {
		return Secrets{}, fmt.Errorf("config: resolve secrets: %w", errors.Join(errs...))
	}
	return out, nil
}

// env applies overrides, recording the first parse failure.
type env struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *env) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *env) fail(key, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("config: invalid %s=%q: %w", key, v, err)
	}
}

func (e *env) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *env) int(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = n
}

func (e *env) bool(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = b
}

// duration accepts Go durations ("5s") or bare seconds ("5").
func (e *env) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = time.Duration(n * float64(time.Second))
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = d
}
