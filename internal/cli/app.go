package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"convo-bridge/handler"
	"convo-bridge/internal/batch"
	"convo-bridge/internal/config"
	"convo-bridge/internal/conversation"
	"convo-bridge/internal/dedup"
	"convo-bridge/internal/integrations/gpttrainer"
	"convo-bridge/internal/integrations/intercom"
	"convo-bridge/internal/integrations/paramstore"
	"convo-bridge/internal/ratelimit"
	"convo-bridge/internal/repository"
	"convo-bridge/internal/safety"
	"convo-bridge/internal/session"
	"convo-bridge/internal/usecase"
)

// App is the fully wired bridge.
type App struct {
	Config   config.Config
	Log      *slog.Logger
	Store    *session.Store
	Gate     *conversation.StateMachine
	Limiter  *ratelimit.Limiter
	Intercom *intercom.Registry
	Turns    *usecase.TurnService
	Batcher  *batch.Debouncer
	Webhook  *handler.Webhook
	Stop     safety.StopFlag

	closers []func() error
}

// awsLoader loads the AWS SDK config at most once, only when a backend
// needs it.
type awsLoader struct {
	cfg    aws.Config
	loaded bool
}

func (l *awsLoader) load(ctx context.Context) (aws.Config, error) {
	if l.loaded {
		return l.cfg, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("cli: load AWS config: %w", err)
	}
	l.cfg, l.loaded = cfg, true
	return cfg, nil
}

// openBackend returns the configured persister and its closer.
func openBackend(ctx context.Context, cfg config.StoreConfig, loader *awsLoader) (repository.Persister, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case config.BackendFile:
		fs, err := repository.NewFileStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return fs, noop, nil
	case config.BackendDynamoDB:
		awsCfg, err := loader.load(ctx)
		if err != nil {
			return nil, nil, err
		}
		ds, err := repository.NewDynamoStore(awsdynamodb.NewFromConfig(awsCfg), cfg.Table)
		if err != nil {
			return nil, nil, err
		}
		return ds, noop, nil
	case config.BackendSQLite:
		ss, err := repository.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return ss, ss.Close, nil
	default:
		return nil, nil, fmt.Errorf("cli: unknown store backend %q", cfg.Backend)
	}
}

// openStore opens only the session store, for the operator commands.
func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (*session.Store, func() error, error) {
	backend, closeFn, err := openBackend(ctx, cfg.Store, &awsLoader{})
	if err != nil {
		return nil, nil, err
	}
	st := session.Open(ctx, backend,
		session.WithTTL(cfg.Store.TTL),
		session.WithTakeoverTTL(cfg.Store.TakeoverTTL),
		session.WithLogger(log),
	)
	return st, closeFn, nil
}

// Build wires every component. window overrides the configured batch window
// when non-negative; the lambda command passes 0 to disable buffering.
func Build(ctx context.Context, cfg config.Config, log *slog.Logger, window time.Duration) (app *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	app = &App{Config: cfg, Log: log, Stop: safety.NewStopFlag(cfg.StopFile)}
	defer func() {
		if err != nil {
			_ = app.Close()
			app = nil
		}
	}()

	loader := &awsLoader{}
	backend, closeBackend, err := openBackend(ctx, cfg.Store, loader)
	if err != nil {
		return app, err
	}
	app.closers = append(app.closers, closeBackend)

	app.Store = session.Open(ctx, backend,
		session.WithTTL(cfg.Store.TTL),
		session.WithTakeoverTTL(cfg.Store.TakeoverTTL),
		session.WithLogger(log),
	)
	app.Gate = conversation.NewStateMachine(app.Store, log)
	app.Limiter = ratelimit.New(cfg.RateLimit, ratelimit.WithLogger(log))

	var getter paramstore.Getter
	if cfg.Secrets.UseParamStore {
		awsCfg, err := loader.load(ctx)
		if err != nil {
			return app, err
		}
		client, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return app, err
		}
		getter = client
	}
	secrets, err := cfg.ResolveSecrets(ctx, paramstore.NewSecrets(getter, cfg.Secrets.ParamPrefix))
	if err != nil {
		return app, err
	}

	if app.Intercom, err = buildRegistry(cfg, secrets, log); err != nil {
		return app, err
	}

	assistant, err := gpttrainer.NewClient(secrets.AssistantAPIKey, cfg.Assistant.ChatbotUUID,
		gpttrainer.WithBaseURL(cfg.Assistant.BaseURL),
		gpttrainer.WithLogger(log),
	)
	if err != nil {
		return app, err
	}

	deduper, err := buildDeduper(ctx, app, log)
	if err != nil {
		return app, err
	}

	app.Turns, err = usecase.NewTurnService(app.Intercom, assistant, app.Gate, app.Store, app.Limiter,
		usecase.WithLogger(log),
		usecase.WithTurnTimeout(cfg.Turn.Timeout),
		usecase.WithMarkRead(cfg.Turn.MarkRead),
	)
	if err != nil {
		return app, err
	}

	if window < 0 {
		window = cfg.Batch.Window
	}
	app.Batcher = batch.New(window, app.Turns.Run, batch.WithLogger(log))

	app.Webhook, err = handler.NewWebhook(handler.Config{
		ClientSecrets:    secrets.ClientSecrets(),
		TakeoverPhrase:   cfg.Turn.TakeoverPhrase,
		ActivationPhrase: cfg.Turn.ActivationPhrase,
	}, app.Batcher, app.Gate, app.Intercom,
		handler.WithDeduper(deduper),
		handler.WithStopSwitch(app.Stop),
		handler.WithLogger(log),
	)
	if err != nil {
		return app, err
	}
	return app, nil
}

func buildRegistry(cfg config.Config, secrets config.Secrets, log *slog.Logger) (*intercom.Registry, error) {
	reg := intercom.NewRegistry(cfg.Intercom.DefaultWorkspace, nil)
	for _, ws := range cfg.AllWorkspaces() {
		client, err := intercom.NewClient(secrets.Workspaces[ws.ID].AccessToken, ws.AdminID,
			intercom.WithBaseURL(cfg.Intercom.BaseURL),
			intercom.WithLogger(log.With("workspace_id", ws.ID)),
		)
		if err != nil {
			return nil, fmt.Errorf("cli: workspace %q: %w", ws.ID, err)
		}
		reg.Register(ws.ID, client)
	}
	return reg, nil
}

func buildDeduper(ctx context.Context, app *App, log *slog.Logger) (dedup.Deduper, error) {
	cfg := app.Config.Dedup
	if cfg.Backend != config.DedupRedis {
		return dedup.NewMemory(cfg.Capacity)
	}
	rdb, err := dedup.DialRedis(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, rdb.Close)
	return dedup.NewRedis(rdb, "", cfg.TTL, log)
}

// Housekeeping evicts expired records and rolls the rate-limit window.
func (a *App) Housekeeping(ctx context.Context) {
	if n := a.Store.Sweep(ctx); n > 0 {
		a.Log.Info("cli: swept expired sessions", "count", n)
	}
	a.Limiter.ResetWindowIfElapsed()
}

// Close flushes pending batches and releases backends.
func (a *App) Close() error {
	if a.Batcher != nil {
		a.Batcher.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
