package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"convo-bridge/internal/poller"
)

const (
	housekeepingEvery = time.Minute
	shutdownTimeout   = 30 * time.Second
)

func newServeCmd(rt *rootOptions) *cobra.Command {
	var withPoller bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := Build(ctx, rt.cfg, rt.log, -1)
			if err != nil {
				return err
			}
			defer func() {
				if err := app.Close(); err != nil {
					rt.log.Warn("cli: close failed", "err", err)
				}
			}()

			var p *poller.Poller
			if withPoller {
				if p, err = newPoller(app); err != nil {
					return err
				}
			}

			srv := &http.Server{
				Addr:              rt.cfg.Server.Addr,
				Handler:           newMux(app),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				rt.log.Info("cli: listening", "addr", srv.Addr, "webhook_path", rt.cfg.Server.WebhookPath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("cli: http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				rt.log.Info("cli: shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				runHousekeeping(gctx, app, housekeepingEvery)
				return nil
			})
			if p != nil {
				g.Go(func() error { return p.Run(gctx) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&withPoller, "poll", false, "also poll open conversations")
	return cmd
}

func newLambdaCmd(rt *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lambda",
		Short: "Serve webhooks as an AWS Lambda behind API Gateway",
		Long: `lambda handles each API Gateway request synchronously: batching is
disabled and expired sessions are swept at the start of every invocation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := Build(cmd.Context(), rt.cfg, rt.log, 0)
			if err != nil {
				return err
			}
			lambda.Start(lambdaHandler(app))
			return nil
		},
	}
}

func lambdaHandler(app *App) func(context.Context, events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	return func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		app.Housekeeping(ctx)
		return app.Webhook.Handle(ctx, req)
	}
}

func newPollCmd(rt *rootOptions) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Poll open conversations instead of receiving webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := Build(ctx, rt.cfg, rt.log, -1)
			if err != nil {
				return err
			}
			defer func() {
				if err := app.Close(); err != nil {
					rt.log.Warn("cli: close failed", "err", err)
				}
			}()

			p, err := newPoller(app)
			if err != nil {
				return err
			}
			if once {
				n, err := p.RunOnce(ctx)
				fmt.Fprintf(rt.out, "queued %d messages\n", n)
				return err
			}
			return p.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	return cmd
}

func newPoller(app *App) (*poller.Poller, error) {
	cfg := app.Config.Poller
	processed, err := poller.LoadProcessedSet(cfg.ProcessedFile, 0)
	if err != nil {
		return nil, err
	}
	return poller.New(poller.Config{
		Interval:       cfg.Interval,
		PerPage:        cfg.PerPage,
		HeartbeatEvery: cfg.VerifySessionsEvery,
	}, poller.Deps{
		Source:    app.Intercom,
		Sink:      app.Batcher,
		Limiter:   app.Limiter,
		Sessions:  app.Store,
		Verifier:  app.Turns,
		Stop:      app.Stop,
		Processed: processed,
		Log:       app.Log,
	})
}

func newMux(app *App) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.Handle(app.Config.Server.WebhookPath, app.Webhook)
	return mux
}

func healthHandler(rw http.ResponseWriter, _ *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(map[string]string{"status": "healthy"})
}

func runHousekeeping(ctx context.Context, app *App, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			app.Housekeeping(ctx)
		}
	}
}
