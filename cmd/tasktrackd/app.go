package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"consult-tasktrack/internal/api"
	"consult-tasktrack/internal/config"
	xerrors "consult-tasktrack/internal/errors"
	"consult-tasktrack/internal/observability/metrics"
	"consult-tasktrack/internal/poller"
	"consult-tasktrack/internal/push"
	"consult-tasktrack/internal/retry"
	"consult-tasktrack/internal/storage/redis"
	"consult-tasktrack/internal/storage/sqldb"
	"consult-tasktrack/internal/store"
	"consult-tasktrack/internal/taskapi"
	"consult-tasktrack/internal/tracker"
	"consult-tasktrack/pkg/logger"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg        *config.Config
	api        *taskapi.Client
	store      *store.Client
	poller     *poller.Poller
	push       *push.Manager
	controller *tracker.Controller
	registry   *prometheus.Registry
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if cfg == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "configuration not loaded")
	}
	api, err := taskapi.NewClient(taskapi.Config{
		BaseURL: cfg.API.BaseURL,
		Token:   cfg.API.Token,
		Timeout: cfg.API.Timeout.Std(),
	})
	if err != nil {
		return nil, err
	}

	backend, err := buildBackend(ctx, cfg.Store)
	if err != nil {
		api.Close()
		return nil, err
	}
	st := store.New(backend, store.WithLogger(logger.Named("store")))

	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		logger.L().Warn("metrics registration incomplete", "error", err)
	}

	p := poller.New(api,
		poller.WithWorkspace(cfg.Tracker.Workspace),
		poller.WithInterval(cfg.Poll.Interval.Std()),
		poller.WithRefreshLimit(cfg.Poll.RefreshPerSecond, cfg.Poll.RefreshBurst),
	)

	a := &app{cfg: cfg, api: api, store: st, poller: p, registry: registry}

	dialer, err := buildDialer(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	var pushCh tracker.PushChannel
	if dialer != nil {
		a.push = push.NewManager(dialer, push.WithPolicy(buildPolicy(cfg.Push)))
		pushCh = a.push
	}

	opts := []tracker.Option{
		tracker.WithNamespace(cfg.Store.Namespace),
		tracker.WithWorkspace(cfg.Tracker.Workspace),
		tracker.WithStore(st),
		tracker.WithAutoRelease(cfg.Tracker.AutoRelease),
		tracker.WithAlwaysPoll(cfg.Poll.Always),
		tracker.WithActivityTTL(cfg.Tracker.ActivityTTL.Std()),
	}
	if cfg.API.SubmitEndpoint != "" {
		opts = append(opts, tracker.WithSubmitter(taskapi.JobSubmitter{Client: api, Endpoint: cfg.API.SubmitEndpoint}))
	}
	a.controller = tracker.New(p, pushCh, opts...)
	return a, nil
}

// Close releases every component. It is safe on a partially built app.
func (a *app) Close() error {
	var errs []error
	if a.controller != nil {
		a.controller.Close()
	}
	if a.push != nil {
		errs = append(errs, a.push.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.api != nil {
		errs = append(errs, a.api.Close())
	}
	return errors.Join(errs...)
}

// statusServer exposes the controller view, push state and metrics.
func (a *app) statusServer(addr string) *api.Server {
	opts := []api.Option{api.WithMetrics(metrics.Handler(a.registry))}
	if a.push != nil {
		opts = append(opts, api.WithPushState(func() string { return a.push.State().String() }))
	}
	return api.NewServer(addr, a.controller, opts...)
}

func buildBackend(ctx context.Context, cfg config.StoreConfig) (store.Backend, error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemoryBackend(cfg.CleanupInterval.Std()), nil
	case "file":
		return store.NewFileBackend(cfg.Path)
	case "redis":
		return redis.NewStateBackend(ctx, redis.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	case "mysql", "postgres", "sqlite":
		if cfg.Driver == "sqlite" {
			if err := ensureDir(cfg.DSN); err != nil {
				return nil, err
			}
		}
		return sqldb.NewStateBackend(ctx, sqldb.Config{Driver: cfg.Driver, DSN: cfg.DSN})
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "unknown store driver "+cfg.Driver)
	}
}

func buildDialer(cfg *config.Config) (push.Dialer, error) {
	switch cfg.Push.Transport {
	case "none":
		return nil, nil
	case "amqp":
		return push.AMQPDialer{URL: cfg.Push.URL, Exchange: cfg.Push.Exchange}, nil
	case "", "websocket":
		url := cfg.Push.URL
		if url == "" {
			derived, err := push.StatusURL(cfg.API.BaseURL)
			if err != nil {
				return nil, err
			}
			url = derived
		}
		d := push.WebsocketDialer{URL: url, HandshakeTimeout: cfg.API.Timeout.Std()}
		if cfg.API.Token != "" {
			d.Header = http.Header{"Authorization": []string{"Bearer " + cfg.API.Token}}
		}
		return d, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "unknown push transport "+cfg.Push.Transport)
	}
}

func buildPolicy(cfg config.PushConfig) retry.Policy {
	if strings.EqualFold(cfg.Backoff, "exponential") {
		return retry.Exponential(cfg.MaxAttempts, cfg.Delay.Std(), cfg.MaxDelay.Std())
	}
	return retry.Fixed(cfg.MaxAttempts, cfg.Delay.Std())
}

// ensureDir creates the parent directory of a file-backed sqlite DSN.
func ensureDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
