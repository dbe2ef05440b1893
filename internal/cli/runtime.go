package cli

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/taskcluster/taskcluster-sub006/credentials"
	"github.com/taskcluster/taskcluster-sub006/internal/config"
	"github.com/taskcluster/taskcluster-sub006/observe"
	"github.com/taskcluster/taskcluster-sub006/observe/metrics"
	"github.com/taskcluster/taskcluster-sub006/observe/natsbus"
	observeotel "github.com/taskcluster/taskcluster-sub006/observe/otel"
	"github.com/taskcluster/taskcluster-sub006/observe/redisstream"
	observestore "github.com/taskcluster/taskcluster-sub006/observe/store"
	observesqlite "github.com/taskcluster/taskcluster-sub006/observe/store/sqlite"
	"github.com/taskcluster/taskcluster-sub006/runtime/distributed"
	"github.com/taskcluster/taskcluster-sub006/runtime/hintpoller"
	statefactory "github.com/taskcluster/taskcluster-sub006/state/factory"
)

const shutdownTimeout = 10 * time.Second

type runtimeComponents struct {
	cfg      config.Config
	backend  *statefactory.Backend
	sink     observe.Sink
	registry *hintpoller.Registry
	service  *distributed.Service
	resolver *distributed.DependencyResolver

	claimReaper    *distributed.ClaimReaper
	deadlineReaper *distributed.DeadlineReaper
	expirySweeper  *distributed.ExpirySweeper
}

func policyFromConfig(cfg config.PolicyConfig) distributed.Policy {
	return distributed.NormalizePolicy(distributed.Policy{
		ClaimTimeout:         cfg.ClaimTimeout.Std(),
		PollBackoff:          cfg.PollBackoff.Std(),
		ResolverPollInterval: cfg.ResolverPollInterval.Std(),
		ResolverBatchSize:    cfg.ResolverBatchSize,
		ReaperBatchSize:      cfg.ReaperBatchSize,
		SweepBatchSize:       cfg.SweepBatchSize,
		MaxTaskDeadline:      cfg.MaxTaskDeadline.Std(),
		MaxRunsAllowed:       cfg.MaxRunsAllowed,
		FreeWorkerRetries:    cfg.FreeWorkerRetries,
	})
}

// buildRuntime wires the service and its collaborators. The returned cleanup
// releases everything in reverse order of construction and is safe to call
// when err != nil.
func buildRuntime(ctx context.Context, cfg config.Config) (*runtimeComponents, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	backend, err := statefactory.FromConfig(ctx, cfg)
	if err != nil {
		return nil, cleanup, fmt.Errorf("open backend: %w", err)
	}
	cleanups = append(cleanups, func() { closeBackend(backend) })

	sink, closeSinks, err := buildSinks(cfg.Events)
	if err != nil {
		return nil, cleanup, err
	}
	cleanups = append(cleanups, closeSinks)

	policy := policyFromConfig(cfg.Policy)
	registry, err := hintpoller.NewRegistry(backend.Index,
		hintpoller.WithBackoff(policy.PollBackoff),
		hintpoller.WithSink(sink),
	)
	if err != nil {
		return nil, cleanup, fmt.Errorf("create hint poller registry: %w", err)
	}
	cleanups = append(cleanups, func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := registry.Stop(stopCtx); err != nil {
			log.Printf("[taskqueue] hint poller stop failed: %v", err)
		}
	})

	opts := []distributed.Option{
		distributed.WithPolicy(policy),
		distributed.WithSink(sink),
	}
	if secret := strings.TrimSpace(cfg.Credentials.Secret); secret != "" {
		issuer, err := credentials.NewTempIssuer(cfg.Credentials.ClientID, secret)
		if err != nil {
			return nil, cleanup, fmt.Errorf("create credential issuer: %w", err)
		}
		opts = append(opts, distributed.WithIssuer(issuer))
	} else {
		log.Printf("[taskqueue] no credentials secret configured; claims carry no credentials")
	}

	svc, err := distributed.NewService(backend.Store, backend.Index, registry, opts...)
	if err != nil {
		return nil, cleanup, fmt.Errorf("create service: %w", err)
	}
	resolver, err := distributed.NewDependencyResolver(svc)
	if err != nil {
		return nil, cleanup, fmt.Errorf("create dependency resolver: %w", err)
	}

	return &runtimeComponents{
		cfg:            cfg,
		backend:        backend,
		sink:           sink,
		registry:       registry,
		service:        svc,
		resolver:       resolver,
		claimReaper:    distributed.NewClaimReaper(svc),
		deadlineReaper: distributed.NewDeadlineReaper(svc),
		expirySweeper:  distributed.NewExpirySweeper(svc),
	}, cleanup, nil
}

// buildSinks fans events out to Prometheus plus every configured publisher.
func buildSinks(cfg config.EventsConfig) (observe.Sink, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (observe.Sink, func(), error) {
		closeAll()
		return nil, func() {}, err
	}

	sinks := []observe.Sink{metrics.NewSink()}

	if path := strings.TrimSpace(cfg.AuditLogPath); path != "" {
		store, err := observesqlite.New(path)
		if err != nil {
			return fail(fmt.Errorf("open audit log: %w", err))
		}
		closers = append(closers, func() {
			if err := store.Close(); err != nil {
				log.Printf("[taskqueue] audit log close failed: %v", err)
			}
		})
		sinks = append(sinks, observestore.NewSink(store))
	}

	if rs := cfg.RedisStream; rs.Enabled {
		opts := []redisstream.Option{
			redisstream.WithPassword(rs.Redis.Password),
			redisstream.WithDB(rs.Redis.DB),
		}
		if rs.Redis.Prefix != "" {
			opts = append(opts, redisstream.WithPrefix(rs.Redis.Prefix))
		}
		if rs.MaxLen > 0 {
			opts = append(opts, redisstream.WithMaxLen(rs.MaxLen))
		}
		pub, err := redisstream.New(rs.Redis.Addr, opts...)
		if err != nil {
			return fail(fmt.Errorf("connect redis event stream: %w", err))
		}
		closers = append(closers, func() { _ = pub.Close() })
		sinks = append(sinks, pub)
	}

	if url := strings.TrimSpace(cfg.NATS.URL); url != "" {
		nc := natsbus.DefaultConfig()
		nc.URL = url
		nc.Name = "taskqueue"
		if cfg.NATS.SubjectPrefix != "" {
			nc.SubjectPrefix = cfg.NATS.SubjectPrefix
		}
		pub, err := natsbus.New(nc)
		if err != nil {
			return fail(fmt.Errorf("connect nats: %w", err))
		}
		closers = append(closers, func() { _ = pub.Close() })
		sinks = append(sinks, pub)
	}

	if cfg.OTel {
		tp := sdktrace.NewTracerProvider()
		otel.SetTracerProvider(tp)
		closers = append(closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				log.Printf("[taskqueue] tracer provider shutdown failed: %v", err)
			}
		})
		sinks = append(sinks, observeotel.NewSink(tp))
	}

	sink := observe.NewMultiSink(sinks...)
	if cfg.AsyncBuffer > 0 {
		async := observe.NewAsyncSink(sink, cfg.AsyncBuffer)
		closers = append(closers, async.Close)
		sink = async
	}
	return sink, closeAll, nil
}
