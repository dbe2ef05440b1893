package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taskcluster/taskcluster-sub006/internal/config"
	"github.com/taskcluster/taskcluster-sub006/observe/metrics"
	cronpkg "github.com/taskcluster/taskcluster-sub006/runtime/cron"
)

func runServe(ctx context.Context, args []string) error {
	opts, _ := parseArgs(args)
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.Addr = opts.metricsAddr
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, cleanup, err := buildRuntime(ctx, cfg)
	defer cleanup()
	if err != nil {
		return err
	}
	if err := rt.registry.Start(ctx); err != nil {
		return err
	}

	scheduler := cronpkg.New()
	if err := rt.registerJobs(scheduler); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := rt.resolver.Start(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	var srv *http.Server
	if addr := strings.TrimSpace(cfg.Metrics.Addr); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Printf("[taskqueue] metrics listening on %s", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	scheduler.Start()
	log.Printf("[taskqueue] serving (index=%s, store=%s)", cfg.Index.Backend, cfg.Store.Path)

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		if srv != nil {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		errs = append(errs, scheduler.Stop(shutdownCtx))
		errs = append(errs, rt.resolver.Stop(shutdownCtx))
		log.Printf("[taskqueue] stopped")
		return errors.Join(errs...)
	})
	return g.Wait()
}

// registerJobs adds one cron job per configured maintenance sweep.
func (rt *runtimeComponents) registerJobs(scheduler *cronpkg.Scheduler) error {
	specs := map[string]string{
		jobClaimExpiry: rt.cfg.Cron.ClaimReaper,
		jobDeadline:    rt.cfg.Cron.DeadlineReaper,
		jobExpiry:      rt.cfg.Cron.ExpirySweeper,
		jobRepairHints: rt.cfg.Cron.RepairHints,
	}
	for _, name := range sweepJobNames() {
		spec := strings.TrimSpace(specs[name])
		if spec == "" {
			log.Printf("[taskqueue] job %s disabled", name)
			continue
		}
		if err := scheduler.Add(name, spec, rt.sweepJob(name)); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}
	return nil
}
