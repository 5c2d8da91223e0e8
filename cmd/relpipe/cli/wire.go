package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/davarch/relpipe/internal/application"
	"github.com/davarch/relpipe/internal/domain"
	"github.com/davarch/relpipe/internal/infrastructure/config"
	"github.com/davarch/relpipe/internal/infrastructure/githost_http"
	"github.com/davarch/relpipe/internal/infrastructure/metrics_prom"
	"github.com/davarch/relpipe/internal/infrastructure/notify_libnotify"
	"github.com/davarch/relpipe/internal/infrastructure/objectstore_minio"
	"github.com/davarch/relpipe/internal/infrastructure/report_fs"
	"github.com/davarch/relpipe/internal/infrastructure/shell_exec"
	"go.uber.org/zap"
)

func loadGraph(cfg config.Config) (*application.Graph, error) {
	specs, err := cfg.StageSpecs()
	if err != nil {
		return nil, err
	}
	return application.BuildGraph(specs)
}

func releaseHost(ctx context.Context, cfg config.Config) (domain.ReleaseHost, error) {
	if err := cfg.CheckRelease(); err != nil {
		return nil, err
	}

	switch cfg.Release.Host {
	case config.HostGitHub:
		return githost_http.New(cfg.GitHub.BaseURL, cfg.GitHub.Repository, cfg.GitHub.Token, cfg.GitHub.Timeout)
	case config.HostMinIO:
		h, err := objectstore_minio.New(objectstore_minio.Config{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			Prefix:    cfg.MinIO.Prefix,
			Region:    cfg.MinIO.Region,
			UseSSL:    cfg.MinIO.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := h.CheckBucket(ctx); err != nil {
			return nil, err
		}
		return h, nil
	}
	return nil, fmt.Errorf("unknown release host %q", cfg.Release.Host)
}

// newPipeline wires the configured adapters into a use case.
func newPipeline(ctx context.Context, log *zap.Logger, cfg config.Config, obs domain.RunObserver) (*application.PipelineUseCase, error) {
	g, err := loadGraph(cfg)
	if err != nil {
		return nil, err
	}

	host, err := releaseHost(ctx, cfg)
	if err != nil {
		return nil, err
	}

	exec := shell_exec.New(log)
	exec.Stream = os.Stderr

	return application.NewPipelineUseCase(
		log,
		g,
		exec,
		application.NewPublisher(log, host),
		notify_libnotify.NewSoft().With(notify_libnotify.Options{Expire: 10 * time.Second}),
		report_fs.New(cfg.Run.ReportPath),
		application.PipelineSettings{
			Repo:          cfg.Repository,
			ArtifactDir:   cfg.Run.ArtifactDir,
			ReleaseTitle:  cfg.Release.Title,
			GenerateNotes: cfg.Release.GenerateNotes,
			RunTimeout:    cfg.Run.Timeout,
		},
		application.RunnerOptions{
			MaxParallel: cfg.Run.MaxParallel,
			RetryDelay:  cfg.Run.RetryDelay,
			Observer:    obs,
		},
	), nil
}

// serveMetrics exposes the observer on addr until ctx is done. An empty
// addr disables the endpoint.
func serveMetrics(ctx context.Context, log *zap.Logger, addr string, obs *metrics_prom.Observer) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Info("metrics", zap.String("addr", addr))
}
