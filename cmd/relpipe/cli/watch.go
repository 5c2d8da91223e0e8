package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/davarch/relpipe/internal/application"
	"github.com/davarch/relpipe/internal/domain"
	"github.com/davarch/relpipe/internal/infrastructure/config"
	"github.com/davarch/relpipe/internal/infrastructure/logging"
	"github.com/davarch/relpipe/internal/infrastructure/metrics_prom"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const triggerDebounce = 300 * time.Millisecond

var (
	watchTrigger     string
	watchMetricsAddr string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the pipeline whenever the trigger file names a newer tag",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logging.New()
		defer func() { _ = log.Sync() }()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		path := watchTrigger
		if path == "" {
			path = cfg.Run.TriggerFile
		}
		if path == "" {
			return errors.New("no trigger file (--trigger or run.trigger_file)")
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		obs := metrics_prom.New()
		serveMetrics(ctx, log, watchMetricsAddr, obs)

		uc, err := newPipeline(ctx, log, cfg, obs)
		if err != nil {
			return err
		}

		triggers := make(chan domain.Trigger)
		if err := watchTriggerFile(ctx, log, path, triggers); err != nil {
			return err
		}

		log.Info("watching",
			zap.String("version", version),
			zap.String("trigger_file", path),
			zap.String("pause_file", cfg.Run.PauseFile),
			zap.String("repository", cfg.Repository),
		)
		application.NewSupervisor(log, uc, cfg.Run.PauseFile).Run(ctx, triggers)
		return nil
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchTrigger, "trigger", "", "trigger file containing \"<tag> [commit]\"")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve /metrics on this address")

	rootCmd.AddCommand(watchCmd)
}

// watchTriggerFile sends the parsed trigger file contents on out after each
// burst of writes settles. The directory is watched so that editors which
// replace the file are seen too.
func watchTriggerFile(ctx context.Context, log *zap.Logger, path string, out chan<- domain.Trigger) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify init: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	fire := func() {
		b, err := os.ReadFile(path)
		if err != nil {
			log.Warn("trigger read failed", zap.String("path", path), zap.Error(err))
			return
		}
		trig, err := parseTrigger(string(b))
		if err != nil {
			log.Warn("trigger ignored", zap.Error(err))
			return
		}
		select {
		case out <- trig:
		case <-ctx.Done():
		}
	}

	go func() {
		defer func() { _ = w.Close() }()

		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.AfterFunc(triggerDebounce, fire)
				} else {
					timer.Reset(triggerDebounce)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("fsnotify error", zap.Error(err))
			}
		}
	}()
	return nil
}

// parseTrigger reads the first non-empty, non-comment line as
// "<tag> [commit]".
func parseTrigger(s string) (domain.Trigger, error) {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		f := strings.Fields(line)
		if len(f) > 2 {
			return domain.Trigger{}, fmt.Errorf("trigger line %q: want \"<tag> [commit]\"", line)
		}
		v, err := domain.ParseVersion(f[0])
		if err != nil {
			return domain.Trigger{}, err
		}
		t := domain.Trigger{Tag: v}
		if len(f) == 2 {
			t.Commit = f[1]
		}
		return t, nil
	}
	return domain.Trigger{}, errors.New("trigger file is empty")
}
