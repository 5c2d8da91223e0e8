package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/davarch/relpipe/internal/domain"
	"github.com/davarch/relpipe/internal/infrastructure/config"
	"github.com/davarch/relpipe/internal/infrastructure/logging"
	"github.com/davarch/relpipe/internal/infrastructure/metrics_prom"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	runTag         string
	runCommit      string
	runMetricsAddr string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline once for a tag",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logging.New()
		defer func() { _ = log.Sync() }()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		obs := metrics_prom.New()
		serveMetrics(ctx, log, runMetricsAddr, obs)

		uc, err := newPipeline(ctx, log, cfg, obs)
		if err != nil {
			return err
		}

		commit := runCommit
		if commit == "" {
			commit = os.Getenv("GITHUB_SHA")
		}

		log.Info("start",
			zap.String("version", version),
			zap.String("tag", runTag),
			zap.String("repository", cfg.Repository),
			zap.String("host", cfg.Release.Host),
			zap.Int("max_parallel", cfg.Run.MaxParallel),
		)

		rep, err := uc.Execute(ctx, domain.Trigger{Tag: domain.Version(runTag), Commit: commit})
		if rep.Release != nil {
			log.Info("release", zap.String("url", rep.Release.URL))
		}
		return err
	},
}

func init() {
	runCmd.Flags().StringVar(&runTag, "tag", "", "release tag, e.g. v1.2.0")
	runCmd.Flags().StringVar(&runCommit, "commit", "", "commit id (defaults to $GITHUB_SHA)")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "serve /metrics on this address")
	_ = runCmd.MarkFlagRequired("tag")

	rootCmd.AddCommand(runCmd)
}
