package commands

import (
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/strata/pkg/engine"
)

func newWatchCommand() *cobra.Command {
	var (
		delay   time.Duration
		build   []string
		metrics bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Invalidate caches when package files change",
		Long: `Watch the packages directory and invalidate the caches of a package and
its descendants whenever one of its files changes. Packages given with
--build are rebuilt after each invalidation affecting them.

With --metrics the Prometheus metrics are served on the configured
listen address until the command stops.`,
		Example: `  # Keep two themes warm
  strata watch --build theme.1 --build theme.2

  # Serve metrics while watching
  strata watch --metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			ws, closeFn, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			if metrics {
				srv := ws.Telemetry().Metrics.StartMetricsServer(func(err error) {
					log.Error().Err(err).Msg("Metrics server failed")
				})
				defer func() {
					if err := srv.Close(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error().Err(err).Msg("Failed to stop metrics server")
					}
				}()
			}

			watcher := ws.NewWatcher(engine.WatchOptions{
				Delay:    delay,
				Policies: ws.Config().Policy.Watch,
				OnInvalidate: func(name string, affected []string, err error) {
					if err != nil {
						return
					}
					for _, b := range build {
						for _, a := range affected {
							if a != b {
								continue
							}
							if err := ws.BuildCache(ctx, b, ""); err != nil {
								log.Error().Err(err).Str("package", b).Msg("Failed to rebuild cache")
							} else if err := ws.Commit(); err != nil {
								log.Error().Err(err).Msg("Failed to save caches")
							}
						}
					}
				},
			})
			if err := watcher.Start(ctx); err != nil {
				return err
			}
			defer func() { _ = watcher.Stop() }()

			log.Info().Str("root", ws.Config().Root).Msg("Watching packages, press Ctrl+C to stop")
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().DurationVar(&delay, "delay", engine.DefaultWatchDelay, "wait for further changes before invalidating")
	cmd.Flags().StringArrayVar(&build, "build", nil, "package to rebuild after invalidation (repeatable)")
	cmd.Flags().BoolVar(&metrics, "metrics", false, "serve Prometheus metrics")

	return cmd
}
