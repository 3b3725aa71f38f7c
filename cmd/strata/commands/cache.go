package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the resolution caches",
	}

	cmd.AddCommand(newCacheBuildCommand())
	cmd.AddCommand(newCacheClearCommand())

	return cmd
}

func newCacheBuildCommand() *cobra.Command {
	var namespace string

	cmd := &cobra.Command{
		Use:   "build <package>...",
		Short: "Rebuild the caches of packages",
		Example: `  # Warm every namespace of two themes
  strata cache build theme.1 theme.2`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, closeFn, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			for _, name := range args {
				if err := ws.BuildCache(cmd.Context(), name, namespace); err != nil {
					return err
				}
				log.Info().Str("package", name).Msg("Cache built")
			}
			return ws.Commit()
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "namespace to build (default all)")

	return cmd
}

func newCacheClearCommand() *cobra.Command {
	var namespace string

	cmd := &cobra.Command{
		Use:   "clear <package>...",
		Short: "Discard the caches of packages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, closeFn, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			for _, name := range args {
				if err := ws.ClearCache(cmd.Context(), name, namespace); err != nil {
					return err
				}
				log.Info().Str("package", name).Msg("Cache cleared")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "namespace to clear (default all)")

	return cmd
}
