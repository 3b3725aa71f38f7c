package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newResolveCommand() *cobra.Command {
	var namespace string

	cmd := &cobra.Command{
		Use:   "resolve <package> <key>",
		Short: "Find the package answering for an entity",
		Long: `Find which package in the inheritance chain answers for an entity and
show its properties.

An entity belongs to a package when the package holds a file for it in the
namespace directory or declares properties for it in the namespace document.`,
		Example: `  # Which package provides a stylesheet
  strata resolve theme.12 css/site.css

  # Look in another namespace
  strata resolve theme.12 logo.png --namespace assets`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, closeFn, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := ws.Resolve(cmd.Context(), args[0], namespace, args[1])
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), res, func(out io.Writer) {
				if res.Owner == "" {
					fmt.Fprintf(out, "%s: not found in the chain of %s\n", res.Key, res.Package)
					return
				}
				fmt.Fprintf(out, "%s: %s\n", res.Key, res.Owner)
				if res.Path != "" {
					fmt.Fprintf(out, "  path: %s\n", res.Path)
				}
				writeProperties(out, "  ", res.Properties)
			})
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "resources", "entity namespace")

	return cmd
}
