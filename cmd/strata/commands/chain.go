package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/strata/pkg/engine"
)

func newChainCommand() *cobra.Command {
	return newListCommand("chain <package>", "Show the inheritance chain of a package",
		`Show the package followed by its ancestors, closest first.

The chain is the order in which packages are asked for an entity: the
first package holding it answers for it.`,
		`  # Chain of a board theme
  strata chain theme.12`,
		func(ctx context.Context, ws *engine.Workspace, name string) ([]string, error) {
			return ws.Chain(ctx, name)
		})
}

func newAncestorsCommand() *cobra.Command {
	return newListCommand("ancestors <package>", "List the ancestors of a package",
		`List every package the given package inherits from, closest first.`,
		`  strata ancestors theme.12`,
		func(ctx context.Context, ws *engine.Workspace, name string) ([]string, error) {
			return ws.Ancestors(ctx, name)
		})
}

func newDescendantsCommand() *cobra.Command {
	return newListCommand("descendants <package>", "List the packages inheriting from a package",
		`List every package inheriting from the given package, directly or not.
Each direct descendant is followed by its own descendants.`,
		`  strata descendants core.base`,
		func(ctx context.Context, ws *engine.Workspace, name string) ([]string, error) {
			return ws.Descendants(ctx, name)
		})
}

func newListCommand(use, short, long, example string,
	list func(ctx context.Context, ws *engine.Workspace, name string) ([]string, error),
) *cobra.Command {
	return &cobra.Command{
		Use:     use,
		Short:   short,
		Long:    long,
		Example: example,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, closeFn, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			names, err := list(cmd.Context(), ws, args[0])
			if err != nil {
				return err
			}
			if names == nil {
				names = []string{}
			}
			return printResult(cmd.OutOrStdout(), names, func(out io.Writer) {
				for i, n := range names {
					fmt.Fprintf(out, "%d. %s\n", i+1, n)
				}
			})
		},
	}
}

func newPackagesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "packages",
		Short: "List the packages of the workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, closeFn, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			names, err := ws.Packages(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), names, func(out io.Writer) {
				for _, n := range names {
					fmt.Fprintln(out, n)
				}
			})
		},
	}
}

func newGraphCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "graph <package>",
		Short: "Render the inheritance graph of a package in DOT format",
		Example: `  # Render with graphviz
  strata graph theme.12 | dot -Tsvg > theme.12.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, closeFn, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			dot, err := ws.Graph(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), dot)
			return err
		},
	}
}
