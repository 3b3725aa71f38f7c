package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/facette/natsort"
	"github.com/spf13/cobra"
)

func newPropsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "props",
		Short: "Read and write shared package properties",
		Long: `Shared properties apply to a whole namespace of a package. Reading merges
them over the package's ancestors, closest first.`,
	}

	cmd.AddCommand(newPropsGetCommand())
	cmd.AddCommand(newPropsSetCommand())

	return cmd
}

func newPropsGetCommand() *cobra.Command {
	var namespace string

	cmd := &cobra.Command{
		Use:   "get <package> [key]",
		Short: "Show merged shared properties",
		Example: `  strata props get theme.12
  strata props get theme.12 color`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, closeFn, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			if len(args) == 2 {
				v, err := ws.SharedProperty(cmd.Context(), args[0], namespace, args[1])
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), v, func(out io.Writer) {
					fmt.Fprintln(out, formatValue(v))
				})
			}

			props, err := ws.SharedProperties(cmd.Context(), args[0], namespace)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), props, func(out io.Writer) {
				writeProperties(out, "", props)
			})
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "resources", "entity namespace")

	return cmd
}

func newPropsSetCommand() *cobra.Command {
	var namespace string

	cmd := &cobra.Command{
		Use:   "set <package> <key> <value>",
		Short: "Write a shared property of a package",
		Long: `Write a shared property to the package's own property document. The value
is parsed as JSON when possible and stored as a string otherwise; null
removes the property.`,
		Example: `  strata props set theme.12 color '"blue"'
  strata props set theme.12 inherits false`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, closeFn, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			return ws.SetSharedProperty(cmd.Context(), args[0], namespace, args[1], parseValue(args[2]))
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "resources", "entity namespace")

	return cmd
}

func writeProperties(out io.Writer, indent string, props map[string]any) {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	natsort.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "%s%s = %s\n", indent, k, formatValue(props[k]))
	}
}

func formatValue(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
