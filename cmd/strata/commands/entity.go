package commands

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/strata/pkg/fault"
)

func newEntityCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entity",
		Short: "Read and write entity properties",
	}

	cmd.AddCommand(newEntityGetCommand())
	cmd.AddCommand(newEntitySetCommand())
	cmd.AddCommand(newEntityListCommand())

	return cmd
}

func newEntityGetCommand() *cobra.Command {
	var namespace string

	cmd := &cobra.Command{
		Use:   "get <package> <key>",
		Short: "Show the properties of an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, closeFn, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			props, err := ws.EntityProperties(cmd.Context(), args[0], namespace, args[1])
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

func newEntitySetCommand() *cobra.Command {
	var namespace string

	cmd := &cobra.Command{
		Use:   "set <package> <key> <json-object>",
		Short: "Merge properties into an entity of a package",
		Long: `Merge a JSON object over the entity's own properties. Keys set to null are
removed.`,
		Example: `  strata entity set theme.12 css/site.css '{"media": "screen"}'`,
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data map[string]any
			if err := json.Unmarshal([]byte(args[2]), &data); err != nil {
				return fault.NewUsageError("entity properties must be a JSON object", err).
					WithCode(fault.CodeMalformed)
			}

			ws, closeFn, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			return ws.SetEntityProperties(cmd.Context(), args[0], namespace, args[1], data)
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "resources", "entity namespace")

	return cmd
}

func newEntityListCommand() *cobra.Command {
	var namespace string

	cmd := &cobra.Command{
		Use:   "list <package>",
		Short: "List every entity visible from a package and its owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, closeFn, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			entities, err := ws.Entities(cmd.Context(), args[0], namespace)
			if err != nil {
				return err
			}
			owners := make(map[string]any, len(entities))
			for k, v := range entities {
				owners[k] = v
			}
			return printResult(cmd.OutOrStdout(), entities, func(out io.Writer) {
				writeProperties(out, "", owners)
			})
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "resources", "entity namespace")

	return cmd
}
