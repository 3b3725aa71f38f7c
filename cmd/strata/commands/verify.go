package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <package>",
		Short: "Check package files against the package checksums",
		Long: `Compare the files listed in the package's checksums file with their
SHA-512 digests. Files not listed are ignored.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, closeFn, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			v, err := ws.Verify(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if v == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s has no checksums file\n", args[0])
				return nil
			}

			if err := printResult(cmd.OutOrStdout(), v, func(out io.Writer) {
				for _, p := range v.Changed {
					fmt.Fprintf(out, "changed: %s\n", p)
				}
				for _, p := range v.Missing {
					fmt.Fprintf(out, "missing: %s\n", p)
				}
				if v.OK() {
					fmt.Fprintln(out, "OK")
				}
			}); err != nil {
				return err
			}
			return v.Err()
		},
	}
}
