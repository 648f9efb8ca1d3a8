package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newProcessorsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "processors",
		Short: "List the available algorithm types",
		Long:  "List the built-in algorithm types and the WebAssembly processors named in the configuration.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			registry, release, err := newProcessors(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer release()

			names := registry.Names()
			if jsonOutput {
				return printJSON(names)
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}
}
