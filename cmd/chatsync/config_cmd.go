package main

import (
	"github.com/spf13/cobra"
)

func newConfigCommand() *cobra.Command {
	var validate bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if validate {
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			out, err := cfg.Redacted().YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().BoolVar(&validate, "validate", false, "fail when the configuration is invalid")
	return cmd
}
