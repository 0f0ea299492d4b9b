package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/c360studio/semwatch/config"
)

func configCmd(flags *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}
	cmd.AddCommand(configInitCmd(flags, stdout, stderr))
	return cmd
}

func configInitCmd(flags *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	var project bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the defaults",
		Long: `init writes the default configuration to the user config file
(~/.config/semwatch/config.yaml), or with --project to semwatch.yaml in the
current directory. An existing file is never overwritten.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader(newLogger(flags.logLevel, stderr))

			ensure := loader.EnsureUserConfig
			if project {
				ensure = loader.EnsureProjectConfig
			}
			path, created, err := ensure()
			if err != nil {
				return fmt.Errorf("init config: %w", err)
			}

			if created {
				fmt.Fprintf(stdout, "Wrote %s\n", path)
			} else {
				fmt.Fprintf(stdout, "%s already exists\n", path)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&project, "project", false, "Write semwatch.yaml in the current directory instead")
	return cmd
}
