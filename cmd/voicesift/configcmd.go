package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voicesift/internal/app"
	"github.com/MrWong99/voicesift/internal/config"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration and providers",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "check",
			Short: "Validate a configuration file and build its providers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return configCheck(cmd.OutOrStdout(), opts.configPath)
			},
		},
		&cobra.Command{
			Use:   "providers",
			Short: "List built-in providers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return listProviders(cmd.OutOrStdout())
			},
		},
	)
	return cmd
}

// configCheck loads path, validates it and constructs every configured
// provider so that unknown names and bad options surface before serve.
func configCheck(w io.Writer, path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	if _, err := app.BuildProviders(cfg, reg); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	fmt.Fprintln(w, summaryTitle.Render(path+": OK"))
	fmt.Fprintln(w, startupSummary(cfg))
	return nil
}

func listProviders(w io.Writer) error {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	for _, kind := range []string{"vad", "converter", "upload"} {
		if _, err := fmt.Fprintf(w, "%s%s\n", summaryKey.Render(kind), strings.Join(reg.Names(kind), ", ")); err != nil {
			return err
		}
	}
	return nil
}
