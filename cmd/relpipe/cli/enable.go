package cli

import (
	"fmt"
	"strings"

	"github.com/davarch/relpipe/internal/infrastructure/config"
	"github.com/spf13/cobra"
)

var enableCmd = &cobra.Command{
	Use:               "enable <stage> <axis>",
	Short:             "Re-enable a matrix value in relpipe.yaml",
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: completeAxis,
	RunE: func(cmd *cobra.Command, args []string) error {
		return setExcluded(cmd, args[0], args[1], false)
	},
}

func init() {
	rootCmd.AddCommand(enableCmd)
}

func setExcluded(cmd *cobra.Command, stage, axis string, excluded bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	changed, err := cfg.SetExcluded(stage, axis, excluded)
	if err != nil {
		return err
	}

	state := "enabled"
	if excluded {
		state = "disabled"
	}
	if !changed {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "no change (%s/%s already %s)\n", stage, axis, state)
		return nil
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s/%s\n", state, stage, axis)
	return nil
}

// completeAxis completes matrix stages for the first argument and their
// matrix values for the second.
func completeAxis(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	var out []string
	for _, s := range cfg.Stages {
		if len(s.Matrix) == 0 {
			continue
		}
		switch len(args) {
		case 0:
			if strings.HasPrefix(s.Name, toComplete) {
				out = append(out, s.Name)
			}
		case 1:
			if s.Name != args[0] {
				continue
			}
			for _, v := range s.Matrix {
				if strings.HasPrefix(v, toComplete) {
					out = append(out, v)
				}
			}
		}
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}
