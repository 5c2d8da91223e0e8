package cli

import (
	"fmt"
	"strings"

	"github.com/davarch/relpipe/internal/infrastructure/config"
	"github.com/spf13/cobra"
)

var validateRelease bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check relpipe.yaml and print the stage layers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		g, err := loadGraph(cfg)
		if err != nil {
			return err
		}
		if validateRelease {
			if err := cfg.CheckRelease(); err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		for i, layer := range g.Layers() {
			_, _ = fmt.Fprintf(out, "%d: %s\n", i, strings.Join(layer, " "))
		}
		return nil
	},
}

func init() {
	validateCmd.Flags().BoolVar(&validateRelease, "release", false, "also check release host settings")

	rootCmd.AddCommand(validateCmd)
}
