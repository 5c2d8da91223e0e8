package cli

import "github.com/spf13/cobra"

var disableCmd = &cobra.Command{
	Use:               "disable <stage> <axis>",
	Short:             "Exclude a matrix value in relpipe.yaml",
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: completeAxis,
	RunE: func(cmd *cobra.Command, args []string) error {
		return setExcluded(cmd, args[0], args[1], true)
	},
}

func init() {
	rootCmd.AddCommand(disableCmd)
}
