package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/davarch/relpipe/internal/application"
	"github.com/davarch/relpipe/internal/domain"
	"github.com/davarch/relpipe/internal/infrastructure/config"
	"github.com/spf13/cobra"
)

var (
	listTag  string
	listJSON bool
)

type listRow struct {
	ID      string   `json:"id"`
	Needs   []string `json:"needs,omitempty"`
	Matrix  []string `json:"matrix,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
	Steps   []string `json:"steps,omitempty"`
	Outputs []string `json:"outputs,omitempty"`
	Publish bool     `json:"publish,omitempty"`
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stages, or expanded instances with --tag",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		var rows []listRow
		if listTag == "" {
			rows = stageRows(cfg)
		} else if rows, err = instanceRows(cfg, listTag); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if listJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(rows)
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		if listTag == "" {
			_, _ = fmt.Fprintln(w, "STAGE\tNEEDS\tMATRIX\tEXCLUDED\tPUBLISH")
			for _, r := range rows {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n",
					r.ID, dash(r.Needs), dash(r.Matrix), dash(r.Exclude), r.Publish)
			}
		} else {
			_, _ = fmt.Fprintln(w, "INSTANCE\tSTEPS\tOUTPUTS")
			for _, r := range rows {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", r.ID, strings.Join(r.Steps, "; "), dash(r.Outputs))
			}
		}
		_ = w.Flush()
		return nil
	},
}

func init() {
	listCmd.Flags().StringVar(&listTag, "tag", "", "expand instances for this tag")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print JSON")

	rootCmd.AddCommand(listCmd)
}

func stageRows(cfg config.Config) []listRow {
	rows := make([]listRow, 0, len(cfg.Stages))
	for _, s := range cfg.Stages {
		rows = append(rows, listRow{
			ID:      s.Name,
			Needs:   s.Needs,
			Matrix:  s.Matrix,
			Exclude: s.Exclude,
			Publish: s.Publish,
		})
	}
	return rows
}

func instanceRows(cfg config.Config, tag string) ([]listRow, error) {
	v, err := domain.ParseVersion(tag)
	if err != nil {
		return nil, err
	}
	g, err := loadGraph(cfg)
	if err != nil {
		return nil, err
	}

	vars := application.Vars{Repo: cfg.Repository, Version: v}
	var rows []listRow
	for _, layer := range g.Layers() {
		for _, name := range layer {
			spec, _ := g.Stage(name)
			insts, err := application.Expand(spec, vars)
			if err != nil {
				return nil, err
			}
			for _, in := range insts {
				steps := make([]string, 0, len(in.Steps))
				for _, s := range in.Steps {
					steps = append(steps, strings.Join(s, " "))
				}
				rows = append(rows, listRow{
					ID:      in.ID(),
					Needs:   spec.Needs,
					Steps:   steps,
					Outputs: in.Outputs,
					Publish: in.Publish,
				})
			}
		}
	}
	return rows, nil
}

func dash(v []string) string {
	if len(v) == 0 {
		return "-"
	}
	return strings.Join(v, ",")
}
