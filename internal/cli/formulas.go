package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/promptwheel/promptwheel/internal/config"
	"github.com/promptwheel/promptwheel/internal/runlog"
)

var formulasCmd = &cobra.Command{
	Use:   "formulas",
	Short: "List available session formulas",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := projectRoot(cmd)
		if err != nil {
			return err
		}
		formulas := config.ListFormulas(runlog.New(root).Base())
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return printJSON(cmd.OutOrStdout(), formulas)
		}
		w := cmd.OutOrStdout()
		for _, f := range formulas {
			fmt.Fprintf(w, "%-12s %s\n", f.Name, f.Description)
		}
		return nil
	},
}

func init() {
	formulasCmd.Flags().String("format", "text", "Output format: text or json")
	addRepoFlag(formulasCmd)
}
