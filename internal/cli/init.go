package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/promptwheel/promptwheel/internal/config"
	"github.com/promptwheel/promptwheel/internal/gitops"
	"github.com/promptwheel/promptwheel/internal/runlog"
	"github.com/promptwheel/promptwheel/internal/sector"
	"github.com/promptwheel/promptwheel/internal/ticket"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Scaffold .promptwheel/ and index the repository into sectors",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := projectRoot(cmd)
		if err != nil {
			return err
		}
		base := runlog.New(root).Base()

		dbPath, err := ticket.DefaultPath(base)
		if err != nil {
			return err
		}
		db, err := ticket.Open(dbPath)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			return err
		}

		git := gitops.NewController(&gitops.ExecGit{}, root)
		indexed, err := sector.BuildIndex(root, func() ([]string, error) {
			return git.ListTracked(cmd.Context(), root)
		})
		if err != nil {
			return fmt.Errorf("index sectors: %w", err)
		}
		sectors, err := sector.Load(base)
		if err != nil {
			return err
		}
		sectors.Merge(indexed)
		if err := sectors.Save(); err != nil {
			return err
		}

		if err := config.WriteDefaultFormula(base); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "initialized %s (%d sectors)\n", base, len(indexed))
		return nil
	},
}

func init() {
	addRepoFlag(initCmd)
}
