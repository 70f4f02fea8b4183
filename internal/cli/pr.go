package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/promptwheel/promptwheel/internal/forge"
	"github.com/promptwheel/promptwheel/internal/gitops"
	"github.com/promptwheel/promptwheel/internal/ticket"
)

var prCmd = &cobra.Command{
	Use:   "pr <ticket-id>",
	Short: "Push a ticket's branch and open its pull request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := projectRoot(cmd)
		if err != nil {
			return err
		}
		db, _, cleanup, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		t, err := db.Get(args[0])
		if err != nil {
			return err
		}
		if t.Branch == "" {
			return fmt.Errorf("ticket %s has no branch; nothing to publish", t.ID)
		}
		if t.PRURL != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "%s already has a PR: %s\n", t.ID, t.PRURL)
			return nil
		}

		git := gitops.NewController(&gitops.ExecGit{}, root)
		if err := git.Push(cmd.Context(), root, "origin", t.Branch); err != nil {
			return err
		}

		client := forge.NewClient(&forge.ExecRunner{})
		if existing, err := client.FindPRByBranch(t.Branch); err == nil && existing != nil {
			if err := db.SetPRURL(t.ID, existing.URL); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), existing.URL)
			return nil
		}

		draft, _ := cmd.Flags().GetBool("draft")
		base, _ := cmd.Flags().GetString("base")
		res, err := client.CreatePR(forge.PRCreateOpts{
			Title:  t.Title,
			Body:   prBody(t),
			Branch: t.Branch,
			Base:   base,
			Draft:  draft,
		})
		if err != nil {
			return err
		}
		if err := db.SetPRURL(t.ID, res.URL); err != nil {
			return err
		}
		if err := db.SetStatus(t.ID, ticket.StatusInReview, "", "PR opened via solo pr"); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.URL)
		return nil
	},
}

func prBody(t *ticket.Ticket) string {
	var b strings.Builder
	b.WriteString(t.Description)
	if t.RollbackNote != "" {
		b.WriteString("\n\n## Rollback\n")
		b.WriteString(t.RollbackNote)
	}
	if len(t.VerificationCommands) > 0 {
		b.WriteString("\n\n## Verification\n")
		for _, c := range t.VerificationCommands {
			fmt.Fprintf(&b, "- `%s`\n", c)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func init() {
	prCmd.Flags().Bool("draft", false, "Open the PR as a draft")
	prCmd.Flags().String("base", "main", "Base branch for the PR")
	addRepoFlag(prCmd)
}
