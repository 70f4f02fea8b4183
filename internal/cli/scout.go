package cli

import (
	"github.com/spf13/cobra"
)

var scoutCmd = &cobra.Command{
	Use:   "scout",
	Short: "Start a session and print the first scout prompt",
	Long: `Starts a session over the repository and advances it once, printing the
advance result as JSON. The agent host feeds the prompt to the agent and
reports back through "solo session event" / "solo session advance".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		if _, err := startSession(cmd, e); err != nil {
			return err
		}
		res, err := e.Advance(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	addSessionFlags(scoutCmd)
	addRepoFlag(scoutCmd)
}
