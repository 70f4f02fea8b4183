package cli

import (
	"github.com/spf13/cobra"

	"github.com/promptwheel/promptwheel/internal/hookcmd"
)

var hookCmd = &cobra.Command{
	Use:    "hook",
	Short:  "Host agent hook entry points",
	Hidden: true,
}

var hookPreToolUseCmd = &cobra.Command{
	Use:   "pre-tool-use",
	Short: "Gate a tool call against the active scope policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := projectRoot(cmd)
		if err != nil {
			return err
		}
		return hookcmd.PreToolUse(root, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

var hookStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Block the host from exiting while a session is mid-flight",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := projectRoot(cmd)
		if err != nil {
			return err
		}
		return hookcmd.Stop(root, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	addRepoFlag(hookPreToolUseCmd, hookStopCmd)
	hookCmd.AddCommand(hookPreToolUseCmd)
	hookCmd.AddCommand(hookStopCmd)
}
