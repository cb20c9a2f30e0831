package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lifeline-app/lifeline/internal/assist"
)

var chatCmd = &cobra.Command{
	Use:   "chat <message...>",
	Short: "Ask the safety advisor a question",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reply, err := assist.NewAdvisor(cfg.Assist).Chat(cmd.Context(), strings.Join(args, " "), nil)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), reply.Response)
		if len(reply.Suggestions) > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "suggestions: %s\n", strings.Join(reply.Suggestions, ", "))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
}
