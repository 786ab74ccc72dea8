package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cchalm/codesmith/internal/chat"
)

var turnCmd = &cobra.Command{
	Use:   "turn <instruction>",
	Short: "Run a single instruction against the current code",
	Long: `Sends one instruction and the current code to the model, streams the reply to stdout
and saves the updated component if the reply contains one.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTurn,
}

func init() {
	rootCmd.AddCommand(turnCmd)
}

func runTurn(cmd *cobra.Command, args []string) error {
	ctx := setupContext()

	rt, err := newRuntime(ctx, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close runtime")
		}
	}()

	ctrl := chat.NewController("cli", rt.chatDeps(), chatOptions())
	out := cmd.OutOrStdout()
	result, err := ctrl.Submit(ctx, chat.TurnRequest{
		Instruction: strings.Join(args, " "),
		Observer: chat.Observer{
			OnFragment: func(text string) { fmt.Fprint(out, text) },
		},
	})
	fmt.Fprintln(out)
	if err != nil {
		return err
	}

	switch result.Outcome {
	case chat.OutcomeCommitted:
		fmt.Fprintf(os.Stderr, "code updated to version %d\n", result.Version)
	case chat.OutcomeNoCode:
		fmt.Fprintln(os.Stderr, "the reply contained no code block; code unchanged")
	}
	return nil
}
