package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cchalm/codesmith/internal/chat"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long: `Reads instructions from stdin, one per line, and runs each as a turn of a single
conversation. Type /code to print the current code, /save <file> to write the
conversation as markdown and /quit to leave.`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
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
	session := chatSession{
		current:    func() (string, bool) { return rt.slot.Get() },
		transcript: ctrl.Transcript,
	}
	session.submit = func(instruction string) error {
		_, err := ctrl.Submit(ctx, chat.TurnRequest{
			Instruction: instruction,
			Observer: chat.Observer{
				OnFragment: func(text string) { fmt.Fprint(cmd.OutOrStdout(), text) },
				OnCommit: func(_ string, version uint64) {
					fmt.Fprintf(cmd.ErrOrStderr(), "\n[code updated to version %d]", version)
				},
			},
		})
		return err
	}
	return session.loop(cmd.InOrStdin(), cmd.OutOrStdout())
}

// chatSession is the interactive loop's view of a controller
type chatSession struct {
	submit     func(instruction string) error
	current    func() (string, bool)
	transcript func() (string, error)
}

// loop reads instructions from in until EOF or /quit. A failed turn is reported and the loop continues, unless the
// failure is the context ending
func (cs chatSession) loop(in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit", line == "/exit":
			return nil
		case line == "/code":
			if code, ok := cs.current(); ok {
				fmt.Fprintln(out, code)
			} else {
				fmt.Fprintln(out, "(no code yet)")
			}
		case strings.HasPrefix(line, "/save "):
			path := strings.TrimSpace(strings.TrimPrefix(line, "/save "))
			if err := cs.save(path); err != nil {
				fmt.Fprintln(out, err)
			} else {
				fmt.Fprintf(out, "conversation written to %s\n", path)
			}
		default:
			err := cs.submit(line)
			fmt.Fprintln(out)
			var turnErr *chat.TurnError
			switch {
			case err == nil:
			case errors.As(err, &turnErr) && !errors.Is(turnErr.Err, context.Canceled):
				fmt.Fprintf(out, "%s (%v)\n", chat.FallbackMessage, err)
			default:
				return err
			}
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

func (cs chatSession) save(path string) error {
	md, err := cs.transcript()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(md), 0o644); err != nil {
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	return nil
}
