package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/cchalm/codesmith/internal/codestore"
)

var codeCmd = &cobra.Command{
	Use:   "code",
	Short: "Read or replace the saved code",
}

var codeGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the saved code",
	RunE:  runCodeGet,
}

var codeSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Replace the saved code with the contents of a file",
	RunE:  runCodeSet,
}

var codeSetFile string

func init() {
	codeSetCmd.Flags().StringVar(&codeSetFile, "file", "", "File to read the code from, or - for stdin")
	_ = codeSetCmd.MarkFlagRequired("file")

	codeCmd.AddCommand(codeGetCmd, codeSetCmd)
	rootCmd.AddCommand(codeCmd)
}

func runCodeGet(cmd *cobra.Command, args []string) error {
	ctx := setupContext()

	rt, err := newRuntime(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	code, ok := rt.slot.Get()
	if !ok {
		return codestore.ErrNotFound
	}
	fmt.Fprintln(cmd.OutOrStdout(), code)
	return nil
}

func runCodeSet(cmd *cobra.Command, args []string) error {
	ctx := setupContext()

	code, err := readInput(cmd.InOrStdin(), codeSetFile)
	if err != nil {
		return err
	}

	rt, err := newRuntime(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.setCode(ctx, code); err != nil {
		if errors.Is(err, codestore.ErrEmptyCode) {
			return fmt.Errorf("'%s' contains no code", codeSetFile)
		}
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "saved %d bytes\n", len(code))
	return nil
}

func readInput(stdin io.Reader, path string) (string, error) {
	var b []byte
	var err error
	if path == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read '%s': %w", path, err)
	}
	return string(b), nil
}
