package cmd

import (
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cchalm/codesmith/internal/ai"
)

var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Generate the component from a screenshot or mockup",
	Long: `Sends an image and a prompt to the model and saves the returned component as the new
current code.`,
	RunE: runImage,
}

var (
	imageFile   string
	imagePrompt string
	imageDryRun bool
)

func init() {
	imageCmd.Flags().StringVar(&imageFile, "file", "", "Image file (png, jpeg, gif or webp)")
	imageCmd.Flags().StringVar(&imagePrompt, "prompt", "Write a single-file React component that reproduces this design. Return only the code.", "Prompt sent with the image")
	imageCmd.Flags().BoolVar(&imageDryRun, "dry-run", false, "Print the generated code without saving it")
	_ = imageCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(imageCmd)
}

func runImage(cmd *cobra.Command, args []string) error {
	ctx := setupContext()

	data, err := os.ReadFile(imageFile)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}
	mediaType := mime.TypeByExtension(filepath.Ext(imageFile))
	if mediaType == "" {
		mediaType = "image/png"
	}

	rt, err := newRuntime(ctx, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	text, err := rt.backend.DescribeImage(ctx, ai.ImageRequest{
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.ImageMaxTokens,
		MediaType: mediaType,
		ImageData: base64.StdEncoding.EncodeToString(data),
		Prompt:    imagePrompt,
	})
	if err != nil {
		return err
	}
	code := ai.StripCodeFence(text)
	fmt.Fprintln(cmd.OutOrStdout(), code)

	if imageDryRun {
		return nil
	}
	return rt.setCode(ctx, code)
}
