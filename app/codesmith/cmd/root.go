package cmd

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cchalm/codesmith/internal/config"
	"github.com/cchalm/codesmith/internal/logging"
)

var (
	v          = viper.New()
	configFile string
	cfg        config.Config
	logger     = zerolog.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "codesmith",
	Short: "Edit a React component by chatting with a language model",
	Long: `Codesmith keeps a single generated React component and lets you change it through
natural-language instructions. Each instruction is sent to the model together with the
current code; the updated component is extracted from the streamed reply and saved as
the new current version.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadRootConfig,
}

func Execute() error {
	return rootCmd.Execute()
}

func loadRootConfig(_ *cobra.Command, _ []string) error {
	// Load .env file
	envErr := godotenv.Load()
	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env file: %w", envErr)
	}

	var err error
	cfg, err = config.Load(v, configFile)
	if err != nil {
		return err
	}
	logger = logging.New(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	if envErr != nil {
		logger.Debug().Msg("no .env file found, using environment variables")
	}
	return nil
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Path to a config file (yaml, toml or json)")
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
	flags.Bool("log-pretty", false, "Human-readable log output")
	flags.String("store", "memory", "Code store backend: memory, env, file, libsql or gist")
	flags.String("store-path", "", "File path for the file backend")
	flags.String("store-dsn", "", "Database DSN for the libsql backend")
	flags.String("gist-id", "", "Gist id for the gist backend")
	flags.String("model", "", "Model name")

	bindFlag("log.level", flags.Lookup("log-level"))
	bindFlag("log.pretty", flags.Lookup("log-pretty"))
	bindFlag("store.backend", flags.Lookup("store"))
	bindFlag("store.path", flags.Lookup("store-path"))
	bindFlag("store.dsn", flags.Lookup("store-dsn"))
	bindFlag("store.gist_id", flags.Lookup("gist-id"))
	bindFlag("llm.model", flags.Lookup("model"))
}
