package cmd

import (
	"github.com/spf13/cobra"

	"github.com/cchalm/codesmith/internal/chat"
	"github.com/cchalm/codesmith/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serves the modify-code, save-code and image endpoints used by the chat and preview
front end, plus a server-sent event feed of code changes and Prometheus metrics.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "Address to listen on")
	serveCmd.Flags().String("allowed-origin", "*", "Value of the Access-Control-Allow-Origin header")
	serveCmd.Flags().Bool("queue-turns", false, "Wait for a session's in-flight turn instead of rejecting new ones")
	bindFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	bindFlag("server.allowed_origin", serveCmd.Flags().Lookup("allowed-origin"))
	bindFlag("chat.queue_turns", serveCmd.Flags().Lookup("queue-turns"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
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

	srv, err := server.New(server.Deps{
		Registry:  chat.NewRegistry(rt.chatDeps(), chatOptions()),
		Slot:      rt.slot,
		Persister: rt.persister,
		Backend:   rt.backend,
		Metrics:   rt.metrics,
		Gatherer:  rt.registry,
		Logger:    logger,
	}, server.Config{
		AllowedOrigin:      cfg.Server.AllowedOrigin,
		ImageModel:         cfg.LLM.Model,
		ImageMaxTokens:     cfg.LLM.ImageMaxTokens,
		SessionIdleTimeout: cfg.Chat.SessionIdleTimeout,
		ShutdownTimeout:    cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		return err
	}

	logger.Info().
		Str("addr", cfg.Server.Addr).
		Str("model", cfg.LLM.Model).
		Msg("starting codesmith server")
	return srv.Run(ctx, cfg.Server.Addr)
}
