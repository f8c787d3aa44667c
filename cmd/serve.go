package cmd

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/critic/internal/agents"
	"github.com/joescharf/critic/internal/api"
	"github.com/joescharf/critic/internal/github"
	"github.com/joescharf/critic/internal/llm"
	"github.com/joescharf/critic/internal/pipeline"
	"github.com/joescharf/critic/internal/vault"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook and configuration API server",
	Long: `Start the HTTP server that receives GitHub webhook deliveries and
serves the installation configuration API.

Required configuration:
  webhook.secret   (CRITIC_WEBHOOK_SECRET)   shared webhook secret
  encryption.key   (CRITIC_ENCRYPTION_KEY)   32-byte key, hex or base64
  github.token     (CRITIC_GITHUB_TOKEN)     token for GitHub API calls`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

		webhookSecret := viper.GetString("webhook.secret")
		if webhookSecret == "" {
			return fmt.Errorf("webhook.secret is not configured")
		}

		encKey, err := vault.ParseKey(viper.GetString("encryption.key"))
		if err != nil {
			return fmt.Errorf("encryption.key: %w", err)
		}
		v, err := vault.New(encKey)
		if err != nil {
			return fmt.Errorf("create vault: %w", err)
		}

		s, err := getStore()
		if err != nil {
			return err
		}

		registry, err := agents.NewRegistry()
		if err != nil {
			return fmt.Errorf("load agent registry: %w", err)
		}

		analyzer := llm.NewClient(viper.GetString("anthropic.model"))

		dispatchCfg := agents.DefaultConfig()
		dispatchCfg.AgentTimeout = viper.GetDuration("review.agent_timeout")
		dispatchCfg.RetryAttempts = viper.GetInt("review.retry_attempts")
		dispatcher := agents.NewDispatcher(registry, analyzer, dispatchCfg, logger)

		gh := github.NewRESTClient(github.StaticTokenSource(viper.GetString("github.token")))

		pipeCfg := pipeline.DefaultConfig()
		pipeCfg.RunTimeout = viper.GetDuration("review.run_timeout")
		pipeCfg.MaxFindings = viper.GetInt("review.max_findings")
		runner := pipeline.NewRunner(s, v, dispatcher, gh, pipeCfg, logger)

		srv := api.NewServer(s, v, runner, []byte(webhookSecret), logger)

		addr := fmt.Sprintf(":%d", viper.GetInt("port"))
		logger.Info("critic listening", "addr", addr)
		return http.ListenAndServe(addr, srv.Router())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
}
