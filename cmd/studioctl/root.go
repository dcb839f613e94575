package main

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"studio/internal/client"
	"studio/internal/config"
)

type commandContext struct {
	server  string
	apiKey  string
	json    bool
	timeout time.Duration
}

func (c *commandContext) client() *client.Client {
	return client.New(strings.TrimSpace(c.server), client.WithAPIKey(c.apiKey))
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "studioctl",
		Short:         "Submit and inspect studio pipeline jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&ctx.server, "server", config.GetEnv("STUDIO_URL", "http://localhost:8080"), "Studio service URL")
	flags.StringVar(&ctx.apiKey, "api-key", os.Getenv("STUDIO_API_KEY"), "API key (defaults to $STUDIO_API_KEY)")
	flags.BoolVar(&ctx.json, "json", false, "Print JSON instead of tables")
	flags.DurationVar(&ctx.timeout, "timeout", 30*time.Minute, "How long --wait and wait poll before giving up")

	rootCmd.AddCommand(newSubmitCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newListCommand(ctx))
	rootCmd.AddCommand(newGetCommand(ctx))
	rootCmd.AddCommand(newAdvanceCommand(ctx))
	rootCmd.AddCommand(newWaitCommand(ctx))

	return rootCmd
}
