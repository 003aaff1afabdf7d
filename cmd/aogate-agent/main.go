package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/aogate/aogate/internal/agent"
)

func main() {
	// Set up logging
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	// Load configuration
	cfg, err := agent.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("shutting down...")
		cancel()
	}()

	// First run: no token yet, park on the pending endpoint until a user
	// authorizes this agent.
	if cfg.Token == "" {
		cred, err := agent.RequestToken(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("authorization failed")
		}
		cfg.Token = cred.Token
		cfg.ClientID = cred.ClientID
		log.Info().
			Str("client_id", cred.ClientID).
			Msg("token granted; set AOGATE_AGENT_TOKEN and AOGATE_AGENT_CLIENT_ID to skip authorization next time")
	}

	a := agent.New(*cfg, log, handleRequest)
	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("agent error")
	}
	_ = a.Close()
}

// handleRequest answers forwarded requests. Only the echo action is built in;
// real deployments wrap their own handler around the agent package.
func handleRequest(_ context.Context, action string, payload json.RawMessage) (json.RawMessage, error) {
	switch action {
	case "echo":
		return json.Marshal(map[string]any{"echo": payload})
	default:
		return json.Marshal(map[string]any{"error": true, "message": "unsupported action: " + action})
	}
}
