// cmd/chaos/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"librashelf/internal/chaos"
	"librashelf/internal/clients"
	"librashelf/internal/config"
)

func main() {
	var (
		baseURL string
		race    = chaos.DefaultRace
		pause   time.Duration
	)

	cmd := &cobra.Command{
		Use:          "chaos",
		Short:        "Run consistency experiments against a running librashelf server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			engine := chaos.NewEngine(logger)
			engine.RegisterExperiments(clients.NewClient(baseURL), race)

			held, err := engine.ExecuteGameDay(ctx, chaos.GameDay{
				Name:      "Consistency Game Day",
				Date:      time.Now(),
				Scenarios: engine.Experiments(),
				Pause:     pause,
			})
			if err != nil {
				return err
			}
			if !held {
				return errHypothesisViolated
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", config.GetEnv("LIBRASHELF_URL", "http://localhost:8080"), "server base URL")
	cmd.Flags().IntVar(&race.Copies, "copies", race.Copies, "copies seeded per experiment")
	cmd.Flags().IntVar(&race.Borrowers, "borrowers", race.Borrowers, "concurrent borrowers per experiment")
	cmd.Flags().DurationVar(&race.Duration, "duration", race.Duration, "observation bound per experiment")
	cmd.Flags().DurationVar(&pause, "pause", 2*time.Second, "pause between experiments")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

var errHypothesisViolated = errors.New("at least one hypothesis was violated")
