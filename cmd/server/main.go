// Command server is the process entrypoint: it builds the root logger and
// config, wires an env-backed CredentialStore and the NSE calendar, hands
// both to a Supervisor, and runs until an interrupt asks it to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/marketstream/internal/calendar"
	"github.com/aristath/marketstream/internal/config"
	"github.com/aristath/marketstream/internal/domain"
	"github.com/aristath/marketstream/internal/registry"
	"github.com/aristath/marketstream/internal/supervisor"
	"github.com/aristath/marketstream/pkg/logger"
)

func main() {
	log := logger.New(logger.Config{Level: os.Getenv("LOG_LEVEL"), Pretty: os.Getenv("LOG_PRETTY") != "false"})

	log.Info().Msg("starting marketstream")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("failed to create data directory")
	}

	cal := calendar.NewNSECalendar(
		calendar.Window{
			Code:     "NSE",
			Timezone: mustLoadLocation("Asia/Kolkata"),
			Hours:    calendar.TradingHours{OpenHour: 9, OpenMinute: 15, CloseHour: 15, CloseMinute: 30},
		},
		calendar.NewRuleBasedHolidaySource(calendar.NSEHolidayRules()),
		nil,
	)

	sup, err := supervisor.New(cfg, cal, envCredentialStore{}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to assemble supervisor")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start supervisor")
	}

	go func() {
		if err := sup.AdminServer().ListenAndServe(); err != nil {
			log.Error().Err(err).Msg("admin http server stopped")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("marketstream started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	sup.Stop(stopCtx)

	log.Info().Msg("marketstream stopped")
}

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// envCredentialStore reads per-account API key/secret pairs from the
// environment (ACCOUNT_<ID>_API_KEY / ACCOUNT_<ID>_API_SECRET). Real KMS-
// backed decryption is an external collaborator per §1; this is the
// simplest seam that satisfies registry.CredentialStore without the core
// depending on a secrets manager.
type envCredentialStore struct{}

func (envCredentialStore) Credentials(accountID string) (domain.Credentials, error) {
	key := os.Getenv(fmt.Sprintf("ACCOUNT_%s_API_KEY", accountID))
	secret := os.Getenv(fmt.Sprintf("ACCOUNT_%s_API_SECRET", accountID))
	return domain.Credentials{APIKey: key, APISecret: secret}, nil
}

var _ registry.CredentialStore = envCredentialStore{}
