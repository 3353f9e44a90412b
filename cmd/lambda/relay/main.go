package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/example/fintech-ledger/internal/app"
	"github.com/example/fintech-ledger/internal/config"
	"github.com/example/fintech-ledger/internal/infrastructure/kinesis"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	cfg.SetupLogger("kinesis-relay")

	broker, err := app.ConnectBroker(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect broker")
	}
	if broker == nil {
		log.Fatal().Msg("PUBLISHER must be kafka or nats for the relay")
	}
	defer broker.Close()

	relay := kinesis.NewRelay(broker)
	log.Info().Str("publisher", cfg.Publisher).Msg("Kinesis relay initialized")

	lambda.Start(relay.Handle)
}
