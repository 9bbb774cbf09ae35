package main

import (
	"context"
	"os"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/relabs-tech/docrest/core/logger"
	"github.com/relabs-tech/docrest/services/docrest"
	"github.com/sirupsen/logrus"
)

// seed creates the default admin and user accounts in the configured store
func main() {
	if os.Getenv("ENVIRONMENT") != "production" {
		_ = godotenv.Load()
	}
	config := &docrest.Configuration{}
	if err := envdecode.Decode(config); err != nil {
		panic(err)
	}
	log := logger.New(logrus.InfoLevel)
	if config.Store == docrest.StoreMemory {
		log.Warnln("seeding the in-memory store has no lasting effect")
	}

	ctx := context.Background()
	service, err := docrest.New(ctx, config, log)
	if err != nil {
		log.WithError(err).Fatalln("cannot create service")
	}
	defer service.Close()

	created, err := service.Seed(ctx, docrest.DefaultAccounts)
	if err != nil {
		log.WithError(err).Errorln("seeding failed")
		return
	}
	log.Infof("seeding done, %d accounts created", created)
}
