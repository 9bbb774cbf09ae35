package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/relabs-tech/docrest/core/logger"
	"github.com/relabs-tech/docrest/services/docrest"
	"github.com/sirupsen/logrus"
)

func main() {
	// a missing .env file is fine, the environment may be set otherwise
	if os.Getenv("ENVIRONMENT") != "production" {
		_ = godotenv.Load()
	}
	config := &docrest.Configuration{}
	if err := envdecode.Decode(config); err != nil {
		panic(err)
	}
	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		panic(err)
	}
	log := logger.New(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	service, err := docrest.New(ctx, config, log)
	if err != nil {
		log.WithError(err).Fatalln("cannot create service")
	}
	defer service.Close()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		Handler:           service.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infof("listen on port :%d (%s)", config.Port, config.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Errorln("server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Infoln("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Errorln("cannot shut down gracefully")
	}
}
