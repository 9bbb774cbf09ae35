// Package docrest assembles the docrest service: store, notifier, key storage, backend and
// the users and uploaded files resources.
package docrest

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/relabs-tech/docrest/core"
	"github.com/relabs-tech/docrest/core/access"
	"github.com/relabs-tech/docrest/core/backend"
	"github.com/relabs-tech/docrest/core/csql"
	"github.com/relabs-tech/docrest/core/kss"
	"github.com/relabs-tech/docrest/core/metrics"
	"github.com/relabs-tech/docrest/core/notify"
	"github.com/relabs-tech/docrest/core/store"
	"github.com/relabs-tech/docrest/core/store/memory"
	"github.com/relabs-tech/docrest/core/store/postgres"
	"github.com/relabs-tech/docrest/schemas"
	"github.com/relabs-tech/docrest/services/uploads"
	"github.com/relabs-tech/docrest/services/users"
	"github.com/sirupsen/logrus"
)

//go:embed configuration.json
var configurationJSON []byte

// the supported stores
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Configuration holds the configuration of the service. It is decoded from the environment.
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type Configuration struct {
	Port                 int           `env:"PORT,default=3000" description:"the port the service listens on"`
	Environment          string        `env:"ENVIRONMENT,default=development" description:"development, test or production"`
	LogLevel             string        `env:"LOG_LEVEL,default=info" description:"The level used for logger, can be debug, warning, info, error"`
	Store                string        `env:"STORE,default=postgres" description:"the document store, postgres or memory"`
	Postgres             string        `env:"POSTGRES" description:"the connection string for the Postgres DB without password"`
	PostgresPassword     string        `env:"POSTGRES_PASSWORD" description:"password to the Postgres DB"`
	PostgresSchema       string        `env:"POSTGRES_SCHEMA,default=docrest" description:"the database schema"`
	JWTSecret            string        `env:"JWT_SECRET,required" description:"the secret tokens are signed with, at least 16 bytes"`
	JWTTTL               time.Duration `env:"JWT_TTL,default=24h" description:"the validity of issued tokens"`
	AuthorizationEnabled bool          `env:"AUTHORIZATION_ENABLED,default=true" description:"check the permits of every request"`
	KSSDriver            string        `env:"KSS_DRIVER,default=local" description:"the key storage driver, local, s3 or empty for none"`
	KSSLocalFolder       string        `env:"KSS_LOCAL_FOLDER,default=./uploads" description:"the folder of the local key storage"`
	KSSSigningKey        string        `env:"KSS_SIGNING_KEY" description:"the key local storage URLs are signed with, random when empty"`
	PublicURL            string        `env:"PUBLIC_URL,default=http://localhost:3000" description:"the public URL of the service, used for local key storage URLs"`
	AWSRegion            string        `env:"AWS_REGION" description:"the AWS region of the S3 bucket"`
	AWSBucket            string        `env:"AWS_BUCKET" description:"the S3 bucket"`
	AWSAccessID          string        `env:"AWS_ACCESS_ID" description:"the AWS access key id, the default credential chain is used when empty"`
	AWSAccessKey         string        `env:"AWS_ACCESS_KEY" description:"the AWS secret access key"`
	KafkaBrokers         string        `env:"KAFKA_BROKERS" description:"comma separated Kafka brokers, notifications are off when empty"`
	KafkaTopic           string        `env:"KAFKA_TOPIC,default=resource_notification" description:"the Kafka topic of change notifications"`
	RateLimitRPS         float64       `env:"RATE_LIMIT_RPS,default=0" description:"requests per second and client, 0 disables rate limiting"`
	RateLimitBurst       int           `env:"RATE_LIMIT_BURST,default=20" description:"the burst of the rate limiter"`
	CORSOrigin           string        `env:"CORS_ORIGIN,default=*" description:"the allowed CORS origin"`
}

// Service is the assembled docrest service
type Service struct {
	Router   *mux.Router
	Backend  *backend.Backend
	Users    *users.Service
	Uploads  *uploads.Service
	Registry *prometheus.Registry

	store    store.Store
	notifier core.Notifier
	log      logrus.FieldLogger
}

// New creates the service with all its dependencies
func New(ctx context.Context, config *Configuration, log logrus.FieldLogger) (*Service, error) {
	s := &Service{
		Router:   mux.NewRouter(),
		Registry: prometheus.NewRegistry(),
		log:      log,
	}
	m := metrics.New(s.Registry)

	var health func(ctx context.Context) error
	switch config.Store {
	case StoreMemory:
		log.Warnln("using the in-memory store, nothing is persisted")
		s.store = memory.New()
	case StorePostgres:
		if config.Postgres == "" {
			return nil, errors.New("POSTGRES is required for the postgres store")
		}
		db, err := csql.OpenWithSchema(ctx, log, config.Postgres, config.PostgresPassword, config.PostgresSchema)
		if err != nil {
			return nil, err
		}
		s.store = postgres.New(db, log)
		health = db.PingContext
	default:
		return nil, fmt.Errorf("unknown store '%s'", config.Store)
	}

	if brokers := splitList(config.KafkaBrokers); len(brokers) > 0 {
		s.notifier = notify.NewKafka(brokers, config.KafkaTopic, log)
	} else {
		s.notifier = notify.Nop{}
	}

	tokens, err := access.NewTokens(config.JWTSecret, "docrest", config.JWTTTL)
	if err != nil {
		s.Close()
		return nil, err
	}
	permits, err := backend.ParseConfiguration(configurationJSON)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Backend = backend.New(&backend.Builder{
		Config:               permits,
		Router:               s.Router,
		Log:                  log,
		Tokens:               tokens,
		Metrics:              m,
		Gatherer:             s.Registry,
		Health:               health,
		AuthorizationEnabled: config.AuthorizationEnabled,
		CORSOrigin:           config.CORSOrigin,
		RateLimit:            config.RateLimitRPS,
		RateBurst:            config.RateLimitBurst,
	})

	storage, err := kss.New(ctx, kssConfiguration(config), s.Router, config.PublicURL, log)
	if err != nil {
		s.Close()
		return nil, err
	}
	validator, err := schemas.NewValidator()
	if err != nil {
		s.Close()
		return nil, err
	}

	s.Users, err = users.New(ctx, &users.Builder{
		Backend:   s.Backend,
		Store:     s.store,
		Tokens:    tokens,
		KSS:       storage,
		Validator: validator,
		Notifier:  s.notifier,
		Metrics:   m,
		Log:       log,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("cannot create users: %w", err)
	}
	s.Uploads, err = uploads.New(ctx, &uploads.Builder{
		Backend:   s.Backend,
		Store:     s.store,
		KSS:       storage,
		Validator: validator,
		Notifier:  s.notifier,
		Metrics:   m,
		Log:       log,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("cannot create uploaded files: %w", err)
	}
	return s, nil
}

// Close releases the store and the notifier
func (s *Service) Close() {
	if closer, ok := s.notifier.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.log.WithError(err).Errorln("cannot close notifier")
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.WithError(err).Errorln("cannot close store")
		}
	}
}

func kssConfiguration(config *Configuration) kss.Configuration {
	switch kss.DriverType(config.KSSDriver) {
	case kss.DriverTypeLocal:
		return kss.Configuration{
			DriverType:         kss.DriverTypeLocal,
			LocalConfiguration: &kss.LocalConfiguration{BasePath: config.KSSLocalFolder, SigningKey: []byte(config.KSSSigningKey)},
		}
	case kss.DriverTypeAWSS3:
		return kss.Configuration{
			DriverType: kss.DriverTypeAWSS3,
			S3Configuration: &kss.S3Configuration{
				AccessID:      config.AWSAccessID,
				AccessKey:     config.AWSAccessKey,
				AWSRegion:     config.AWSRegion,
				AWSBucketName: config.AWSBucket,
			},
		}
	}
	return kss.Configuration{DriverType: kss.DriverType(config.KSSDriver)}
}

func splitList(s string) []string {
	var result []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			result = append(result, item)
		}
	}
	return result
}
