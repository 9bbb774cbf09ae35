// Package kss stores files outside of the document store.
//
// There are currently two possible drivers: a local file system and AWS S3.
// Documents keep only the key and an URL; the bytes live in the driver.
package kss

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// DefaultExpiry is the validity of URLs returned by GetURL when no expiry is given
const DefaultExpiry = 24 * time.Hour

// Driver defines the interface for the key storage service
type Driver interface {
	// Put stores the content of r under key, replacing an existing file
	Put(ctx context.Context, key, contentType string, r io.Reader) error
	// Delete removes the file stored under key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// GetURL returns an URL from which the file can be downloaded until expireIn has passed
	GetURL(ctx context.Context, key string, expireIn time.Duration) (string, error)
}

// DriverType represents the different type of drivers
type DriverType string

// DriverTypeLocal is the local filesystem implementation
const DriverTypeLocal DriverType = "local"

// DriverTypeAWSS3 is the AWS S3 implementation
const DriverTypeAWSS3 DriverType = "s3"

// None is used when there is no key storage
const None DriverType = ""

// Configuration contains the configuration for the key storage
type Configuration struct {
	DriverType         DriverType
	LocalConfiguration *LocalConfiguration
	S3Configuration    *S3Configuration
}

// New creates the driver selected by the configuration. The router and publicURL are only used
// by the local driver, which serves its files itself.
func New(ctx context.Context, config Configuration, router *mux.Router, publicURL string, log logrus.FieldLogger) (Driver, error) {
	switch config.DriverType {
	case None:
		log.Infoln("key storage not in use")
		return nil, nil
	case DriverTypeLocal:
		if config.LocalConfiguration == nil {
			return nil, errors.New("kss expecting a configuration for local storage, but got nothing")
		}
		u, err := url.Parse(publicURL)
		if err != nil {
			return nil, fmt.Errorf("cannot parse url %s: %w", publicURL, err)
		}
		drv, err := NewLocalFilesystem(router, *config.LocalConfiguration, *u, log)
		if err != nil {
			return nil, fmt.Errorf("cannot create local kss driver: %w", err)
		}
		return drv, nil
	case DriverTypeAWSS3:
		if config.S3Configuration == nil {
			return nil, errors.New("kss expecting a configuration for S3, but got nothing")
		}
		drv, err := NewS3(ctx, *config.S3Configuration, log)
		if err != nil {
			return nil, fmt.Errorf("cannot create S3 kss driver: %w", err)
		}
		return drv, nil
	}
	return nil, fmt.Errorf("unknown kss driver type '%s'", config.DriverType)
}

// validKey returns an error if key cannot be used as a storage key
func validKey(key string) error {
	switch {
	case key == "":
		return errors.New("empty key")
	case strings.Contains(key, ".."):
		return errors.New("'..' is not allowed in a key")
	case strings.HasPrefix(key, "/"):
		return errors.New("key must not start with '/'")
	}
	return nil
}
