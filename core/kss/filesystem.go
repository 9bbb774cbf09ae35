package kss

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/relabs-tech/docrest/core/logger"
	"github.com/sirupsen/logrus"
)

// LocalConfiguration contains the configuration for the local filesystem driver
type LocalConfiguration struct {
	BasePath string
	// SigningKey signs download URLs. A random key is generated when empty.
	SigningKey []byte
}

// LocalFilesystem stores files below a base folder and serves them with signed URLs
// on GET /kss/{key}
type LocalFilesystem struct {
	baseFolder string
	publicURL  url.URL
	signingKey []byte
	log        logrus.FieldLogger
	now        func() time.Time
}

// NewLocalFilesystem returns a new LocalFilesystem and registers its download route
func NewLocalFilesystem(router *mux.Router, config LocalConfiguration, publicURL url.URL, log logrus.FieldLogger) (*LocalFilesystem, error) {
	if config.BasePath == "" {
		return nil, errors.New("BasePath must not be empty")
	}
	signingKey := config.SigningKey
	if len(signingKey) == 0 {
		log.Warn("No signing key provided to sign URLs, a random one will be generated")
		log.Warn("This can only work when running in a single instance configuration")
		signingKey = make([]byte, 32)
		if _, err := rand.Read(signingKey); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(config.BasePath, 0700); err != nil {
		return nil, fmt.Errorf("cannot create %s: %w", config.BasePath, err)
	}
	f := &LocalFilesystem{
		baseFolder: config.BasePath,
		publicURL:  publicURL,
		signingKey: signingKey,
		log:        log,
		now:        time.Now,
	}
	if router != nil {
		log.Debugln("filesystem routes enabled")
		log.Debugln("  handle route: /kss/{key} GET")
		router.Handle("/kss/{key:.+}", http.HandlerFunc(f.handler)).Methods(http.MethodGet)
	}
	return f, nil
}

func (f *LocalFilesystem) filePath(key string) string {
	return filepath.Join(f.baseFolder, filepath.FromSlash(key))
}

// Put stores the content of r under key
func (f *LocalFilesystem) Put(ctx context.Context, key, contentType string, r io.Reader) error {
	if err := validKey(key); err != nil {
		return err
	}
	filePath := f.filePath(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		return fmt.Errorf("cannot create folder for key '%s': %w", key, err)
	}
	// write to a temporary file first so readers never see a partial file
	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".upload-*")
	if err != nil {
		return fmt.Errorf("cannot create file for key '%s': %w", key, err)
	}
	defer os.Remove(tmp.Name())
	if _, err = io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("cannot write key '%s': %w", key, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("cannot write key '%s': %w", key, err)
	}
	if err = os.Rename(tmp.Name(), filePath); err != nil {
		return fmt.Errorf("cannot store key '%s': %w", key, err)
	}
	logger.FromContext(ctx, f.log).Infof("Filesystem: stored key '%s'", key)
	return nil
}

// Delete deletes the key file
func (f *LocalFilesystem) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	err := os.Remove(f.filePath(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	logger.FromContext(ctx, f.log).Infof("Filesystem: deleted key '%s'", key)
	return nil
}

// GetURL returns a signed URL that can be used to download the file until expireIn has passed
func (f *LocalFilesystem) GetURL(ctx context.Context, key string, expireIn time.Duration) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	if expireIn <= 0 {
		expireIn = DefaultExpiry
	}
	expiry := strconv.FormatInt(f.now().Add(expireIn).Unix(), 10)
	v := url.Values{}
	v.Set("expiry", expiry)
	v.Set("signature", f.sign(key, expiry))
	u := url.URL{
		Scheme:   f.publicURL.Scheme,
		Host:     f.publicURL.Host,
		Path:     f.publicURL.Path + "/kss/" + key,
		RawQuery: v.Encode(),
	}
	return u.String(), nil
}

func (f *LocalFilesystem) sign(key, expiry string) string {
	mac := hmac.New(sha256.New, f.signingKey)
	mac.Write([]byte(key + "\n" + expiry))
	return hex.EncodeToString(mac.Sum(nil))
}

// isValid tells whether the signature and expiry of a download request are valid
func (f *LocalFilesystem) isValid(key, expiry, signature string) bool {
	if validKey(key) != nil {
		return false
	}
	unix, err := strconv.ParseInt(expiry, 10, 64)
	if err != nil || time.Unix(unix, 0).Before(f.now()) {
		return false
	}
	expected, err := hex.DecodeString(f.sign(key, expiry))
	if err != nil {
		return false
	}
	given, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, given)
}

func (f *LocalFilesystem) handler(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context(), f.log)
	key := mux.Vars(r)["key"]
	v := r.URL.Query()
	if !f.isValid(key, v.Get("expiry"), v.Get("signature")) {
		rlog.Errorf("invalid signature for %s", r.URL.String())
		http.Error(w, "not authorized", http.StatusForbidden)
		return
	}
	filePath := f.filePath(key)
	if _, err := os.Stat(filePath); err != nil {
		http.NotFound(w, r)
		return
	}
	rlog.Infof("Filesystem: [%s] key: '%s'", r.Method, key)
	http.ServeFile(w, r, filePath)
}
