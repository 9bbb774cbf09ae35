// Package uploads provides the uploaded file resource. File contents live in the key storage,
// the resource holds their description and the storage key.
package uploads

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/relabs-tech/docrest/core"
	"github.com/relabs-tech/docrest/core/backend"
	"github.com/relabs-tech/docrest/core/entity"
	"github.com/relabs-tech/docrest/core/filter"
	"github.com/relabs-tech/docrest/core/kss"
	"github.com/relabs-tech/docrest/core/logger"
	"github.com/relabs-tech/docrest/core/metrics"
	"github.com/relabs-tech/docrest/core/resource"
	"github.com/relabs-tech/docrest/core/schema"
	"github.com/relabs-tech/docrest/core/store"
	"github.com/relabs-tech/docrest/schemas"
	"github.com/sirupsen/logrus"
)

// LinkedEntity references the document an uploaded file belongs to
type LinkedEntity struct {
	LinkedEntityType string `json:"linkedEntityType,omitempty"`
	LinkedEntityID   string `json:"linkedEntityId,omitempty"`
}

// UploadedFile describes a stored file. Full is the key of the content in the key storage.
type UploadedFile struct {
	entity.Meta
	UploaderID     string                 `json:"uploaderId,omitempty"`
	DocumentType   string                 `json:"documentType,omitempty"`
	OriginalName   string                 `json:"originalName,omitempty"`
	Full           string                 `json:"full,omitempty"`
	AdditionalInfo map[string]interface{} `json:"additionalInfo,omitempty"`
	LinkedEntity   *LinkedEntity          `json:"linkedEntity,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Thumbnail      map[string]interface{} `json:"thumbnail,omitempty"`
}

// Validate checks the references of an uploaded file
func (f *UploadedFile) Validate() error {
	verr := &entity.ValidationError{}
	if f.UploaderID != "" {
		if _, err := uuid.Parse(f.UploaderID); err != nil {
			verr.Add("uploaderId", "must be a uuid")
		}
	}
	if le := f.LinkedEntity; le != nil {
		if le.LinkedEntityID != "" {
			if _, err := uuid.Parse(le.LinkedEntityID); err != nil {
				verr.Add("linkedEntity.linkedEntityId", "must be a uuid")
			}
			if le.LinkedEntityType == "" {
				verr.Add("linkedEntity.linkedEntityType", "is required with a linked entity id")
			}
		}
	}
	return verr.OrNil()
}

// Service is the uploaded files service
type Service struct {
	Files   *resource.Controller[UploadedFile, *UploadedFile]
	backend *backend.Backend
	kss     kss.Driver
	log     logrus.FieldLogger
}

// Builder is a builder helper for the Service
type Builder struct {
	// Backend is the backend the routes are added to. This is mandatory.
	Backend *backend.Backend
	// Store is the document store. This is mandatory.
	Store store.Store
	// KSS stores the file contents. Uploads are rejected when it is nil.
	KSS          kss.Driver
	Validator    *schema.Validator
	Notifier     core.Notifier
	Metrics      *metrics.Metrics
	Log          logrus.FieldLogger
	StrictFilter bool
}

// New creates the uploaded files resource and adds its routes to the backend
func New(ctx context.Context, bb *Builder) (*Service, error) {
	if bb.Backend == nil {
		return nil, errors.New("uploads: backend is mandatory")
	}
	s := &Service{
		backend: bb.Backend,
		kss:     bb.KSS,
		log:     bb.Log,
	}
	if s.log == nil {
		s.log = bb.Backend.Log()
	}

	files, err := resource.New(ctx, resource.Definition[UploadedFile, *UploadedFile]{
		Name: "uploadedFile",
		Queryable: filter.Fields{
			"uploaderId":   filter.KindString,
			"documentType": filter.KindString,
			"originalName": filter.KindString,
		},
		SchemaID:    schemas.UploadedFile,
		Protected:   []string{"full"},
		AfterDelete: s.afterDelete,
	}, resource.Options{
		Store:        bb.Store,
		Log:          s.log,
		Validator:    bb.Validator,
		Notifier:     bb.Notifier,
		Metrics:      bb.Metrics,
		StrictFilter: bb.StrictFilter,
	})
	if err != nil {
		return nil, err
	}
	s.Files = files

	backend.Handle(s.backend, files)
	s.handleRoutes()
	return s, nil
}

// afterDelete removes the content of a permanently deleted file
func (s *Service) afterDelete(ctx context.Context, f *UploadedFile) {
	if f.Full == "" || s.kss == nil {
		return
	}
	if err := s.kss.Delete(ctx, f.Full); err != nil {
		logger.FromContext(ctx, s.log).WithError(err).Errorf("Error 4784: cannot delete content %s of uploaded file %s", f.Full, f.ID)
	}
}
