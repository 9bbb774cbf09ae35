// Package entity defines the system fields every persisted document carries.
package entity

import (
	"time"

	"github.com/google/uuid"
	"github.com/relabs-tech/docrest/core/filter"
	"github.com/relabs-tech/docrest/core/softdelete"
)

// the JSON names of the system fields
const (
	FieldID        = "id"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

// SystemFields are the JSON names of all fields maintained by the server. Clients cannot write them.
var SystemFields = []string{FieldID, FieldCreatedAt, FieldUpdatedAt, softdelete.FieldIsDeleted, softdelete.FieldDeletedAt}

// Fields is the allow-list entry for the system fields
var Fields = filter.Fields{
	FieldID:        filter.KindString,
	FieldCreatedAt: filter.KindTime,
	FieldUpdatedAt: filter.KindTime,
}.With(softdelete.Fields)

// Meta is embedded into every entity
type Meta struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	softdelete.State
}

// Base returns the meta data. It makes every struct embedding Meta satisfy part of Document.
func (m *Meta) Base() *Meta {
	return m
}

// Document is implemented by pointers to entities
type Document interface {
	Base() *Meta
	// Validate checks the semantic constraints of the entity. It returns a *ValidationError
	// or nil.
	Validate() error
}

// Init initializes the system fields of a new document
func (m *Meta) Init(now time.Time) {
	m.ID = uuid.New()
	m.CreatedAt = now
	m.UpdatedAt = now
	m.State = softdelete.State{}
}

// Touch marks the document as modified
func (m *Meta) Touch(now time.Time) {
	m.UpdatedAt = now
}
