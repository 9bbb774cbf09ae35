/*
Package resource implements the generic resource controller.

A controller serves one entity type. It creates, lists, reads, updates, soft-deletes,
restores and permanently deletes documents of that type in a store collection. Lists are
paginated, sorted and filtered with an explicit allow-list of queryable fields. Soft-deleted
documents are invisible to default reads.

An entity is a struct embedding entity.Meta:

	type Note struct {
		entity.Meta
		Text string `json:"text"`
	}

	func (n *Note) Validate() error { ... }

	notes, err := resource.New(ctx, resource.Definition[Note, *Note]{
		Name:      "note",
		Queryable: filter.Fields{"text": filter.KindString},
	}, options)
*/
package resource

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/relabs-tech/docrest/core"
	"github.com/relabs-tech/docrest/core/entity"
	"github.com/relabs-tech/docrest/core/filter"
	"github.com/relabs-tech/docrest/core/metrics"
	"github.com/relabs-tech/docrest/core/notify"
	"github.com/relabs-tech/docrest/core/schema"
	"github.com/relabs-tech/docrest/core/store"
	"github.com/sirupsen/logrus"
)

// the list defaults
const (
	DefaultLimit    = 10
	DefaultMaxLimit = 100
)

// DefaultSort is the sort order of lists unless the definition or the request says otherwise
var DefaultSort = filter.Sort{{Field: entity.FieldCreatedAt, Descending: true}}

// Doc is the constraint for the pointer type of an entity
type Doc[T any] interface {
	*T
	entity.Document
}

// Definition describes a resource
type Definition[T any, PT Doc[T]] struct {
	// Name is the singular name of the resource, e.g. "user". The collection and the
	// routes use the plural.
	Name string
	// Queryable is the allow-list of fields which may appear in filters. The system fields
	// are always queryable.
	Queryable filter.Fields
	// Sortable are the fields lists may be sorted by. Defaults to the queryable fields.
	Sortable filter.Fields
	// DefaultSort defaults to -createdAt
	DefaultSort filter.Sort
	// MaxLimit is the maximum page size, defaults to 100
	MaxLimit int
	// SchemaID is the optional JSON schema payloads are validated against
	SchemaID string
	// Immutable fields can be set on creation but are ignored in updates
	Immutable []string
	// Protected fields are never taken from client payloads
	Protected []string
	// Unique fields must differ between all documents, soft-deleted ones included. The store
	// enforces it; a violation is a validation error on the field.
	Unique []string

	// BeforeCreate is called with a validated document before it is stored
	BeforeCreate func(ctx context.Context, doc PT) error
	// BeforeUpdate is called with the merged and validated document before it is stored.
	// changes holds the accepted top-level keys of the payload.
	BeforeUpdate func(ctx context.Context, doc PT, changes map[string]interface{}) error
	// AfterDelete is called with the removed document after a permanent delete, e.g. to
	// release what the document refers to. The delete has happened, so it cannot fail.
	AfterDelete func(ctx context.Context, doc PT)
	// Redact is called on every document returned to a caller, e.g. to clear secrets
	Redact func(doc PT)
}

// Options are the dependencies of a controller
type Options struct {
	Store     store.Store
	Log       logrus.FieldLogger
	Validator *schema.Validator
	Notifier  core.Notifier
	Metrics   *metrics.Metrics
	// StrictFilter rejects malformed filter pairs instead of skipping them
	StrictFilter bool
	// Now defaults to the current UTC time
	Now func() time.Time
}

// Controller is the generic resource controller
type Controller[T any, PT Doc[T]] struct {
	def         Definition[T, PT]
	plural      string
	collection  store.Collection
	parser      *filter.Parser
	sortable    filter.Fields
	defaultSort filter.Sort
	maxLimit    int
	validator   *schema.Validator
	notifier    core.Notifier
	metrics     *metrics.Metrics
	log         logrus.FieldLogger
	now         func() time.Time
	readOnly    map[string]bool // stripped from update payloads
	protected   map[string]bool // stripped from all payloads
}

// New creates a controller and its store collection
func New[T any, PT Doc[T]](ctx context.Context, def Definition[T, PT], opts Options) (*Controller[T, PT], error) {
	if def.Name == "" {
		return nil, fmt.Errorf("resource definition lacks a name")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("resource %s: no store", def.Name)
	}
	c := &Controller[T, PT]{
		def:         def,
		plural:      core.Plural(def.Name),
		defaultSort: def.DefaultSort,
		maxLimit:    def.MaxLimit,
		validator:   opts.Validator,
		notifier:    opts.Notifier,
		metrics:     opts.Metrics,
		log:         opts.Log,
		now:         opts.Now,
		readOnly:    map[string]bool{},
		protected:   map[string]bool{},
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	c.log = c.log.WithField("resource", c.plural)
	if c.notifier == nil {
		c.notifier = notify.Nop{}
	}
	if c.metrics == nil {
		c.metrics = metrics.Discard()
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	if len(c.defaultSort) == 0 {
		c.defaultSort = DefaultSort
	}
	if c.maxLimit <= 0 {
		c.maxLimit = DefaultMaxLimit
	}

	queryable := entity.Fields.With(def.Queryable)
	c.sortable = queryable
	if def.Sortable != nil {
		c.sortable = entity.Fields.With(def.Sortable)
	}
	parserOpts := []filter.Option{filter.OnDrop(func(string) { c.metrics.RecordDroppedFilter(c.plural, 1) })}
	if opts.StrictFilter {
		parserOpts = append(parserOpts, filter.Strict())
	}
	c.parser = filter.NewParser(queryable, c.log, parserOpts...)

	for _, f := range entity.SystemFields {
		c.protected[f] = true
	}
	for _, f := range def.Protected {
		c.protected[f] = true
	}
	for _, f := range def.Immutable {
		c.readOnly[f] = true
	}

	if def.SchemaID != "" && !c.validator.HasSchema(def.SchemaID) {
		c.log.Errorf("ERROR: invalid configuration for resource %s, schemaID %s is unknown. Validation is deactivated for this resource",
			def.Name, def.SchemaID)
	}

	var indexes []string
	for field := range def.Queryable {
		indexes = append(indexes, field)
	}
	sort.Strings(indexes)
	collection, err := opts.Store.Collection(ctx, c.plural, store.Indexes{Fields: indexes, Unique: def.Unique})
	if err != nil {
		return nil, fmt.Errorf("resource %s: %w", def.Name, err)
	}
	c.collection = collection
	c.log.Debugln("create collection:", c.plural)
	return c, nil
}

// Name returns the singular name of the resource
func (c *Controller[T, PT]) Name() string {
	return c.def.Name
}

// Plural returns the plural name of the resource, which is also the route
func (c *Controller[T, PT]) Plural() string {
	return c.plural
}

// Queryable returns the effective allow-list of the resource
func (c *Controller[T, PT]) Queryable() filter.Fields {
	return c.parser.Fields()
}
