package resource

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/relabs-tech/docrest/core"
	"github.com/relabs-tech/docrest/core/entity"
	"github.com/relabs-tech/docrest/core/filter"
	"github.com/relabs-tech/docrest/core/logger"
	"github.com/relabs-tech/docrest/core/schema"
	"github.com/relabs-tech/docrest/core/softdelete"
	"github.com/relabs-tech/docrest/core/store"
)

// ListOptions are the parameters of a list request. Zero page and limit select the defaults.
type ListOptions struct {
	Page   int
	Limit  int
	Filter string
	Sort   string
}

// Page is a page of documents
type Page[T any] struct {
	Docs        []*T `json:"docs"`
	TotalDocs   int  `json:"totalDocs"`
	TotalPages  int  `json:"totalPages"`
	CurrentPage int  `json:"currentPage"`
	Limit       int  `json:"-"`
}

// Create creates a new document from a JSON payload. The server assigns id, timestamps and
// the soft-delete markers, client values for them are ignored.
func (c *Controller[T, PT]) Create(ctx context.Context, payload []byte) (PT, error) {
	rlog := logger.FromContext(ctx, c.log)

	fields, err := decodePayload(payload)
	if err != nil {
		return nil, c.failed(core.OperationCreate, err)
	}
	for key := range fields {
		if c.protected[key] {
			delete(fields, key)
		}
	}
	doc, err := c.validate(fields)
	if err != nil {
		return nil, c.failed(core.OperationCreate, err)
	}
	doc.Base().Init(c.now())

	if c.def.BeforeCreate != nil {
		if err := c.def.BeforeCreate(ctx, doc); err != nil {
			return nil, c.failed(core.OperationCreate, err)
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, c.failed(core.OperationCreate, fmt.Errorf("cannot marshal %s: %w", c.def.Name, err))
	}
	if err := c.collection.Insert(ctx, doc.Base().ID, data); err != nil {
		if verr := duplicate(err); verr != nil {
			return nil, c.failed(core.OperationCreate, verr)
		}
		return nil, c.failed(core.OperationCreate, fmt.Errorf("cannot insert %s: %w", c.def.Name, err))
	}
	rlog.Debugf("created %s %s", c.def.Name, doc.Base().ID)
	c.succeeded(ctx, core.OperationCreate, doc.Base().ID, data)
	return c.redact(doc), nil
}

// List returns a page of visible documents
func (c *Controller[T, PT]) List(ctx context.Context, opts ListOptions) (*Page[T], error) {
	rlog := logger.FromContext(ctx, c.log)

	page, limit := opts.Page, opts.Limit
	if page == 0 {
		page = 1
	}
	if limit == 0 {
		limit = DefaultLimit
	}
	if page < 1 {
		return nil, c.failed(core.OperationList, &QueryError{Parameter: "page", Value: fmt.Sprint(opts.Page), Reason: "must be positive"})
	}
	if limit < 1 || limit > c.maxLimit {
		return nil, c.failed(core.OperationList, &QueryError{Parameter: "limit", Value: fmt.Sprint(opts.Limit),
			Reason: fmt.Sprintf("must be between 1 and %d", c.maxLimit)})
	}

	predicate, err := c.parser.Parse(opts.Filter)
	if err != nil {
		return nil, c.failed(core.OperationList, err)
	}
	sort := filter.ParseSort(opts.Sort, c.sortable, c.defaultSort, rlog)

	docs, total, err := c.collection.Find(ctx, store.Query{
		Where:  softdelete.Scope(predicate),
		Sort:   sort,
		Limit:  limit,
		Offset: (page - 1) * limit,
	})
	if err != nil {
		return nil, c.failed(core.OperationList, fmt.Errorf("cannot list %s: %w", c.plural, err))
	}

	result := &Page[T]{
		Docs:        make([]*T, 0, len(docs)),
		TotalDocs:   total,
		TotalPages:  (total + limit - 1) / limit,
		CurrentPage: page,
		Limit:       limit,
	}
	for _, data := range docs {
		doc, err := c.decode(data)
		if err != nil {
			return nil, c.failed(core.OperationList, err)
		}
		result.Docs = append(result.Docs, (*T)(c.redact(doc)))
	}
	c.metrics.RecordOperation(c.plural, string(core.OperationList))
	return result, nil
}

// Get returns the visible document with id
func (c *Controller[T, PT]) Get(ctx context.Context, id uuid.UUID) (PT, error) {
	doc, err := c.get(ctx, id, softdelete.Active())
	if err != nil {
		return nil, c.failed(core.OperationRead, err)
	}
	c.metrics.RecordOperation(c.plural, string(core.OperationRead))
	return c.redact(doc), nil
}

// Update merges the top-level keys of a JSON payload into the visible document with id.
// System fields, immutable and protected fields of the payload are ignored.
func (c *Controller[T, PT]) Update(ctx context.Context, id uuid.UUID, payload []byte) (PT, error) {
	rlog := logger.FromContext(ctx, c.log)

	changes, err := decodePayload(payload)
	if err != nil {
		return nil, c.failed(core.OperationUpdate, err)
	}
	for key := range changes {
		if c.protected[key] || c.readOnly[key] {
			delete(changes, key)
		}
	}

	data, err := c.collection.Get(ctx, id, softdelete.Active())
	if err != nil {
		return nil, c.failed(core.OperationUpdate, c.notFound(id, err))
	}
	stored, err := decodePayload(data)
	if err != nil {
		return nil, c.failed(core.OperationUpdate, fmt.Errorf("stored %s %s is broken: %w", c.def.Name, id, err))
	}
	current, err := c.decode(data)
	if err != nil {
		return nil, c.failed(core.OperationUpdate, err)
	}

	merged := map[string]interface{}{}
	for key, value := range stored {
		if !c.protected[key] {
			merged[key] = value
		}
	}
	for key, value := range changes {
		merged[key] = value
	}
	doc, err := c.validate(merged)
	if err != nil {
		return nil, c.failed(core.OperationUpdate, err)
	}
	c.restoreProtected(doc, stored)
	*doc.Base() = *current.Base()
	doc.Base().Touch(c.now())

	if c.def.BeforeUpdate != nil {
		if err := c.def.BeforeUpdate(ctx, doc, changes); err != nil {
			return nil, c.failed(core.OperationUpdate, err)
		}
	}

	data, err = json.Marshal(doc)
	if err != nil {
		return nil, c.failed(core.OperationUpdate, fmt.Errorf("cannot marshal %s: %w", c.def.Name, err))
	}
	if err := c.collection.Replace(ctx, id, softdelete.Active(), data); err != nil {
		if verr := duplicate(err); verr != nil {
			return nil, c.failed(core.OperationUpdate, verr)
		}
		return nil, c.failed(core.OperationUpdate, c.notFound(id, err))
	}
	rlog.Debugf("updated %s %s", c.def.Name, id)
	c.succeeded(ctx, core.OperationUpdate, id, data)
	return c.redact(doc), nil
}

// Modify applies change to the visible document with id and stores the result. Unlike Update,
// change may set protected fields; it is meant for service code. The document is validated
// but the BeforeUpdate hook is not called.
func (c *Controller[T, PT]) Modify(ctx context.Context, id uuid.UUID, change func(doc PT) error) (PT, error) {
	doc, err := c.get(ctx, id, softdelete.Active())
	if err != nil {
		return nil, c.failed(core.OperationUpdate, err)
	}
	meta := *doc.Base()
	if err := change(doc); err != nil {
		return nil, c.failed(core.OperationUpdate, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, c.failed(core.OperationUpdate, err)
	}
	*doc.Base() = meta
	doc.Base().Touch(c.now())

	data, err := c.transition(ctx, id, softdelete.Active(), doc)
	if err != nil {
		return nil, c.failed(core.OperationUpdate, err)
	}
	logger.FromContext(ctx, c.log).Debugf("modified %s %s", c.def.Name, id)
	c.succeeded(ctx, core.OperationUpdate, id, data)
	return c.redact(doc), nil
}

// SoftDelete marks the document with id as deleted
func (c *Controller[T, PT]) SoftDelete(ctx context.Context, id uuid.UUID) (PT, error) {
	doc, err := c.get(ctx, id, nil)
	if err != nil {
		return nil, c.failed(core.OperationSoftDelete, err)
	}
	if doc.Base().IsDeleted {
		return nil, c.failed(core.OperationSoftDelete, fmt.Errorf("%s %s: %w", c.def.Name, id, ErrAlreadyDeleted))
	}
	now := c.now()
	doc.Base().MarkDeleted(now)
	doc.Base().Touch(now)

	data, err := c.transition(ctx, id, softdelete.Active(), doc)
	if errors.Is(err, ErrNotFound) {
		// lost a race against another delete
		if _, getErr := c.get(ctx, id, nil); getErr == nil {
			err = fmt.Errorf("%s %s: %w", c.def.Name, id, ErrAlreadyDeleted)
		}
	}
	if err != nil {
		return nil, c.failed(core.OperationSoftDelete, err)
	}
	c.succeeded(ctx, core.OperationSoftDelete, id, data)
	return c.redact(doc), nil
}

// Restore clears the soft-delete markers of the document with id
func (c *Controller[T, PT]) Restore(ctx context.Context, id uuid.UUID) (PT, error) {
	doc, err := c.get(ctx, id, softdelete.Deleted())
	if err != nil {
		return nil, c.failed(core.OperationRestore, err)
	}
	doc.Base().Restore()
	doc.Base().Touch(c.now())

	data, err := c.transition(ctx, id, softdelete.Deleted(), doc)
	if err != nil {
		return nil, c.failed(core.OperationRestore, err)
	}
	c.succeeded(ctx, core.OperationRestore, id, data)
	return c.redact(doc), nil
}

// DeletePermanently removes the document with id regardless of its soft-delete state
func (c *Controller[T, PT]) DeletePermanently(ctx context.Context, id uuid.UUID) error {
	var doc PT
	if c.def.AfterDelete != nil {
		var err error
		if doc, err = c.get(ctx, id, nil); err != nil {
			return c.failed(core.OperationDelete, err)
		}
	}
	if err := c.collection.Delete(ctx, id); err != nil {
		return c.failed(core.OperationDelete, c.notFound(id, err))
	}
	c.succeeded(ctx, core.OperationDelete, id, nil)
	if doc != nil {
		c.def.AfterDelete(ctx, doc)
	}
	return nil
}

// Lookup returns the first visible document matching where. Unlike Get, the document is not
// redacted. It is meant for service code, e.g. to check credentials.
func (c *Controller[T, PT]) Lookup(ctx context.Context, where filter.Predicate) (PT, error) {
	docs, _, err := c.collection.Find(ctx, store.Query{Where: softdelete.Scope(where), Sort: c.defaultSort, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("cannot look up %s: %w", c.def.Name, err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%s: %w", c.def.Name, ErrNotFound)
	}
	return c.decode(docs[0])
}

// Exists returns true if any document, including soft-deleted ones, matches where
func (c *Controller[T, PT]) Exists(ctx context.Context, where filter.Predicate) (bool, error) {
	exists, err := c.collection.Exists(ctx, where)
	if err != nil {
		return false, fmt.Errorf("cannot query %s: %w", c.plural, err)
	}
	return exists, nil
}

// get reads and decodes a document
func (c *Controller[T, PT]) get(ctx context.Context, id uuid.UUID, where filter.Predicate) (PT, error) {
	data, err := c.collection.Get(ctx, id, where)
	if err != nil {
		return nil, c.notFound(id, err)
	}
	return c.decode(data)
}

// transition writes a state change of doc, conditionally on where still holding
func (c *Controller[T, PT]) transition(ctx context.Context, id uuid.UUID, where filter.Predicate, doc PT) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("cannot marshal %s: %w", c.def.Name, err)
	}
	if err := c.collection.Replace(ctx, id, where, data); err != nil {
		if verr := duplicate(err); verr != nil {
			return nil, verr
		}
		return nil, c.notFound(id, err)
	}
	return data, nil
}

// duplicate translates a unique violation of the store into a validation error
func duplicate(err error) *ValidationError {
	var dup *store.DuplicateError
	if errors.As(err, &dup) {
		return entity.Invalid(dup.Field, dup.Field+" must be unique")
	}
	return nil
}

// validate checks the payload fields against the schema and decodes them into a new document
// which is then validated itself
func (c *Controller[T, PT]) validate(fields map[string]interface{}) (PT, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("cannot marshal payload: %w", err)
	}
	if c.def.SchemaID != "" && c.validator.HasSchema(c.def.SchemaID) {
		err := c.validator.ValidateBytes(data, c.def.SchemaID)
		var violations schema.Violations
		if errors.As(err, &violations) {
			return nil, fromViolations(violations)
		}
		if err != nil {
			return nil, err
		}
	}
	doc := PT(new(T))
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fromDecodeError(err, fields)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *Controller[T, PT]) decode(data []byte) (PT, error) {
	doc := PT(new(T))
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("cannot decode %s: %w", c.def.Name, err)
	}
	return doc, nil
}

func (c *Controller[T, PT]) redact(doc PT) PT {
	if c.def.Redact != nil {
		c.def.Redact(doc)
	}
	return doc
}

// notFound translates the not found error of the store
func (c *Controller[T, PT]) notFound(id uuid.UUID, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", c.def.Name, id, ErrNotFound)
	}
	return err
}

// failed records a failed operation and returns err
func (c *Controller[T, PT]) failed(operation core.Operation, err error) error {
	c.metrics.RecordOperationError(c.plural, string(operation), Kind(err))
	return err
}

// succeeded records a successful mutation and notifies about it. The write has happened, so
// a failed notification is only logged.
func (c *Controller[T, PT]) succeeded(ctx context.Context, operation core.Operation, id uuid.UUID, data []byte) {
	c.metrics.RecordOperation(c.plural, string(operation))
	if c.def.Redact != nil && data != nil {
		if doc, err := c.decode(data); err == nil {
			if redacted, err := json.Marshal(c.redact(doc)); err == nil {
				data = redacted
			}
		}
	}
	if err := c.notifier.Notify(ctx, c.plural, operation, id, data); err != nil {
		c.metrics.RecordNotification("failure")
		logger.FromContext(ctx, c.log).WithError(err).Errorf("Error 4760: cannot notify %s of %s %s", operation, c.def.Name, id)
		return
	}
	c.metrics.RecordNotification("success")
}

// decodePayload decodes a JSON object
func decodePayload(payload []byte) (map[string]interface{}, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fromDecodeError(err, nil)
	}
	if fields == nil {
		return nil, entity.Invalid("body", "expected a JSON object")
	}
	return fields, nil
}

// restoreProtected copies the protected fields of the stored document into doc
func (c *Controller[T, PT]) restoreProtected(doc PT, stored map[string]interface{}) {
	keep := map[string]interface{}{}
	for _, f := range c.def.Protected {
		if v, ok := stored[f]; ok {
			keep[f] = v
		}
	}
	if len(keep) == 0 {
		return
	}
	data, err := json.Marshal(keep)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, doc); err != nil {
		c.log.WithError(err).Errorf("Error 4761: cannot restore protected fields of %s %s", c.def.Name, doc.Base().ID)
	}
}
