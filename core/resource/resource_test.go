package resource_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/relabs-tech/docrest/core"
	"github.com/relabs-tech/docrest/core/entity"
	"github.com/relabs-tech/docrest/core/filter"
	"github.com/relabs-tech/docrest/core/logger"
	"github.com/relabs-tech/docrest/core/metrics"
	"github.com/relabs-tech/docrest/core/notify"
	"github.com/relabs-tech/docrest/core/resource"
	"github.com/relabs-tech/docrest/core/schema"
	"github.com/relabs-tech/docrest/core/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type person struct {
	entity.Meta
	FirstName string  `json:"firstName"`
	LastName  string  `json:"lastName"`
	Role      string  `json:"role,omitempty"`
	Age       float64 `json:"age,omitempty"`
	Email     string  `json:"email,omitempty"`
	Secret    string  `json:"secret,omitempty"`
}

func (p *person) Validate() error {
	verr := &entity.ValidationError{}
	if p.FirstName == "" {
		verr.Add("firstName", "is required")
	}
	if p.LastName == "" {
		verr.Add("lastName", "is required")
	}
	return verr.OrNil()
}

// clock returns monotonically increasing times
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	people   *resource.Controller[person, *person]
	recorder *notify.Recorder
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, queryable filter.Fields, mutate ...func(*resource.Definition[person, *person], *resource.Options)) fixture {
	t.Helper()
	recorder := &notify.Recorder{}
	m := metrics.Discard()
	def := resource.Definition[person, *person]{
		Name:      "person",
		Queryable: queryable,
		Immutable: []string{"email"},
		Protected: []string{"secret"},
	}
	opts := resource.Options{
		Store:    memory.New(),
		Log:      logger.Discard(),
		Notifier: recorder,
		Metrics:  m,
		Now:      (&clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}).Now,
	}
	for _, f := range mutate {
		f(&def, &opts)
	}
	people, err := resource.New(context.Background(), def, opts)
	require.NoError(t, err)
	return fixture{people: people, recorder: recorder, metrics: m}
}

var personFields = filter.Fields{
	"role":      filter.KindString,
	"age":       filter.KindNumber,
	"firstName": filter.KindString,
}

func create(t *testing.T, c *resource.Controller[person, *person], payload string) *person {
	t.Helper()
	p, err := c.Create(context.Background(), []byte(payload))
	require.NoError(t, err)
	return p
}

func TestCreate(t *testing.T) {
	f := newFixture(t, personFields)
	ctx := context.Background()

	forged := uuid.New()
	p := create(t, f.people, fmt.Sprintf(`{"id":%q,"isDeleted":true,"firstName":"Ada","lastName":"Lovelace","secret":"x"}`, forged))
	assert.NotEqual(t, forged, p.ID)
	assert.NotEqual(t, uuid.Nil, p.ID)
	assert.False(t, p.IsDeleted)
	assert.Nil(t, p.DeletedAt)
	assert.Empty(t, p.Secret)
	assert.Equal(t, p.CreatedAt, p.UpdatedAt)
	assert.Equal(t, "people", f.people.Plural())

	got, err := f.people.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p, got)
	assert.Equal(t, []core.Operation{core.OperationCreate}, f.recorder.Operations())
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, personFields)
	ctx := context.Background()

	_, err := f.people.Create(ctx, []byte(`{"role":"admin"}`))
	var verr *resource.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []entity.FieldError{
		{Field: "firstName", Message: "is required"},
		{Field: "lastName", Message: "is required"},
	}, verr.Errors)
	assert.Equal(t, "validation", resource.Kind(err))

	_, err = f.people.Create(ctx, []byte(`{"firstName":"Ada","lastName":"Lovelace","age":"old"}`))
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Errors, 1)
	assert.Contains(t, []string{"age", "body"}, verr.Errors[0].Field)

	_, err = f.people.Create(ctx, []byte(`not json`))
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "body", verr.Errors[0].Field)

	_, err = f.people.Create(ctx, []byte(`null`))
	require.True(t, errors.As(err, &verr))

	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.OperationErrors.WithLabelValues("people", "create", "validation")))
	assert.Empty(t, f.recorder.Operations())
}

func TestCreateWithSchema(t *testing.T) {
	validator, err := schema.NewValidator([]string{`{
		"$id": "http://docrest.local/person.json",
		"type": "object",
		"required": ["firstName", "lastName"],
		"properties": {
			"firstName": {"type": "string", "minLength": 1},
			"lastName": {"type": "string", "minLength": 1},
			"age": {"type": "number", "minimum": 0}
		}
	}`}, nil)
	require.NoError(t, err)

	f := newFixture(t, personFields, func(d *resource.Definition[person, *person], o *resource.Options) {
		d.SchemaID = "http://docrest.local/person.json"
		o.Validator = validator
	})

	_, err = f.people.Create(context.Background(), []byte(`{"firstName":"Ada","age":-3}`))
	var verr *resource.ValidationError
	require.True(t, errors.As(err, &verr))
	fields := []string{}
	for _, e := range verr.Errors {
		fields = append(fields, e.Field)
	}
	assert.Equal(t, []string{"age", "lastName"}, fields)

	create(t, f.people, `{"firstName":"Ada","lastName":"Lovelace","age":36}`)
}

func TestListPagination(t *testing.T) {
	f := newFixture(t, personFields)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		create(t, f.people, fmt.Sprintf(`{"firstName":"p%02d","lastName":"x","age":%d}`, i, i))
	}

	page, err := f.people.List(ctx, resource.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 25, page.TotalDocs)
	assert.Equal(t, 3, page.TotalPages)
	assert.Equal(t, 1, page.CurrentPage)
	assert.Equal(t, 10, page.Limit)
	require.Len(t, page.Docs, 10)
	// newest first
	assert.Equal(t, "p24", page.Docs[0].FirstName)

	page, err = f.people.List(ctx, resource.ListOptions{Page: 3, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, page.Docs, 5)

	page, err = f.people.List(ctx, resource.ListOptions{Page: 7, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 25, page.TotalDocs)
	assert.Equal(t, 5, page.TotalPages)
	assert.NotNil(t, page.Docs)
	assert.Empty(t, page.Docs)

	page, err = f.people.List(ctx, resource.ListOptions{Limit: 7})
	require.NoError(t, err)
	assert.Equal(t, 4, page.TotalPages)

	page, err = f.people.List(ctx, resource.ListOptions{Sort: "firstName", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, "p00", page.Docs[0].FirstName)

	for _, opts := range []resource.ListOptions{{Page: -1}, {Limit: -5}, {Limit: 101}} {
		_, err := f.people.List(ctx, opts)
		var qerr *resource.QueryError
		assert.True(t, errors.As(err, &qerr), "%+v", opts)
	}
}

func TestListEmpty(t *testing.T) {
	f := newFixture(t, personFields)
	page, err := f.people.List(context.Background(), resource.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, page.TotalDocs)
	assert.Equal(t, 0, page.TotalPages)
	assert.Empty(t, page.Docs)
}

func TestListFilter(t *testing.T) {
	f := newFixture(t, personFields)
	ctx := context.Background()
	create(t, f.people, `{"firstName":"a","lastName":"x","role":"admin","age":40}`)
	create(t, f.people, `{"firstName":"b","lastName":"x","role":"user","age":17}`)
	create(t, f.people, `{"firstName":"c","lastName":"x","role":"user","age":18}`)

	page, err := f.people.List(ctx, resource.ListOptions{Filter: "{role=admin}"})
	require.NoError(t, err)
	require.Len(t, page.Docs, 1)
	assert.Equal(t, "a", page.Docs[0].FirstName)

	page, err = f.people.List(ctx, resource.ListOptions{Filter: "{age=gte:18}"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.TotalDocs)
	for _, p := range page.Docs {
		assert.GreaterOrEqual(t, p.Age, 18.0)
	}

	// lastName is not queryable, the condition is dropped
	page, err = f.people.List(ctx, resource.ListOptions{Filter: "{lastName=nobody}"})
	require.NoError(t, err)
	assert.Equal(t, 3, page.TotalDocs)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DroppedFilters.WithLabelValues("people")))

	_, err = f.people.List(ctx, resource.ListOptions{Filter: "{age=gte:adult}"})
	assert.Equal(t, "query", resource.Kind(err))
}

func TestFilterNotQueryable(t *testing.T) {
	f := newFixture(t, filter.Fields{"firstName": filter.KindString})
	ctx := context.Background()
	create(t, f.people, `{"firstName":"a","lastName":"x","role":"admin"}`)
	create(t, f.people, `{"firstName":"b","lastName":"x","role":"user"}`)

	page, err := f.people.List(ctx, resource.ListOptions{Filter: "{role=admin}"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.TotalDocs)
}

func TestSoftDelete(t *testing.T) {
	f := newFixture(t, personFields)
	ctx := context.Background()
	p := create(t, f.people, `{"firstName":"Ada","lastName":"Lovelace","role":"admin"}`)
	create(t, f.people, `{"firstName":"Alan","lastName":"Turing","role":"admin"}`)

	deleted, err := f.people.SoftDelete(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	require.NotNil(t, deleted.DeletedAt)

	_, err = f.people.Get(ctx, p.ID)
	assert.ErrorIs(t, err, resource.ErrNotFound)

	page, err := f.people.List(ctx, resource.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.TotalDocs)
	assert.Equal(t, "Alan", page.Docs[0].FirstName)

	page, err = f.people.List(ctx, resource.ListOptions{Filter: "{role=admin}"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.TotalDocs)

	// explicitly asking for deleted records
	page, err = f.people.List(ctx, resource.ListOptions{Filter: "{isDeleted=true}"})
	require.NoError(t, err)
	require.Equal(t, 1, page.TotalDocs)
	assert.Equal(t, p.ID, page.Docs[0].ID)

	_, err = f.people.SoftDelete(ctx, p.ID)
	assert.ErrorIs(t, err, resource.ErrAlreadyDeleted)

	_, err = f.people.Update(ctx, p.ID, []byte(`{"firstName":"Ada"}`))
	assert.ErrorIs(t, err, resource.ErrNotFound)

	_, err = f.people.SoftDelete(ctx, uuid.New())
	assert.ErrorIs(t, err, resource.ErrNotFound)
}

func TestSoftDeleteRestoreIdentity(t *testing.T) {
	f := newFixture(t, personFields)
	ctx := context.Background()
	p := create(t, f.people, `{"firstName":"Ada","lastName":"Lovelace","role":"admin","age":36}`)

	_, err := f.people.SoftDelete(ctx, p.ID)
	require.NoError(t, err)
	restored, err := f.people.Restore(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, restored.IsDeleted)
	assert.Nil(t, restored.DeletedAt)
	assert.True(t, restored.UpdatedAt.After(p.UpdatedAt))

	got, err := f.people.Get(ctx, p.ID)
	require.NoError(t, err)
	got.UpdatedAt = p.UpdatedAt
	assert.Equal(t, p, got)

	_, err = f.people.Restore(ctx, p.ID)
	assert.ErrorIs(t, err, resource.ErrNotFound)

	assert.Equal(t, []core.Operation{core.OperationCreate, core.OperationSoftDelete, core.OperationRestore}, f.recorder.Operations())
}

func TestDeletePermanently(t *testing.T) {
	f := newFixture(t, personFields)
	ctx := context.Background()
	active := create(t, f.people, `{"firstName":"Ada","lastName":"Lovelace"}`)
	deleted := create(t, f.people, `{"firstName":"Alan","lastName":"Turing"}`)
	_, err := f.people.SoftDelete(ctx, deleted.ID)
	require.NoError(t, err)

	for _, id := range []uuid.UUID{active.ID, deleted.ID} {
		require.NoError(t, f.people.DeletePermanently(ctx, id))
		_, err = f.people.Get(ctx, id)
		assert.ErrorIs(t, err, resource.ErrNotFound)
		_, err = f.people.Restore(ctx, id)
		assert.ErrorIs(t, err, resource.ErrNotFound)
		assert.ErrorIs(t, f.people.DeletePermanently(ctx, id), resource.ErrNotFound)
	}

	notifications := f.recorder.Notifications()
	last := notifications[len(notifications)-1]
	assert.Equal(t, core.OperationDelete, last.Operation)
	assert.Nil(t, last.Payload)
}

func TestAfterDelete(t *testing.T) {
	var deleted []*person
	f := newFixture(t, personFields, func(d *resource.Definition[person, *person], o *resource.Options) {
		d.AfterDelete = func(ctx context.Context, p *person) {
			deleted = append(deleted, p)
		}
	})
	ctx := context.Background()
	p := create(t, f.people, `{"firstName":"Ada","lastName":"Lovelace"}`)
	_, err := f.people.Modify(ctx, p.ID, func(p *person) error {
		p.Secret = "key"
		return nil
	})
	require.NoError(t, err)
	_, err = f.people.SoftDelete(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, deleted)

	require.NoError(t, f.people.DeletePermanently(ctx, p.ID))
	require.Len(t, deleted, 1)
	assert.Equal(t, p.ID, deleted[0].ID)
	assert.Equal(t, "key", deleted[0].Secret)
	assert.True(t, deleted[0].IsDeleted)

	assert.ErrorIs(t, f.people.DeletePermanently(ctx, p.ID), resource.ErrNotFound)
	assert.Len(t, deleted, 1)
}

func TestUnique(t *testing.T) {
	f := newFixture(t, personFields, func(d *resource.Definition[person, *person], o *resource.Options) {
		d.Unique = []string{"email"}
	})
	ctx := context.Background()
	ada := create(t, f.people, `{"firstName":"Ada","lastName":"Lovelace","email":"ada@example.com"}`)
	alan := create(t, f.people, `{"firstName":"Alan","lastName":"Turing"}`)

	_, err := f.people.Create(ctx, []byte(`{"firstName":"Other","lastName":"Ada","email":"ada@example.com"}`))
	var verr *resource.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "email", verr.Errors[0].Field)
	assert.Equal(t, "email must be unique", verr.Errors[0].Message)

	// soft-deleted documents keep their values
	_, err = f.people.SoftDelete(ctx, ada.ID)
	require.NoError(t, err)
	_, err = f.people.Modify(ctx, alan.ID, func(p *person) error {
		p.Email = "ada@example.com"
		return nil
	})
	assert.Equal(t, "validation", resource.Kind(err))

	require.NoError(t, f.people.DeletePermanently(ctx, ada.ID))
	_, err = f.people.Modify(ctx, alan.ID, func(p *person) error {
		p.Email = "ada@example.com"
		return nil
	})
	assert.NoError(t, err)
}

func TestConcurrentUniqueCreate(t *testing.T) {
	f := newFixture(t, personFields, func(d *resource.Definition[person, *person], o *resource.Options) {
		d.Unique = []string{"email"}
		d.BeforeCreate = func(ctx context.Context, p *person) error {
			// widen the window between the hook and the insert
			time.Sleep(10 * time.Millisecond)
			return nil
		}
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.people.Create(ctx, []byte(`{"firstName":"Ada","lastName":"Lovelace","email":"ada@example.com"}`))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.Equal(t, "validation", resource.Kind(err))
	}
	assert.Equal(t, 1, succeeded)
	page, err := f.people.List(ctx, resource.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.TotalDocs)
}

func TestUpdate(t *testing.T) {
	f := newFixture(t, personFields)
	ctx := context.Background()
	p := create(t, f.people, `{"firstName":"Ada","lastName":"Lovelace","email":"ada@example.com","role":"user","age":36}`)

	updated, err := f.people.Update(ctx, p.ID, []byte(fmt.Sprintf(
		`{"role":"admin","email":"other@example.com","id":%q,"createdAt":"2000-01-01T00:00:00Z","isDeleted":true}`, uuid.New())))
	require.NoError(t, err)
	assert.Equal(t, "admin", updated.Role)
	assert.Equal(t, "Ada", updated.FirstName)
	assert.Equal(t, float64(36), updated.Age)
	assert.Equal(t, "ada@example.com", updated.Email)
	assert.Equal(t, p.ID, updated.ID)
	assert.Equal(t, p.CreatedAt, updated.CreatedAt)
	assert.False(t, updated.IsDeleted)
	assert.True(t, updated.UpdatedAt.After(p.UpdatedAt))

	got, err := f.people.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, updated, got)

	_, err = f.people.Update(ctx, p.ID, []byte(`{"firstName":""}`))
	var verr *resource.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "firstName", verr.Errors[0].Field)

	_, err = f.people.Update(ctx, uuid.New(), []byte(`{"role":"admin"}`))
	assert.ErrorIs(t, err, resource.ErrNotFound)
}

func TestHooksAndProtectedFields(t *testing.T) {
	var changed map[string]interface{}
	f := newFixture(t, personFields, func(d *resource.Definition[person, *person], o *resource.Options) {
		d.BeforeCreate = func(ctx context.Context, p *person) error {
			p.Secret = "s3cr3t"
			return nil
		}
		d.BeforeUpdate = func(ctx context.Context, p *person, changes map[string]interface{}) error {
			changed = changes
			if p.Role == "root" {
				return entity.Invalid("role", "not allowed")
			}
			return nil
		}
		d.Redact = func(p *person) {
			p.Secret = ""
		}
	})
	ctx := context.Background()

	p := create(t, f.people, `{"firstName":"Ada","lastName":"Lovelace"}`)
	assert.Empty(t, p.Secret)

	stored, err := f.people.Lookup(ctx, filter.Predicate{{Field: "firstName", Op: filter.Eq, Value: "Ada"}})
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", stored.Secret)

	_, err = f.people.Update(ctx, p.ID, []byte(`{"lastName":"King","secret":"guess"}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"lastName": "King"}, changed)

	stored, err = f.people.Lookup(ctx, filter.Predicate{{Field: "firstName", Op: filter.Eq, Value: "Ada"}})
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", stored.Secret)
	assert.Equal(t, "King", stored.LastName)

	_, err = f.people.Update(ctx, p.ID, []byte(`{"role":"root"}`))
	assert.Equal(t, "validation", resource.Kind(err))

	exists, err := f.people.Exists(ctx, filter.Predicate{{Field: "lastName", Op: filter.Eq, Value: "King"}})
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = f.people.Lookup(ctx, filter.Predicate{{Field: "firstName", Op: filter.Eq, Value: "Nobody"}})
	assert.ErrorIs(t, err, resource.ErrNotFound)
}

func TestModify(t *testing.T) {
	f := newFixture(t, personFields, func(d *resource.Definition[person, *person], o *resource.Options) {
		d.Redact = func(p *person) {
			p.Secret = ""
		}
	})
	ctx := context.Background()
	p := create(t, f.people, `{"firstName":"Ada","lastName":"Lovelace"}`)

	modified, err := f.people.Modify(ctx, p.ID, func(p *person) error {
		p.Secret = "key"
		p.ID = uuid.New()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, p.ID, modified.ID)
	assert.Empty(t, modified.Secret)
	assert.True(t, modified.UpdatedAt.After(p.UpdatedAt))

	stored, err := f.people.Lookup(ctx, filter.Predicate{{Field: "firstName", Op: filter.Eq, Value: "Ada"}})
	require.NoError(t, err)
	assert.Equal(t, "key", stored.Secret)

	// notifications carry the redacted document
	notifications := f.recorder.Notifications()
	require.Len(t, notifications, 2)
	assert.Equal(t, core.OperationUpdate, notifications[1].Operation)
	assert.NotContains(t, string(notifications[1].Payload), "key")

	_, err = f.people.Modify(ctx, p.ID, func(p *person) error {
		p.FirstName = ""
		return nil
	})
	assert.Equal(t, "validation", resource.Kind(err))

	_, err = f.people.SoftDelete(ctx, p.ID)
	require.NoError(t, err)
	_, err = f.people.Modify(ctx, p.ID, func(p *person) error { return nil })
	assert.ErrorIs(t, err, resource.ErrNotFound)
}

func TestNotifierFailureDoesNotFailWrite(t *testing.T) {
	f := newFixture(t, personFields, func(d *resource.Definition[person, *person], o *resource.Options) {
		o.Notifier = notify.Func(func(ctx context.Context, n notify.Notification) error {
			return errors.New("broker down")
		})
	})
	p := create(t, f.people, `{"firstName":"Ada","lastName":"Lovelace"}`)
	_, err := f.people.Get(context.Background(), p.ID)
	assert.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Notifications.WithLabelValues("failure")))
}

func TestConcurrentSoftDelete(t *testing.T) {
	f := newFixture(t, personFields)
	ctx := context.Background()
	p := create(t, f.people, `{"firstName":"Ada","lastName":"Lovelace"}`)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.people.SoftDelete(ctx, p.ID)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, resource.ErrAlreadyDeleted)
	}
	assert.Equal(t, 1, succeeded)
}

func TestNewRequiresNameAndStore(t *testing.T) {
	_, err := resource.New(context.Background(), resource.Definition[person, *person]{}, resource.Options{Store: memory.New()})
	assert.Error(t, err)
	_, err = resource.New(context.Background(), resource.Definition[person, *person]{Name: "person"}, resource.Options{})
	assert.Error(t, err)
}
