package client_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/relabs-tech/docrest/core/access"
	"github.com/relabs-tech/docrest/core/backend"
	"github.com/relabs-tech/docrest/core/client"
	"github.com/relabs-tech/docrest/core/entity"
	"github.com/relabs-tech/docrest/core/filter"
	"github.com/relabs-tech/docrest/core/logger"
	"github.com/relabs-tech/docrest/core/resource"
	"github.com/relabs-tech/docrest/core/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type task struct {
	entity.Meta
	Title string  `json:"title"`
	Size  float64 `json:"size"`
}

func (t *task) Validate() error {
	if t.Title == "" {
		return entity.Invalid("title", "is required")
	}
	return nil
}

func newRouter(t *testing.T) *mux.Router {
	router := mux.NewRouter()
	b := backend.New(&backend.Builder{Router: router, Log: logger.Discard(), AuthorizationEnabled: true})
	tasks, err := resource.New(context.Background(), resource.Definition[task, *task]{
		Name:      "task",
		Queryable: filter.Fields{"title": filter.KindString, "size": filter.KindNumber},
	}, resource.Options{Store: memory.New(), Log: logger.Discard()})
	require.NoError(t, err)
	backend.Handle(b, tasks)
	return router
}

func TestCollectionPath(t *testing.T) {
	c := client.NewWithRouter(nil)

	collection := c.Collection("category")
	if p := collection.CollectionPath(); p != "/categories" {
		t.Fatal("unexpected collection path:", p)
	}

	id := uuid.MustParse("c46da255-eb72-4cc6-8835-1b34a9917826")
	if p := collection.Item(id).Path(); p != "/categories/"+id.String() {
		t.Fatal("unexpected item path:", p)
	}

	filtered := collection.WithFilter(map[string]string{"size": "gte:3", "title": "x"}).WithSort("-size")
	if p := filtered.CollectionPath(); p != "/categories?filter=%7Bsize%3Dgte%3A3%2Ctitle%3Dx%7D&sort=-size" {
		t.Fatal("unexpected collection path:", p)
	}

	// parameters are copied, not shared
	if p := collection.CollectionPath(); p != "/categories" {
		t.Fatal("unexpected collection path:", p)
	}
}

func TestRoundTrip(t *testing.T) {
	admin := client.NewWithRouter(newRouter(t)).WithAuthorization(&access.Authorization{Roles: []string{access.RoleAdmin}})
	tasks := admin.Collection("task")

	var created task
	status, err := tasks.Create(map[string]interface{}{"title": "first", "size": 1}, &created)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	for i := 2; i <= 5; i++ {
		_, err := tasks.Create(map[string]interface{}{"title": "more", "size": i}, nil)
		require.NoError(t, err)
	}

	var got task
	_, err = tasks.Item(created.ID).Read(&got)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Title)

	_, err = tasks.Item(created.ID).Update(map[string]string{"title": "renamed"}, &got)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title)

	// iterate over all pages
	sizes := []float64{}
	page := tasks.WithLimit(2).WithSort("size").FirstPage()
	for page.HasData() {
		var result struct {
			Docs []task `json:"docs"`
		}
		_, err := page.Get(&result)
		require.NoError(t, err)
		for _, doc := range result.Docs {
			sizes = append(sizes, doc.Size)
		}
		assert.Equal(t, 5, page.TotalCount())
		page = page.Next()
	}
	assert.Equal(t, []float64{1, 2, 3, 4, 5}, sizes)

	var list struct {
		TotalDocs int `json:"totalDocs"`
	}
	_, err = tasks.WithFilter(map[string]string{"size": "gt:3"}).List(&list)
	require.NoError(t, err)
	assert.Equal(t, 2, list.TotalDocs)

	_, err = tasks.Item(created.ID).Remove()
	require.NoError(t, err)
	status, err = tasks.Item(created.ID).Read(nil)
	assert.Equal(t, http.StatusNotFound, status)
	var statusErr *client.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Contains(t, statusErr.Body, "task not found")

	_, err = tasks.Item(created.ID).Restore(&got)
	require.NoError(t, err)
	status, err = tasks.Item(created.ID).Delete()
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	status, err = tasks.Create(map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Error(t, err)
}

func TestUnauthorized(t *testing.T) {
	anonymous := client.NewWithRouter(newRouter(t))
	status, err := anonymous.Collection("task").List(nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Error(t, err)
}
