package backend

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/relabs-tech/docrest/core"
	"github.com/relabs-tech/docrest/core/entity"
	"github.com/relabs-tech/docrest/core/logger"
	"github.com/relabs-tech/docrest/core/resource"
)

// IDPattern matches the id path variable of resource routes
const IDPattern = "{id:[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}}"

type messageResponse struct {
	Message string `json:"message"`
}

// Handle adds the REST routes of a resource controller to the backend:
//
//	POST   /{resources}
//	GET    /{resources}?page&limit&filter&sort
//	GET    /{resources}/{id}
//	PUT    /{resources}/{id}
//	PATCH  /{resources}/{id}
//	GET    /{resources}/{id}/remove
//	GET    /{resources}/{id}/restore
//	DELETE /{resources}/{id}
func Handle[T any, PT resource.Doc[T]](b *Backend, c *resource.Controller[T, PT]) {
	name := c.Name()
	plural := c.Plural()
	collectionRoute := "/" + plural
	itemRoute := collectionRoute + "/" + IDPattern

	b.log.Debugln("create resource:", name)
	b.log.Debugln("  handle routes:", collectionRoute, "GET,POST")
	b.log.Debugln("  handle routes:", itemRoute, "GET,PUT,PATCH,DELETE")
	b.log.Debugln("  handle routes:", itemRoute+"/remove", "GET")
	b.log.Debugln("  handle routes:", itemRoute+"/restore", "GET")
	b.resources = append(b.resources, plural)

	create := func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context(), b.log).Debugln("called route for", r.URL, r.Method)
		if !b.Authorized(w, r, plural, core.OperationCreate) {
			return
		}
		body, err := readBody(w, r)
		if err != nil {
			b.WriteError(w, r, "Error 4701", name, err)
			return
		}
		doc, err := c.Create(r.Context(), body)
		if err != nil {
			b.WriteError(w, r, "Error 4701", name, err)
			return
		}
		b.WriteJSON(w, r, http.StatusCreated, doc)
	}

	list := func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context(), b.log).Debugln("called route for", r.URL, r.Method)
		if !b.Authorized(w, r, plural, core.OperationList) {
			return
		}
		opts, err := listOptions(r)
		if err != nil {
			b.WriteError(w, r, "Error 4702", plural, err)
			return
		}
		page, err := c.List(r.Context(), opts)
		if err != nil {
			b.WriteError(w, r, "Error 4702", plural, err)
			return
		}
		w.Header().Set("Pagination-Limit", strconv.Itoa(page.Limit))
		w.Header().Set("Pagination-Total-Count", strconv.Itoa(page.TotalDocs))
		w.Header().Set("Pagination-Page-Count", strconv.Itoa(page.TotalPages))
		w.Header().Set("Pagination-Current-Page", strconv.Itoa(page.CurrentPage))
		b.writeCacheable(w, r, page, page.TotalDocs)
	}

	read := func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context(), b.log).Debugln("called route for", r.URL, r.Method)
		if !b.Authorized(w, r, plural, core.OperationRead) {
			return
		}
		doc, err := c.Get(r.Context(), pathID(r))
		if err != nil {
			b.WriteError(w, r, "Error 4703", name, err)
			return
		}
		b.writeCacheable(w, r, doc, 0)
	}

	update := func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context(), b.log).Debugln("called route for", r.URL, r.Method)
		if !b.Authorized(w, r, plural, core.OperationUpdate) {
			return
		}
		body, err := readBody(w, r)
		if err != nil {
			b.WriteError(w, r, "Error 4704", name, err)
			return
		}
		doc, err := c.Update(r.Context(), pathID(r), body)
		if err != nil {
			b.WriteError(w, r, "Error 4704", name, err)
			return
		}
		b.WriteJSON(w, r, http.StatusOK, doc)
	}

	remove := func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context(), b.log).Debugln("called route for", r.URL, r.Method)
		if !b.Authorized(w, r, plural, core.OperationSoftDelete) {
			return
		}
		if _, err := c.SoftDelete(r.Context(), pathID(r)); err != nil {
			b.WriteError(w, r, "Error 4705", name, err)
			return
		}
		b.WriteJSON(w, r, http.StatusOK, messageResponse{Message: name + " removed successfully"})
	}

	restore := func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context(), b.log).Debugln("called route for", r.URL, r.Method)
		if !b.Authorized(w, r, plural, core.OperationRestore) {
			return
		}
		doc, err := c.Restore(r.Context(), pathID(r))
		if err != nil {
			b.WriteError(w, r, "Error 4706", name, err)
			return
		}
		b.WriteJSON(w, r, http.StatusOK, doc)
	}

	deletePermanently := func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context(), b.log).Debugln("called route for", r.URL, r.Method)
		if !b.Authorized(w, r, plural, core.OperationDelete) {
			return
		}
		if err := c.DeletePermanently(r.Context(), pathID(r)); err != nil {
			b.WriteError(w, r, "Error 4707", name, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}

	router := b.router
	router.HandleFunc(collectionRoute, create).Methods(http.MethodOptions, http.MethodPost)
	router.HandleFunc(collectionRoute, list).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc(itemRoute, read).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc(itemRoute, update).Methods(http.MethodOptions, http.MethodPut, http.MethodPatch)
	router.HandleFunc(itemRoute, deletePermanently).Methods(http.MethodOptions, http.MethodDelete)
	router.HandleFunc(itemRoute+"/remove", remove).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc(itemRoute+"/restore", restore).Methods(http.MethodOptions, http.MethodGet)
}

// pathID returns the id path variable. The route pattern guarantees a valid uuid.
func pathID(r *http.Request) uuid.UUID {
	id, _ := uuid.Parse(mux.Vars(r)["id"])
	return id
}

// readBody reads a JSON request body of at most MaxBodySize bytes
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		return nil, entity.Invalid("body", fmt.Sprintf("cannot read body: %v", err))
	}
	return body, nil
}

// listOptions parses the list parameters of a request
func listOptions(r *http.Request) (resource.ListOptions, error) {
	q := r.URL.Query()
	opts := resource.ListOptions{
		Filter: q.Get("filter"),
		Sort:   q.Get("sort"),
	}
	for key, target := range map[string]*int{"page": &opts.Page, "limit": &opts.Limit} {
		value := q.Get(key)
		if value == "" {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return opts, &resource.QueryError{Parameter: key, Value: value, Reason: "must be a positive integer"}
		}
		*target = n
	}
	return opts, nil
}
