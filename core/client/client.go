// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package client provides easy and fast in-process access to a REST api

Instead of marshalling HTTP, the client can talk directly to the mux router. The client
is perfectly suited for unit tests, tools like the seeder, and integration tests against a
running service.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/relabs-tech/docrest/core"
	"github.com/relabs-tech/docrest/core/access"
)

// Client provides easy access to the REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	token      string
	auth       *access.Authorization
	ctx        context.Context

	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests to the backend,
// through the mux router
//
// WithAuthorization() adds an authorization to the request context.
// WithContext() specifies a different base context all together.
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to the backend
//
// WithToken adds an authorization token to the request header.
func NewWithURL(url string) Client {
	return Client{
		url:            strings.TrimSuffix(url, "/"),
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	headers := map[string]string{key: value}
	for k, v := range c.defaultHeaders {
		if k != key {
			headers[k] = v
		}
	}
	c.defaultHeaders = headers
	return c
}

// WithToken returns a new client which sends token as bearer token
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithAuthorization returns a new client with specific authorizations
// (this works only directly against the mux router and bypasses the token check,
// for a normal client use WithToken())
func (c Client) WithAuthorization(auth *access.Authorization) Client {
	c.auth = auth
	return c
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the request context of the client
func (c Client) Context() context.Context {
	ctx := c.ctx
	if c.ctx == nil {
		ctx = context.Background()
	}
	if c.auth != nil {
		ctx = c.auth.ContextWithAuthorization(ctx)
	}
	return ctx
}

// StatusError is returned when a request was answered with an unexpected status code
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned unexpected status code %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Login logs in with email and password and returns a new client carrying the token
func (c Client) Login(email, password string) (Client, error) {
	var res struct {
		Token string `json:"token"`
	}
	_, err := c.RawPost("/auth/login", map[string]string{"email": email, "password": password}, &res)
	if err != nil {
		return c, err
	}
	return c.WithToken(res.Token), nil
}

// Collection represents the collection of a resource, e.g. "user"
type Collection struct {
	client     Client
	resource   string
	parameters url.Values
}

// Collection returns a new collection client for the singular resource name
func (c Client) Collection(resource string) Collection {
	return Collection{
		client:     c,
		resource:   resource,
		parameters: url.Values{},
	}
}

// WithParameter returns a new collection client with a URL parameter added.
func (r Collection) WithParameter(key string, value string) Collection {
	// we want a true copy to avoid side effects
	parameters := url.Values{}
	for k, v := range r.parameters {
		parameters[k] = append([]string{}, v...)
	}
	parameters.Set(key, value)
	r.parameters = parameters
	return r
}

// WithFilter returns a new collection client with a filter parameter for the conditions,
// e.g. {"role": "admin", "age": "gte:18"}
func (r Collection) WithFilter(conditions map[string]string) Collection {
	pairs := make([]string, 0, len(conditions))
	for key, value := range conditions {
		pairs = append(pairs, key+"="+value)
	}
	sort.Strings(pairs)
	return r.WithParameter("filter", "{"+strings.Join(pairs, ",")+"}")
}

// WithSort returns a new collection client with a sort parameter, e.g. "-createdAt,username"
func (r Collection) WithSort(sort string) Collection {
	return r.WithParameter("sort", sort)
}

// WithLimit returns a new collection client with a page size
func (r Collection) WithLimit(limit int) Collection {
	return r.WithParameter("limit", strconv.Itoa(limit))
}

// CollectionPath returns the path of the collection plus optional query strings
func (r Collection) CollectionPath() string {
	path := "/" + core.Plural(r.resource)
	if len(r.parameters) > 0 {
		path += "?" + r.parameters.Encode()
	}
	return path
}

// Create creates a new item. Expects http.StatusCreated.
//
// body can also be a []byte, result can also be raw *[]byte.
// result can be nil.
func (r Collection) Create(body interface{}, result interface{}) (int, error) {
	return r.client.RawPost(r.CollectionPath(), body, result)
}

// List reads the first page of the collection
func (r Collection) List(result interface{}) (int, error) {
	return r.client.RawGet(r.CollectionPath(), result)
}

// Item represents a single item of a collection
type Item struct {
	client   Client
	resource string
	id       uuid.UUID
}

// Item returns a new item client
func (r Collection) Item(id uuid.UUID) Item {
	return Item{client: r.client, resource: r.resource, id: id}
}

// Path returns the path of the item
func (r Item) Path() string {
	return "/" + core.Plural(r.resource) + "/" + r.id.String()
}

// Read reads the item
func (r Item) Read(result interface{}) (int, error) {
	return r.client.RawGet(r.Path(), result)
}

// Update replaces the given top-level properties of the item
func (r Item) Update(body interface{}, result interface{}) (int, error) {
	return r.client.RawPut(r.Path(), body, result)
}

// Patch is the same as Update
func (r Item) Patch(body interface{}, result interface{}) (int, error) {
	return r.client.RawPatch(r.Path(), body, result)
}

// Remove marks the item as deleted
func (r Item) Remove() (int, error) {
	return r.client.RawGet(r.Path()+"/remove", nil)
}

// Restore restores a removed item
func (r Item) Restore(result interface{}) (int, error) {
	return r.client.RawGet(r.Path()+"/restore", result)
}

// Delete deletes the item permanently. Expects http.StatusNoContent.
func (r Item) Delete() (int, error) {
	return r.client.RawDelete(r.Path())
}

// Page is a requester for the pages of a collection
type Page struct {
	r          Collection
	page       int
	pageCount  int
	totalCount int
}

// FirstPage returns a requester for the first page of a collection
//
// Do not specify the page parameter when using the page requester, as
// it manages page itself. You can set all others parameters, including
// limit.
func (r Collection) FirstPage() Page {
	return Page{page: 1, r: r}
}

// HasData returns true if the page has data (by definition true for the first page)
func (p Page) HasData() bool {
	return p.page == 1 || p.page <= p.pageCount
}

// TotalCount returns the total number of elements (only available after you have called Get on the page)
func (p Page) TotalCount() int {
	return p.totalCount
}

// Get gets one page of the collection
func (p *Page) Get(result interface{}) (int, error) {
	path := p.r.WithParameter("page", strconv.Itoa(p.page)).CollectionPath()
	status, header, err := p.r.client.do(http.MethodGet, path, nil, nil, result, http.StatusOK)
	if err != nil {
		return status, err
	}
	if pageCount, err := strconv.Atoi(header.Get("Pagination-Page-Count")); err == nil {
		p.pageCount = pageCount
	}
	if totalCount, err := strconv.Atoi(header.Get("Pagination-Total-Count")); err == nil {
		p.totalCount = totalCount
	}
	return status, nil
}

// Next returns the next page
func (p Page) Next() Page {
	return Page{
		r:         p.r,
		page:      p.page + 1,
		pageCount: p.pageCount,
	}
}

// RawGet gets the resource from path. Expects http.StatusOK as response, otherwise it will
// flag an error. Returns the actual http status code.
//
// The path can be extend with query strings.
//
// result can be map[string]interface{} or a raw *[]byte.
// result can be nil.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	status, _, err := c.do(http.MethodGet, path, nil, nil, result, http.StatusOK)
	return status, err
}

// RawGetWithHeader gets the resource from path with additional request headers. It returns the
// response header as well.
func (c Client) RawGetWithHeader(path string, header map[string]string, result interface{}) (int, http.Header, error) {
	return c.do(http.MethodGet, path, header, nil, result, http.StatusOK, http.StatusNotModified)
}

// RawPost posts a resource to path. Expects http.StatusCreated or http.StatusOK as response,
// otherwise it will flag an error. Returns the actual http status code.
//
// body can also be a []byte, result can also be raw *[]byte.
// result can be nil.
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	return c.withBody(http.MethodPost, path, body, result, http.StatusCreated, http.StatusOK)
}

// RawPut puts a resource to path. Expects http.StatusOK.
func (c Client) RawPut(path string, body interface{}, result interface{}) (int, error) {
	return c.withBody(http.MethodPut, path, body, result, http.StatusOK)
}

// RawPatch patches a resource at path. Expects http.StatusOK.
func (c Client) RawPatch(path string, body interface{}, result interface{}) (int, error) {
	return c.withBody(http.MethodPatch, path, body, result, http.StatusOK)
}

// RawDelete deletes the resource at path. Expects http.StatusNoContent as response, otherwise it will
// flag an error.
func (c Client) RawDelete(path string) (int, error) {
	status, _, err := c.do(http.MethodDelete, path, nil, nil, nil, http.StatusNoContent)
	return status, err
}

// PostMultipart uploads data as form field with a filename and additional form fields to path.
// Expects http.StatusCreated or http.StatusOK.
func (c Client) PostMultipart(path, field, filename string, data []byte, fields map[string]string, result interface{}) (int, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	for key, value := range fields {
		if err := w.WriteField(key, value); err != nil {
			return http.StatusBadRequest, err
		}
	}
	fw, err := w.CreateFormFile(field, filename)
	if err != nil {
		return http.StatusBadRequest, err
	}
	if _, err = fw.Write(data); err != nil {
		return http.StatusBadRequest, err
	}
	if err = w.Close(); err != nil {
		return http.StatusBadRequest, err
	}
	header := map[string]string{"Content-Type": w.FormDataContentType()}
	status, _, err := c.do(http.MethodPost, path, header, &b, result, http.StatusCreated, http.StatusOK)
	return status, err
}

func (c Client) withBody(method, path string, body interface{}, result interface{}, expected ...int) (int, error) {
	j, ok := body.([]byte)
	if !ok {
		var err error
		j, err = json.Marshal(body)
		if err != nil {
			return http.StatusBadRequest, fmt.Errorf("%s to %s: %w", method, path, err)
		}
	}
	header := map[string]string{"Content-Type": "application/json"}
	status, _, err := c.do(method, path, header, bytes.NewReader(j), result, expected...)
	return status, err
}

// do executes a request either through the router or over HTTP. A status outside of expected
// is returned as *StatusError.
func (c Client) do(method, path string, header map[string]string, body io.Reader, result interface{}, expected ...int) (int, http.Header, error) {
	r, err := http.NewRequestWithContext(c.Context(), method, c.url+path, body)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}
	for key, value := range c.defaultHeaders {
		r.Header.Set(key, value)
	}
	for key, value := range header {
		r.Header.Set(key, value)
	}
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}

	var res *http.Response
	var resBody []byte
	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		res = rec.Result()
		resBody = rec.Body.Bytes()
	} else {
		res, err = c.httpClient.Do(r)
		if err != nil {
			return http.StatusInternalServerError, nil, err
		}
		defer res.Body.Close()
		resBody, _ = io.ReadAll(res.Body)
	}

	status := res.StatusCode
	accepted := false
	for _, e := range expected {
		if status == e {
			accepted = true
		}
	}
	if !accepted {
		return status, res.Header, &StatusError{Method: method, Path: path, Status: status, Body: strings.TrimSpace(string(resBody))}
	}
	if len(resBody) > 0 && result != nil {
		if raw, ok := result.(*[]byte); ok {
			*raw = resBody
		} else if err := json.Unmarshal(resBody, result); err != nil {
			return status, res.Header, fmt.Errorf("%s %s: cannot decode response: %w", method, path, err)
		}
	}
	return status, res.Header, nil
}
