/*
Package backend implements the REST binding of resource controllers

A backend owns the mux router and its middlewares: request logging, JWT authentication,
request metrics, CORS, rate limiting and response compression. It also serves the
infrastructure routes

	GET /version
	GET /health
	GET /metrics
	GET /authorization

Resources are added with Handle. For a resource "user" this creates the following REST routes:

	POST /users
	GET /users
	GET /users/{id}
	PUT /users/{id}
	PATCH /users/{id}
	GET /users/{id}/remove
	GET /users/{id}/restore
	DELETE /users/{id}

Lists

List routes accept the query parameters page (from 1), limit (default 10), filter and sort.
The filter has the form

	{role=admin,age=gte:18,createdAt=lt:2024-01-01}

where the operators are eq, ne, gt, gte, lt, lte and like. Fields which are not queryable for
the resource are dropped. Sort takes a comma separated list of fields, a leading "-" sorts
descending; the default is -createdAt.

The response has the form

	{
	  "totalDocs": 42,
	  "totalPages": 5,
	  "currentPage": 1,
	  "docs": [...]
	}

and carries the headers Pagination-Limit, Pagination-Total-Count, Pagination-Page-Count and
Pagination-Current-Page. Lists and single documents carry an Etag; requests with a matching
If-None-Match header receive 304 Not Modified.

Errors

All errors are returned as JSON

	{"message": "...", "errors": [{"field": "...", "message": "..."}]}

with 400 for validation and query errors, 404 for missing or removed documents, 401 when
the request is not authorized and 500 for everything else.

Authorization

When authorization is enabled, every operation must be permitted for one of the roles of the
request. Permits are configured per resource:

	{
	  "resources": [
	    {
	      "resource": "uploadedFiles",
	      "permits": [
	        {"role": "user", "operations": ["create", "read", "list"]}
	      ]
	    }
	  ]
	}

The admin role may do everything unless it has permits of its own.
*/
package backend
