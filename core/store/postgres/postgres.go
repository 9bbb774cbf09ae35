// Package postgres implements the document store on top of postgres. Every collection is a
// table with the document in a jsonb column.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/relabs-tech/docrest/core/csql"
	"github.com/relabs-tech/docrest/core/filter"
	"github.com/relabs-tech/docrest/core/store"
	"github.com/sirupsen/logrus"
)

// Store is a postgres document store
type Store struct {
	db  *csql.DB
	log logrus.FieldLogger
}

// New returns a store on db
func New(db *csql.DB, log logrus.FieldLogger) *Store {
	return &Store{db: db, log: log}
}

// Close implements store.Store
func (s *Store) Close() error {
	return s.db.Close()
}

// Collection implements store.Store. It creates the table and the indices if needed.
func (s *Store) Collection(ctx context.Context, name string, indexes store.Indexes) (store.Collection, error) {
	table := s.db.Table(name)
	query := fmt.Sprintf(`CREATE table IF NOT EXISTS %s (
id uuid NOT NULL PRIMARY KEY,
created_at timestamptz NOT NULL DEFAULT now(),
updated_at timestamptz NOT NULL DEFAULT now(),
document jsonb NOT NULL DEFAULT '{}'::jsonb);`, table)
	query += fmt.Sprintf("CREATE index IF NOT EXISTS %s ON %s(created_at);", indexName(name, "created_at"), table)
	query += indexQueries(name, table, indexes)
	s.log.Debugln("create collection:", name)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("cannot create collection %s: %w", name, err)
	}
	c := &Collection{db: s.db, name: name, table: table, log: s.log, unique: map[string]string{}}
	for _, field := range indexes.Unique {
		c.unique[uniqueName(name, field)] = field
	}
	return c, nil
}

// indexQueries renders the statements creating the document indexes
func indexQueries(name, table string, indexes store.Indexes) string {
	var query string
	for _, field := range indexes.Fields {
		if slices.Contains(indexes.Unique, field) {
			continue
		}
		query += fmt.Sprintf("CREATE index IF NOT EXISTS %s ON %s((document->>%s));",
			indexName(name, field), table, pq.QuoteLiteral(field))
	}
	for _, field := range indexes.Unique {
		query += fmt.Sprintf("CREATE UNIQUE index IF NOT EXISTS %s ON %s((document->>%s));",
			pq.QuoteIdentifier(uniqueName(name, field)), table, pq.QuoteLiteral(field))
	}
	return query
}

func indexName(collection, field string) string {
	return pq.QuoteIdentifier("index_" + collection + "_" + field)
}

func uniqueName(collection, field string) string {
	return "unique_" + collection + "_" + field
}

// Collection is a postgres collection
type Collection struct {
	db    *csql.DB
	name  string
	table string
	log   logrus.FieldLogger
	// unique maps the names of unique indexes to their field
	unique map[string]string
}

// Name implements store.Collection
func (c *Collection) Name() string {
	return c.name
}

type timestamps struct {
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func timestampsOf(doc []byte) (timestamps, error) {
	var ts timestamps
	if err := json.Unmarshal(doc, &ts); err != nil {
		return ts, fmt.Errorf("cannot decode document: %w", err)
	}
	now := time.Now().UTC()
	if ts.CreatedAt.IsZero() {
		ts.CreatedAt = now
	}
	if ts.UpdatedAt.IsZero() {
		ts.UpdatedAt = now
	}
	return ts, nil
}

// Insert implements store.Collection
func (c *Collection) Insert(ctx context.Context, id uuid.UUID, doc []byte) error {
	ts, err := timestampsOf(doc)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx,
		"INSERT INTO "+c.table+" (id, created_at, updated_at, document) VALUES ($1, $2, $3, $4);",
		id, ts.CreatedAt, ts.UpdatedAt, string(doc))
	if err := c.duplicate(err); err != nil {
		return err
	}
	if err != nil {
		return fmt.Errorf("cannot insert into %s: %w", c.name, err)
	}
	return nil
}

// duplicate translates unique violations, it returns nil for any other error
func (c *Collection) duplicate(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return nil
	}
	if field, ok := c.unique[pqErr.Constraint]; ok {
		return &store.DuplicateError{Field: field}
	}
	return store.ErrDuplicate
}

// Get implements store.Collection
func (c *Collection) Get(ctx context.Context, id uuid.UUID, where filter.Predicate) ([]byte, error) {
	b := newBuilder(id)
	query := "SELECT document FROM " + c.table + " WHERE id = $1" + b.and(where) + ";"
	var doc string
	err := c.db.QueryRowContext(ctx, query, b.args...).Scan(&doc)
	if err == csql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		c.log.WithError(err).Errorf("cannot execute query `%s` %v", query, b.args)
		return nil, fmt.Errorf("cannot get from %s: %w", c.name, err)
	}
	return []byte(doc), nil
}

// Find implements store.Collection
func (c *Collection) Find(ctx context.Context, q store.Query) ([][]byte, int, error) {
	b := newBuilder()
	where := b.where(q.Where)
	query := "SELECT document, count(*) OVER() AS full_count FROM " + c.table + where +
		b.orderBy(q.Sort)
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %s", b.arg(q.Limit))
	}
	query += fmt.Sprintf(" OFFSET %s;", b.arg(q.Offset))

	rows, err := c.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		c.log.WithError(err).Errorf("cannot execute query `%s` %v", query, b.args)
		return nil, 0, fmt.Errorf("cannot query %s: %w", c.name, err)
	}
	defer rows.Close()

	docs := [][]byte{}
	totalCount := 0
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc, &totalCount); err != nil {
			return nil, 0, fmt.Errorf("cannot scan values: %w", err)
		}
		docs = append(docs, []byte(doc))
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("cannot read rows of %s: %w", c.name, err)
	}

	if len(docs) == 0 && q.Offset > 0 {
		// sql does not return the total count if we ask beyond limits, hence
		// we need a second query
		countArgs := b.args[:len(b.args)-1]
		if q.Limit > 0 {
			countArgs = b.args[:len(b.args)-2]
		}
		countQuery := "SELECT count(*) FROM " + c.table + where + ";"
		if err := c.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&totalCount); err != nil {
			c.log.WithError(err).Errorf("cannot execute query `%s` %v", countQuery, countArgs)
			return nil, 0, fmt.Errorf("cannot count %s: %w", c.name, err)
		}
	}
	return docs, totalCount, nil
}

// Replace implements store.Collection
func (c *Collection) Replace(ctx context.Context, id uuid.UUID, where filter.Predicate, doc []byte) error {
	ts, err := timestampsOf(doc)
	if err != nil {
		return err
	}
	b := newBuilder(id, string(doc), ts.UpdatedAt)
	query := "UPDATE " + c.table + " SET document = $2, updated_at = $3 WHERE id = $1" + b.and(where) + ";"
	res, err := c.db.ExecContext(ctx, query, b.args...)
	if err := c.duplicate(err); err != nil {
		return err
	}
	if err != nil {
		c.log.WithError(err).Errorf("cannot execute query `%s`", query)
		return fmt.Errorf("cannot update %s: %w", c.name, err)
	}
	return affected(res)
}

// Delete implements store.Collection
func (c *Collection) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := c.db.ExecContext(ctx, "DELETE FROM "+c.table+" WHERE id = $1;", id)
	if err != nil {
		return fmt.Errorf("cannot delete from %s: %w", c.name, err)
	}
	return affected(res)
}

// Exists implements store.Collection
func (c *Collection) Exists(ctx context.Context, where filter.Predicate) (bool, error) {
	b := newBuilder()
	query := "SELECT EXISTS (SELECT 1 FROM " + c.table + b.where(where) + ");"
	var exists bool
	if err := c.db.QueryRowContext(ctx, query, b.args...).Scan(&exists); err != nil {
		c.log.WithError(err).Errorf("cannot execute query `%s` %v", query, b.args)
		return false, fmt.Errorf("cannot query %s: %w", c.name, err)
	}
	return exists, nil
}

func affected(res sql.Result) error {
	count, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cannot read affected rows: %w", err)
	}
	if count == 0 {
		return store.ErrNotFound
	}
	return nil
}

// builder collects query arguments and renders predicates into SQL
type builder struct {
	args []interface{}
}

func newBuilder(args ...interface{}) *builder {
	return &builder{args: args}
}

// arg adds an argument and returns its placeholder
func (b *builder) arg(v interface{}) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

// where renders a WHERE clause, or nothing for the empty predicate
func (b *builder) where(p filter.Predicate) string {
	if len(p) == 0 {
		return ""
	}
	return " WHERE " + b.conditions(p)
}

// and renders the predicate as additional conditions of an existing WHERE clause
func (b *builder) and(p filter.Predicate) string {
	if len(p) == 0 {
		return ""
	}
	return " AND " + b.conditions(p)
}

func (b *builder) conditions(p filter.Predicate) string {
	s := make([]string, len(p))
	for i, c := range p {
		s[i] = b.condition(c)
	}
	return strings.Join(s, " AND ")
}

var sqlOperators = map[filter.Operator]string{
	filter.Eq:  "=",
	filter.Ne:  "IS DISTINCT FROM",
	filter.Gt:  ">",
	filter.Gte: ">=",
	filter.Lt:  "<",
	filter.Lte: "<=",
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (b *builder) condition(c filter.Condition) string {
	field := pq.QuoteLiteral(c.Field)
	text := "document->>" + field
	typeOf := "jsonb_typeof(document->" + field + ")"

	if c.Op == filter.Like {
		pattern, _ := c.Value.(string)
		return fmt.Sprintf("%s ILIKE %s", text, b.arg("%"+likeEscaper.Replace(pattern)+"%"))
	}

	var expr string
	switch c.Value.(type) {
	case float64:
		expr = fmt.Sprintf("(CASE WHEN %s = 'number' THEN (%s)::numeric END)", typeOf, text)
	case bool:
		expr = fmt.Sprintf("(CASE WHEN %s = 'boolean' THEN (%s)::boolean WHEN %s IS NULL OR %s = 'null' THEN false END)",
			typeOf, text, typeOf, typeOf)
	case time.Time:
		expr = fmt.Sprintf("(CASE WHEN %s ~ '^\\d{4}-\\d{2}-\\d{2}' THEN (%s)::timestamptz END)", text, text)
	default:
		expr = "(" + text + ")"
	}
	return fmt.Sprintf("%s %s %s", expr, sqlOperators[c.Op], b.arg(c.Value))
}

// system timestamps have their own columns
var sortColumns = map[string]string{
	"createdAt": "created_at",
	"updatedAt": "updated_at",
}

func (b *builder) orderBy(s filter.Sort) string {
	var keys []string
	for _, f := range s {
		expr, ok := sortColumns[f.Field]
		if !ok {
			expr = "document->" + pq.QuoteLiteral(f.Field)
		}
		if f.Descending {
			keys = append(keys, expr+" DESC NULLS LAST")
		} else {
			keys = append(keys, expr+" ASC NULLS FIRST")
		}
	}
	keys = append(keys, "created_at ASC", "id ASC")
	return " ORDER BY " + strings.Join(keys, ", ")
}
