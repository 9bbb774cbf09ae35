package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Operation represents a backend storage operation, one of Create, Read, Update, Delete, List,
// SoftDelete or Restore
type Operation string

// all supported database operations
const (
	OperationCreate     Operation = "create"
	OperationRead       Operation = "read"
	OperationUpdate     Operation = "update"
	OperationDelete     Operation = "delete"
	OperationList       Operation = "list"
	OperationSoftDelete Operation = "soft_delete"
	OperationRestore    Operation = "restore"
)

// UnmarshalJSON is a custom JSON unmarshaller
func (o *Operation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = Operation(s)
	switch *o {
	case OperationCreate, OperationRead, OperationUpdate, OperationDelete, OperationList,
		OperationSoftDelete, OperationRestore:
		return nil
	default:
		return fmt.Errorf("%s is not valid Operation", s)
	}
}

// Notifier receives a notification for every successful modifying operation.
//
// payload is the JSON document after the operation; it is nil for permanent deletes.
type Notifier interface {
	Notify(ctx context.Context, resource string, operation Operation, id uuid.UUID, payload []byte) error
}

// Plural returns the plural form of the passed singular string.
//
// This is the algorithm used to create idiomatic REST routes
func Plural(singular string) string {
	if strings.HasSuffix(singular, "y") {
		return strings.TrimSuffix(singular, "y") + "ies"
	}
	if strings.HasSuffix(singular, "child") {
		return strings.TrimSuffix(singular, "child") + "children"
	}
	return singular + "s"
}
