// Package softdelete implements the soft-delete policy shared by all resources.
//
// A soft-deleted record keeps its data but carries isDeleted=true and the time of deletion.
// Default reads never see such records unless the caller explicitly filters on isDeleted.
package softdelete

import (
	"time"

	"github.com/relabs-tech/docrest/core/filter"
)

// the JSON names of the soft-delete markers
const (
	FieldIsDeleted = "isDeleted"
	FieldDeletedAt = "deletedAt"
)

// Fields is the allow-list entry for the soft-delete markers. It is merged into every resource.
var Fields = filter.Fields{
	FieldIsDeleted: filter.KindBool,
	FieldDeletedAt: filter.KindTime,
}

// State holds the soft-delete markers of a record
type State struct {
	IsDeleted bool       `json:"isDeleted"`
	DeletedAt *time.Time `json:"deletedAt"`
}

// MarkDeleted soft-deletes the record at the given time
func (s *State) MarkDeleted(now time.Time) {
	s.IsDeleted = true
	s.DeletedAt = &now
}

// Restore clears both markers
func (s *State) Restore() {
	s.IsDeleted = false
	s.DeletedAt = nil
}

// Scope applies the default visibility to a caller predicate: unless the caller constrains
// isDeleted, soft-deleted records are excluded.
func Scope(p filter.Predicate) filter.Predicate {
	if p.Has(FieldIsDeleted) {
		return p
	}
	return p.And(filter.Condition{Field: FieldIsDeleted, Op: filter.Ne, Value: true})
}

// Active selects records which are not soft-deleted
func Active() filter.Predicate {
	return filter.Predicate{{Field: FieldIsDeleted, Op: filter.Ne, Value: true}}
}

// Deleted selects soft-deleted records
func Deleted() filter.Predicate {
	return filter.Predicate{{Field: FieldIsDeleted, Op: filter.Eq, Value: true}}
}
