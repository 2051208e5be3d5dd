package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint hit.
const uniqueViolation = "23505"

// Excluded names the proposed row's column inside ON CONFLICT DO UPDATE.
func Excluded(column string) string {
	return "EXCLUDED." + column
}

// InsertBuilder is a PostgreSQL insert with an optional upsert clause.
type InsertBuilder struct {
	*sqlbuilder.InsertBuilder
	table string
}

// NewInsertBuilder starts an insert of columns into table.
func NewInsertBuilder(table string, columns ...string) *InsertBuilder {
	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols(columns...)
	return &InsertBuilder{InsertBuilder: ib, table: table}
}

// OnConflictUpdate overwrites updateColumns with the proposed row's values
// when conflictColumns collide.
func (b *InsertBuilder) OnConflictUpdate(conflictColumns []string, updateColumns ...string) *InsertBuilder {
	assignments := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		assignments[i] = col + " = " + Excluded(col)
	}
	return b.OnConflictDo(conflictColumns, "", assignments...)
}

// OnConflictDo applies raw assignments when conflictColumns collide. A
// non-empty where limits which stored rows are updated.
func (b *InsertBuilder) OnConflictDo(conflictColumns []string, where string, assignments ...string) *InsertBuilder {
	clause := fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(conflictColumns, ", "), strings.Join(assignments, ", "))
	if where != "" {
		clause += " WHERE " + where
	}
	b.SQL(clause)
	return b
}

// Fill assigns the proposed value of column unless it is NULL, in which
// case the stored value is kept.
func (b *InsertBuilder) Fill(column string) string {
	return fmt.Sprintf("%s = COALESCE(%s, %s.%s)", column, Excluded(column), b.table, column)
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
