// Package sqlbuilder generates the fixed SQL shapes the repository issues.
// Identifiers are double-quoted; bind placeholders are positional.
package sqlbuilder

import (
	"fmt"
	"log"
	"strings"
)

const pkColumn = "id"

func quote(identifier string) string {
	return `"` + identifier + `"`
}

// SelectByID constructs a single-record lookup by primary key.
func SelectByID(tableName string) string {
	return fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", tableName, quote(pkColumn))
}

// SelectList constructs a filtered, ordered, paginated list query.
func SelectList(tableName, where, orderBy string, limit, offset int) string {
	var query strings.Builder
	query.WriteString("SELECT * FROM ")
	query.WriteString(tableName)
	if where != "" {
		query.WriteString(" WHERE ")
		query.WriteString(where)
	}
	if orderBy != "" {
		query.WriteString(" ORDER BY ")
		query.WriteString(orderBy)
	}
	if limit > 0 {
		fmt.Fprintf(&query, " LIMIT %d", limit)
		if offset > 0 {
			fmt.Fprintf(&query, " OFFSET %d", offset)
		}
	}
	return query.String()
}

// InsertReturning constructs an INSERT that yields the stored row, so the
// caller never needs a follow-up read to learn generated values.
func InsertReturning(tableName string, columns []string) string {
	if tableName == "" || len(columns) == 0 {
		log.Printf("Error: InsertReturning called with incomplete info: TableName='%s', Columns=%d", tableName, len(columns))
		return ""
	}
	quotedCols := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, c := range columns {
		quotedCols[i] = quote(c)
		placeholders[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		tableName, strings.Join(quotedCols, ", "), strings.Join(placeholders, ", "))
}

// UpdateReturning constructs a by-id UPDATE that yields the updated row.
// Zero returned rows distinguishes "no such record" from a no-op update
// that matched but changed nothing.
func UpdateReturning(tableName string, columns []string) string {
	if tableName == "" || len(columns) == 0 {
		log.Printf("Error: UpdateReturning called with incomplete info: TableName='%s', Columns=%d", tableName, len(columns))
		return ""
	}
	setClauses := make([]string, len(columns))
	for i, c := range columns {
		setClauses[i] = quote(c) + " = ?"
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = ? RETURNING *",
		tableName, strings.Join(setClauses, ", "), quote(pkColumn))
}

// DeleteReturning constructs a by-id DELETE that yields the removed row.
func DeleteReturning(tableName string) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = ? RETURNING *", tableName, quote(pkColumn))
}

// Count constructs a SELECT COUNT(*) with an optional WHERE clause.
func Count(tableName, where string) string {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", tableName)
	if where != "" {
		query = fmt.Sprintf("%s WHERE %s", query, where)
	}
	return query
}
