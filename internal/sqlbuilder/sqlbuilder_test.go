package sqlbuilder_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"sturdy/internal/sqlbuilder"
)

func TestSelectByID(t *testing.T) {
	assert.Equal(t, `SELECT * FROM users WHERE "id" = ?`, sqlbuilder.SelectByID("users"))
}

func TestSelectList(t *testing.T) {
	assert.Equal(t, "SELECT * FROM users",
		sqlbuilder.SelectList("users", "", "", 0, 0))

	assert.Equal(t, `SELECT * FROM users WHERE "age" > ?`,
		sqlbuilder.SelectList("users", `"age" > ?`, "", 0, 0))

	assert.Equal(t, `SELECT * FROM users ORDER BY "id" DESC`,
		sqlbuilder.SelectList("users", "", `"id" DESC`, 0, 0))

	assert.Equal(t, `SELECT * FROM users WHERE "age" > ? ORDER BY "id" LIMIT 10 OFFSET 20`,
		sqlbuilder.SelectList("users", `"age" > ?`, `"id"`, 10, 20))

	// An offset without a limit is meaningless and is dropped.
	assert.Equal(t, "SELECT * FROM users",
		sqlbuilder.SelectList("users", "", "", 0, 20))
}

func TestInsertReturning(t *testing.T) {
	assert.Equal(t, `INSERT INTO users ("email", "name") VALUES (?, ?) RETURNING *`,
		sqlbuilder.InsertReturning("users", []string{"email", "name"}))

	assert.Empty(t, sqlbuilder.InsertReturning("", []string{"name"}))
	assert.Empty(t, sqlbuilder.InsertReturning("users", nil))
}

func TestUpdateReturning(t *testing.T) {
	assert.Equal(t, `UPDATE users SET "email" = ?, "name" = ? WHERE "id" = ? RETURNING *`,
		sqlbuilder.UpdateReturning("users", []string{"email", "name"}))

	assert.Empty(t, sqlbuilder.UpdateReturning("users", nil))
}

func TestDeleteReturning(t *testing.T) {
	assert.Equal(t, `DELETE FROM users WHERE "id" = ? RETURNING *`,
		sqlbuilder.DeleteReturning("users"))
}

func TestCount(t *testing.T) {
	assert.Equal(t, "SELECT COUNT(*) FROM users", sqlbuilder.Count("users", ""))
	assert.Equal(t, `SELECT COUNT(*) FROM users WHERE "age" > ?`,
		sqlbuilder.Count("users", `"age" > ?`))
}
