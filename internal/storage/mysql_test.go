package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
)

func TestMySQLDialect_IsDuplicate(t *testing.T) {
	dup := &mysql.MySQLError{Number: mysqlDuplicateEntry, Message: "Duplicate entry 'x' for key 'PRIMARY'"}
	assert.True(t, mysqlDialect.isDuplicate(dup))
	assert.True(t, mysqlDialect.isDuplicate(fmt.Errorf("insert: %w", dup)))
	assert.False(t, mysqlDialect.isDuplicate(&mysql.MySQLError{Number: 1213, Message: "Deadlock found"}))
	assert.False(t, mysqlDialect.isDuplicate(fmt.Errorf("UNIQUE constraint failed")))
}

func TestOpenMySQL_BadDSN(t *testing.T) {
	_, err := OpenMySQL(context.Background(), "not a dsn", 1, 0)
	assert.ErrorContains(t, err, "parsing mysql dsn")
}
