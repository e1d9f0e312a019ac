package mysql

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxOptions(t *testing.T) {
	opts := txOptions("mysql")
	require.NotNil(t, opts)
	assert.Equal(t, sql.LevelReadCommitted, opts.Isolation)
	assert.False(t, opts.ReadOnly)

	// SQLite has a single writer and no isolation levels to pick from.
	assert.Nil(t, txOptions("sqlite"))
}
