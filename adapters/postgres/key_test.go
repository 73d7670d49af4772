package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdvisoryKey(t *testing.T) {
	assert.Equal(t, advisoryKey("users_write_lock"), advisoryKey("users_write_lock"))
	assert.NotEqual(t, advisoryKey("users_write_lock"), advisoryKey("comments_write_lock"))
	assert.NotZero(t, advisoryKey(""))
}
