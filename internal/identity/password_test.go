package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct-horse-battery-staple")
	require.NoError(t, err)
	assert.NotEqual(t, "correct-horse-battery-staple", hash)

	assert.NoError(t, VerifyPassword(hash, "correct-horse-battery-staple"))
	assert.Error(t, VerifyPassword(hash, "wrong-password"))
}
