package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidateRoundTrip(t *testing.T) {
	svc := NewTokenService("super-secret", "expense-core", "expense-core")

	token, err := svc.Issue("user-42", time.Hour)
	require.NoError(t, err)

	subject, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", subject)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	svc := NewTokenService("super-secret", "", "")
	token, err := svc.Issue("user-42", -time.Minute)
	require.NoError(t, err)

	_, err = svc.Validate(token)
	assert.Error(t, err)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenService("secret-a", "", "")
	verifier := NewTokenService("secret-b", "", "")

	token, err := issuer.Issue("user-1", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Validate(token)
	assert.Error(t, err)
}
