package provision

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenManagerIssue(t *testing.T) {
	tm := NewTokenManager()

	a, err := tm.Issue("inst-a")
	require.NoError(t, err)
	b, err := tm.Issue("inst-b")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Len(t, a, 64)
	_, err = hex.DecodeString(a)
	assert.NoError(t, err)

	id, ok := tm.Lookup(a)
	assert.True(t, ok)
	assert.Equal(t, "inst-a", id)
	assert.Equal(t, 2, tm.Active())
}

func TestTokenManagerRevoke(t *testing.T) {
	tm := NewTokenManager()

	a, err := tm.Issue("inst-a")
	require.NoError(t, err)
	_, err = tm.Issue("inst-b")
	require.NoError(t, err)

	tm.Revoke("inst-a")
	_, ok := tm.Lookup(a)
	assert.False(t, ok)
	assert.Equal(t, 1, tm.Active())

	tm.Revoke("inst-a") // revoking twice is fine
	tm.Revoke("never-issued")
	assert.Equal(t, 1, tm.Active())
}
