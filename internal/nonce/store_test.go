package nonce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidateQopNoneSingleUse(t *testing.T) {
	s := New(time.Minute)
	n, err := s.Issue(false)
	require.NoError(t, err)

	outcome, err := s.Validate(n, 0)
	require.NoError(t, err)
	assert.Equal(t, Ok, outcome)

	outcome, err = s.Validate(n, 0)
	assert.Equal(t, Ok, outcome)
	assert.ErrorIs(t, err, ErrReplayed)
}

func TestValidateQopAuthRequiresStrictlyIncreasingNC(t *testing.T) {
	s := New(time.Minute)
	n, err := s.Issue(true)
	require.NoError(t, err)

	outcome, err := s.Validate(n, 1)
	require.NoError(t, err)
	assert.Equal(t, Ok, outcome)

	outcome, err = s.Validate(n, 2)
	require.NoError(t, err)
	assert.Equal(t, Ok, outcome)

	outcome, err = s.Validate(n, 2)
	assert.Equal(t, Ok, outcome)
	assert.ErrorIs(t, err, ErrReplayed)

	outcome, err = s.Validate(n, 1)
	assert.Equal(t, Ok, outcome)
	assert.ErrorIs(t, err, ErrReplayed)
}

func TestValidateUnknownNonce(t *testing.T) {
	s := New(time.Minute)
	outcome, err := s.Validate("does-not-exist", 0)
	require.NoError(t, err)
	assert.Equal(t, Unknown, outcome)
}

func TestValidateStaleNonce(t *testing.T) {
	s := New(10 * time.Millisecond)
	n, err := s.Issue(false)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	outcome, err := s.Validate(n, 0)
	require.NoError(t, err)
	assert.Equal(t, Stale, outcome)
}

func TestSweepRemovesExpired(t *testing.T) {
	s := New(10 * time.Millisecond)
	_, err := s.Issue(false)
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())

	time.Sleep(20 * time.Millisecond)
	removed := s.Sweep()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, s.Len())
}

func TestValidateIsPureFunctionOfState(t *testing.T) {
	s := New(time.Minute)
	n, err := s.Issue(true)
	require.NoError(t, err)

	o1, e1 := s.Validate(n, 5)
	o2, e2 := s.Validate(n, 5)
	assert.Equal(t, o1, o2)
	assert.NoError(t, e1)
	assert.ErrorIs(t, e2, ErrReplayed)
}
