package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderDefaults(t *testing.T) {
	tests := []struct {
		kind        ErrorKind
		recoverable bool
	}{
		{KindRepositoryNotFound, false},
		{KindAuthentication, false},
		{KindInvalidRepositoryURL, false},
		{KindRateLimitExceeded, true},
		{KindGitHubAPI, true},
		{KindPRConversion, true},
		{KindPRBatchSync, true},
		{KindSynchronization, true},
		{KindUnexpected, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := New(tt.kind, "boom").Build()
			assert.Equal(t, tt.kind, err.Kind())
			assert.Equal(t, tt.recoverable, err.Recoverable())
			assert.Equal(t, SeverityError, err.Severity())
			assert.WithinDuration(t, time.Now().UTC(), err.OccurredAt(), time.Second)
		})
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	err := Wrap(cause, KindGitHubAPI, "listing pull requests").
		WithContext("status_code", 502).
		Build()

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "github_api_error")
	assert.Contains(t, err.Error(), "connection refused")

	status, ok := err.Context().GetInt("status_code")
	require.True(t, ok)
	assert.Equal(t, 502, status)
}

func TestIsMatchesOnKind(t *testing.T) {
	err := RateLimitExceeded("core exhausted").
		WithContext("reset_time", time.Now().Add(time.Minute).Unix()).
		Build()

	sentinel := New(KindRateLimitExceeded, "").Build()
	assert.True(t, errors.Is(err, sentinel))

	other := New(KindGitHubAPI, "").Build()
	assert.False(t, errors.Is(err, other))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindUnexpected, KindOf(fmt.Errorf("plain")))
	assert.True(t, IsRecoverable(fmt.Errorf("plain")))
	assert.True(t, HasKind(Authentication("bad token").Build(), KindAuthentication))
}

func TestWithContextCopies(t *testing.T) {
	base := GitHubAPI("x").Build()
	derived := base.WithContext("status_code", 500)

	_, ok := base.Context().Get("status_code")
	assert.False(t, ok, "base error context must not be mutated")
	_, ok = derived.Context().Get("status_code")
	assert.True(t, ok)
}

func TestContextMerge(t *testing.T) {
	a := ErrorContext{"k": "v", "n": 1}
	b := ErrorContext{"n": 2}
	merged := a.Merge(b)

	s, _ := merged.GetString("k")
	assert.Equal(t, "v", s)
	n, _ := merged.GetInt("n")
	assert.Equal(t, 2, n)
}
