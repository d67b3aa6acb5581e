package chaterrors

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	require.True(t, IsRetryable(&NetworkError{Op: "fetch", Err: errors.New("timeout")}))
	require.True(t, IsRetryable(errors.Wrap(&ConnectionError{Op: "dial", Err: errors.New("refused")}, "connect")))
	require.False(t, IsRetryable(&FormatError{Op: "fetch", Err: errors.New("missing data")}))
	require.False(t, IsRetryable(&AuthenticationError{Op: "dial", StatusCode: 401}))
	require.False(t, IsRetryable(nil))
}

func TestMessage(t *testing.T) {
	require.Equal(t, "", Message(nil))
	require.Equal(t, "Connection error: refused", Message(&ConnectionError{Op: "dial", Err: errors.New("refused")}))
	require.Equal(t, "Authentication failed, please log in again.",
		Message(errors.Wrap(&AuthenticationError{Op: "dial", StatusCode: 403}, "connect")))
	require.Equal(t, "The agent failed to reply: quota", Message(&StreamError{Reason: "quota"}))
	require.Equal(t, "plain", Message(errors.New("plain")))
}

func TestUnwrapChain(t *testing.T) {
	cause := errors.New("boom")
	err := &NetworkError{Op: "fetch", StatusCode: 502, Err: cause}
	require.True(t, errors.Is(err, cause))
	require.Contains(t, err.Error(), "HTTP 502")
}
