package errors_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Spreetail/amqproxy/errors"
)

func TestNewCapturesStack(t *testing.T) {
	err := errors.New("boom")
	var e *errors.Error
	require.True(t, errors.As(err, &e))
	assert.NotEmpty(t, e.StackTrace())
	assert.Equal(t, "boom", err.Error())
}

func TestWrapPreservesChain(t *testing.T) {
	root := errors.New("dial refused")
	wrapped := errors.Wrap(root, "connect to upstream")

	assert.Equal(t, "connect to upstream: dial refused", wrapped.Error())
	assert.True(t, errors.Is(wrapped, wrapped))
	assert.Equal(t, root, errors.Unwrap(wrapped))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, errors.Wrap(nil, "whatever"))
	assert.Nil(t, errors.Wrapf(nil, "whatever %d", 1))
}

func TestCause(t *testing.T) {
	root := errors.New("socket reset")
	wrapped := errors.Wrap(errors.Wrap(root, "flush"), "release upstream")
	assert.Equal(t, root, errors.Cause(wrapped))
}

func TestHintsAndTags(t *testing.T) {
	err := errors.New("negotiation failed")
	var e *errors.Error
	require.True(t, errors.As(err, &e))

	e.AddHint("client requested an unsupported mechanism")
	e.SetTag("vhost", "/")

	assert.Len(t, e.Hints(), 1)
	assert.Equal(t, "/", e.Tags()["vhost"])
}

func TestFormatVerbs(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, "boom", fmt.Sprintf("%s", err))
	assert.Contains(t, fmt.Sprintf("%v", err), "boom")
	assert.Contains(t, fmt.Sprintf("%+v", err), "boom")
}

func TestRedact(t *testing.T) {
	msg := errors.Redact("AMQPLAIN login failed for user=guest pass=hunter2", "hunter2")
	assert.NotContains(t, msg, "hunter2")

	err := errors.WithRedaction(errors.New("bad credentials: hunter2"), "hunter2")
	var r interface{ Redacted() string }
	require.True(t, errors.As(err, &r))
	assert.NotContains(t, r.Redacted(), "hunter2")
	assert.Contains(t, err.Error(), "hunter2") // Error() still returns the raw value
}

func TestNewWithRecover(t *testing.T) {
	assert.Nil(t, errors.NewWithRecover(nil))

	var caught error
	func() {
		defer func() {
			caught = errors.NewWithRecover(recover())
		}()
		panic("frame pump crashed")
	}()
	require.Error(t, caught)
	assert.Contains(t, caught.Error(), "frame pump crashed")
}
