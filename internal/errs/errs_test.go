package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	err := TypeConflict("x", "double", "string")
	assert.Equal(t, "TYPE_CONFLICT: topic is declared double, got string (topic=x)", err.Error())

	h := UnknownHandle(0x10)
	assert.Contains(t, h.Error(), "handle=0x10")
}

func TestError_IsSentinel(t *testing.T) {
	err := fmt.Errorf("publish: %w", TypeConflict("x", "double", "string"))

	assert.True(t, errors.Is(err, ErrTypeConflict))
	assert.False(t, errors.Is(err, ErrUnknownHandle))
	assert.True(t, IsTypeConflict(err))
	assert.False(t, IsClosed(err))
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("broken pipe")
	err := Wrap(CodeConnectionLost, cause, "write frame")

	assert.True(t, errors.Is(err, cause))
	assert.True(t, IsConnectionLost(err))
	assert.Contains(t, err.Error(), "broken pipe")
}

func TestCodeOf_NonEngineError(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.Equal(t, Code(""), CodeOf(nil))
}
