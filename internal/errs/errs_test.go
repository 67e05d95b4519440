package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsHealthCheckMatchesWrapped(t *testing.T) {
	base := NewHealthCheck("probe", errors.New("connection refused"))
	wrapped := fmt.Errorf("writer w1: %w", base)

	assert.True(t, IsHealthCheck(base))
	assert.True(t, IsHealthCheck(wrapped))
	assert.False(t, IsHealthCheck(errors.New("plain")))
	assert.False(t, IsHealthCheck(NewData("parse", errors.New("bad payload"))))
}

func TestIsDataMatchesWrapped(t *testing.T) {
	base := NewData("xpath", errors.New("matched nothing"))

	assert.True(t, IsData(base))
	assert.True(t, IsData(fmt.Errorf("collector c1: %w", base)))
	assert.False(t, IsData(NewHealthCheck("probe", errors.New("down"))))
}

func TestErrorKindsUnwrap(t *testing.T) {
	cause := errors.New("root cause")

	for _, err := range []error{
		NewHealthCheck("op", cause),
		NewData("op", cause),
		NewConfig("path", cause),
		NewExpression("1 + 1", cause),
	} {
		assert.ErrorIs(t, err, cause)
	}
}

func TestConfigErrorMessageIncludesPath(t *testing.T) {
	err := NewConfig("writers.w1.url", errors.New("required field is missing"))
	assert.Contains(t, err.Error(), "writers.w1.url")
}
