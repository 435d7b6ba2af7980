package errdefs

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	cfg := Configuration("class %q has no samples", "covid")
	in := Input(io.ErrUnexpectedEOF, "decode image")

	assert.True(t, IsConfiguration(cfg))
	assert.False(t, IsInput(cfg))
	assert.True(t, IsInput(in))
	assert.False(t, IsConfiguration(in))

	wrapped := errors.Wrap(cfg, "compute class weights")
	assert.True(t, IsConfiguration(wrapped))
	assert.Contains(t, wrapped.Error(), `class "covid" has no samples`)

	assert.True(t, errors.Is(in, io.ErrUnexpectedEOF))
	assert.False(t, IsConfiguration(io.EOF))
}
