package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithLayer(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, WithLayer("Dense", "d1", nil))
	})

	t.Run("wraps sentinel", func(t *testing.T) {
		err := WithLayer("Conv2D", "conv", Configf("padding %q", "full"))
		assert.True(t, errors.Is(err, ErrConfig))
		assert.Contains(t, err.Error(), `Conv2D "conv"`)
		assert.Contains(t, err.Error(), "full")

		var le *LayerError
		assert.True(t, errors.As(err, &le))
		assert.Equal(t, "conv", le.Name)
	})

	t.Run("keeps innermost context", func(t *testing.T) {
		inner := WithLayer("LSTM", "lstm", Shapef("rank %d", 3))
		outer := WithLayer("Bidirectional", "bi", fmt.Errorf("forward: %w", inner))
		var le *LayerError
		assert.True(t, errors.As(outer, &le))
		assert.Equal(t, "lstm", le.Name)
		assert.True(t, errors.Is(outer, ErrShapeMismatch))
	})
}
