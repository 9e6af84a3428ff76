//go:build !integration

package usecase_test

import (
	"context"
	"testing"

	"bizdash-jobs/internal/usecase"

	"github.com/stretchr/testify/assert"
)

func TestCancellationController(t *testing.T) {
	t.Run("should cancel a registered runner", func(t *testing.T) {
		c := usecase.NewCancellationController()
		ctx, done := c.Register(context.Background(), "j1")
		defer done()

		assert.True(t, c.Running("j1"))
		assert.True(t, c.Cancel("j1"))
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
		assert.True(t, c.Running("j1"), "entries stay until the runner returns")
	})

	t.Run("should forget a job once done", func(t *testing.T) {
		c := usecase.NewCancellationController()
		ctx, done := c.Register(context.Background(), "j1")
		done()
		done()

		assert.False(t, c.Running("j1"))
		assert.False(t, c.Cancel("j1"))
		assert.Error(t, ctx.Err(), "done releases the context")
	})

	t.Run("should cancel the older registration of a reused id", func(t *testing.T) {
		c := usecase.NewCancellationController()
		oldCtx, oldDone := c.Register(context.Background(), "j1")
		newCtx, newDone := c.Register(context.Background(), "j1")
		defer newDone()

		assert.Error(t, oldCtx.Err())
		oldDone()
		assert.True(t, c.Running("j1"), "stale done must not drop the newer entry")
		assert.NoError(t, newCtx.Err())
	})

	t.Run("should signal every runner", func(t *testing.T) {
		c := usecase.NewCancellationController()
		a, doneA := c.Register(context.Background(), "b")
		b, doneB := c.Register(context.Background(), "a")
		defer doneA()
		defer doneB()

		assert.Equal(t, []string{"a", "b"}, c.CancelAll())
		assert.Error(t, a.Err())
		assert.Error(t, b.Err())
		assert.Equal(t, []string{"a", "b"}, c.Active())
	})
}
