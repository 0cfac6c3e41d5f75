package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeSweeper struct {
	calls int
	n     int
	err   error
}

func (f *fakeSweeper) SweepStuckJobs(ctx context.Context) (int, error) {
	f.calls++
	return f.n, f.err
}

func TestNewSweepTask(t *testing.T) {
	task := NewSweepTask(30 * time.Second)
	assert.Equal(t, TaskTypeSweep, task.Type())
	assert.Empty(t, task.Payload())
}

func TestSweepHandler(t *testing.T) {
	s := &fakeSweeper{n: 2}
	h := NewSweepHandler(s)
	assert.NoError(t, h.ProcessTask(context.Background(), NewSweepTask(time.Second)))
	assert.Equal(t, 1, s.calls)

	s.err = errors.New("redis down")
	err := h.ProcessTask(context.Background(), NewSweepTask(time.Second))
	assert.ErrorContains(t, err, "redis down")
}
