package trajectory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendxa/processing/internal/model"
	"github.com/opendxa/processing/internal/testutil"
)

type fakeSource struct {
	kind   model.Kind
	mu     sync.Mutex
	active map[string]bool
	err    error
}

func (f *fakeSource) Kind() model.Kind { return f.kind }

func (f *fakeSource) HasActiveJobsForTrajectory(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[id], f.err
}

func (f *fakeSource) GetMappedStatus(internal string) string { return f.kind.MappedStatus(internal) }

func (f *fakeSource) set(id string, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[id] = active
}

type sourceList []Source

func (s sourceList) Sources() []Source { return s }

type recordingPublisher struct {
	mu      sync.Mutex
	updates []model.TrajectoryUpdate
}

func (r *recordingPublisher) PublishTrajectory(ctx context.Context, u model.TrajectoryUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recordingPublisher) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, u := range r.updates {
		out = append(out, u.Status)
	}
	return out
}

func newSources() (*fakeSource, *fakeSource, sourceList) {
	processing := &fakeSource{kind: model.KindTrajectoryProcessing, active: map[string]bool{}}
	analysis := &fakeSource{kind: model.KindAnalysis, active: map[string]bool{}}
	return processing, analysis, sourceList{processing, analysis}
}

func TestCompute_FirstActiveQueueWins(t *testing.T) {
	processing, analysis, sources := newSources()
	a := NewAggregator(nil, sources, &recordingPublisher{}, time.Hour)
	ctx := context.Background()

	status, activity, err := a.Compute(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TrajectoryStatusCompleted, status)
	assert.Len(t, activity, 2)

	analysis.set("t1", true)
	status, _, err = a.Compute(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TrajectoryStatusAnalyzing, status)

	processing.set("t1", true)
	status, activity, err = a.Compute(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TrajectoryStatusProcessing, status)
	assert.Equal(t, []Activity{{Kind: model.KindTrajectoryProcessing, Active: true}, {Kind: model.KindAnalysis, Active: true}}, activity)

	analysis.err = errors.New("redis down")
	_, _, err = a.Compute(ctx, "t1")
	assert.Error(t, err)
}

func TestRefresh_PublishesOnlyOnChange(t *testing.T) {
	rdb := testutil.Redis(t)
	ctx := context.Background()
	_, analysis, sources := newSources()
	pub := &recordingPublisher{}
	a := NewAggregator(rdb, sources, pub, time.Hour)

	analysis.set("t1", true)
	a.Refresh(ctx, "team-1", "t1")
	a.Refresh(ctx, "team-1", "t1")
	assert.Equal(t, []string{"analyzing"}, pub.statuses())

	analysis.set("t1", false)
	a.Refresh(ctx, "team-1", "t1")
	a.Refresh(ctx, "team-1", "t1")
	assert.Equal(t, []string{"analyzing", "completed"}, pub.statuses())

	last, err := a.Last(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "completed", last)

	pub.mu.Lock()
	assert.Equal(t, "team-1", pub.updates[1].TeamID)
	assert.Equal(t, "t1", pub.updates[1].TrajectoryID)
	pub.mu.Unlock()

	none, err := a.Last(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

// stalledSource reports the trajectory active on its first check, but only
// once released; every later check reports it idle
type stalledSource struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stalledSource) Kind() model.Kind { return model.KindAnalysis }

func (s *stalledSource) HasActiveJobsForTrajectory(ctx context.Context, id string) (bool, error) {
	first := false
	s.once.Do(func() { first = true })
	if !first {
		return false, nil
	}
	close(s.entered)
	<-s.release
	return true, nil
}

func (s *stalledSource) GetMappedStatus(internal string) string {
	return model.KindAnalysis.MappedStatus(internal)
}

func TestRefresh_ConcurrentRefreshesKeepLatestStatus(t *testing.T) {
	rdb := testutil.Redis(t)
	ctx := context.Background()
	src := &stalledSource{entered: make(chan struct{}), release: make(chan struct{})}
	pub := &recordingPublisher{}
	a := NewAggregator(rdb, sourceList{src}, pub, time.Hour)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.Refresh(ctx, "team-1", "t1")
	}()
	<-src.entered
	go func() {
		defer wg.Done()
		a.Refresh(ctx, "team-1", "t1")
	}()
	time.Sleep(50 * time.Millisecond)
	close(src.release)
	wg.Wait()

	assert.Equal(t, []string{"analyzing", "completed"}, pub.statuses())
	last, err := a.Last(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "completed", last)
}
