package poller

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink-gateway/carelink-gateway-pro/internal/carelink"
	"github.com/carelink-gateway/carelink-gateway-pro/internal/models"
)

type scriptedSource struct {
	mu    sync.Mutex
	steps []func() (models.RawSnapshot, error)
	calls int
}

func (s *scriptedSource) RecentData(ctx context.Context) (models.RawSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	step := s.steps[s.calls%len(s.steps)]
	s.calls++
	return step()
}

func snapshotWithSG(sg float64) models.RawSnapshot {
	return models.RawSnapshot{
		"lastSG": map[string]any{
			"sg":       sg,
			"datetime": "2023-11-05T08:30:00.000Z",
		},
	}
}

func newTestPoller(source *scriptedSource) *Poller {
	normalizer := carelink.NewNormalizer("", zerolog.Nop())
	return New(source, normalizer, time.Hour, 5*time.Second, zerolog.Nop())
}

func TestRunCyclePublishesReadingSet(t *testing.T) {
	source := &scriptedSource{steps: []func() (models.RawSnapshot, error){
		func() (models.RawSnapshot, error) { return snapshotWithSG(120), nil },
	}}
	p := newTestPoller(source)

	var (
		gotSnapshot models.RawSnapshot
		gotSet      *models.ReadingSet
	)
	p.Subscribe(func(ctx context.Context, snapshot models.RawSnapshot, set *models.ReadingSet) {
		gotSnapshot = snapshot
		gotSet = set
	})

	set, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, set)

	assert.Equal(t, set, p.Latest())
	assert.Equal(t, set, gotSet)
	require.NotNil(t, gotSnapshot)
	assert.Equal(t, 120, set.Get(models.ReadingLastSGMgdl).Value)
}

func TestFailedCycleKeepsPreviousSet(t *testing.T) {
	source := &scriptedSource{steps: []func() (models.RawSnapshot, error){
		func() (models.RawSnapshot, error) { return snapshotWithSG(120), nil },
		func() (models.RawSnapshot, error) { return nil, fmt.Errorf("fetch failed: status 502") },
	}}
	p := newTestPoller(source)

	first, err := p.RunCycle(context.Background())
	require.NoError(t, err)

	_, err = p.RunCycle(context.Background())
	require.Error(t, err)

	assert.Equal(t, first.CycleID, p.Latest().CycleID)
}

func TestCycleRetainsGlucoseThroughSensorError(t *testing.T) {
	source := &scriptedSource{steps: []func() (models.RawSnapshot, error){
		func() (models.RawSnapshot, error) { return snapshotWithSG(120), nil },
		func() (models.RawSnapshot, error) { return snapshotWithSG(0), nil },
	}}
	p := newTestPoller(source)

	_, err := p.RunCycle(context.Background())
	require.NoError(t, err)

	second, err := p.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 120, second.Get(models.ReadingLastSGMgdl).Value)
}

func TestStartRunsFirstCycleImmediately(t *testing.T) {
	published := make(chan *models.ReadingSet, 1)

	source := &scriptedSource{steps: []func() (models.RawSnapshot, error){
		func() (models.RawSnapshot, error) { return snapshotWithSG(120), nil },
	}}
	p := newTestPoller(source)
	p.Subscribe(func(ctx context.Context, snapshot models.RawSnapshot, set *models.ReadingSet) {
		select {
		case published <- set:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	select {
	case set := <-published:
		assert.NotNil(t, set)
	case <-time.After(2 * time.Second):
		t.Fatal("no reading set published")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poll loop did not stop")
	}
}
