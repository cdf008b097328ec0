package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/concrnt/apnode/store/storetest"
	"github.com/concrnt/apnode/types"
)

type stubProcessor struct {
	mu    sync.Mutex
	err   error
	panic bool
	seen  []string
}

func (p *stubProcessor) Process(ctx context.Context, sentBy string, raw *types.RawApObj) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, sentBy+" "+raw.ID())
	if p.panic {
		panic("boom")
	}
	return p.err
}

func admit(t *testing.T, incoming *Incoming, id string) types.IncomingActivity {
	t.Helper()
	activity, err := incoming.store.CreateIncomingActivity(context.Background(), types.IncomingActivity{
		SentByApActorID: "https://remote.example/users/alice",
		ApID:            id,
		ApObject:        *types.NewRawApObj(map[string]any{"id": id, "type": "Like"}),
		NextTry:         incoming.now(),
	})
	require.NoError(t, err)
	return activity
}

func TestIncomingProcessed(t *testing.T) {
	processor := &stubProcessor{}
	incoming := NewIncoming(storetest.NewStore(t), processor, NewMetrics(prometheus.NewRegistry()), zap.NewNop())
	activity := admit(t, incoming, "https://remote.example/likes/1")

	incoming.Handle(context.Background(), activity)

	saved, err := incoming.store.GetIncomingActivityByID(context.Background(), activity.ID)
	require.NoError(t, err)
	assert.True(t, saved.IsProcessed)
	assert.Equal(t, 1, saved.Tries)
	assert.Equal(t, []string{"https://remote.example/users/alice https://remote.example/likes/1"}, processor.seen)

	due, err := incoming.Due(context.Background(), nil, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestIncomingRetriesThenGivesUp(t *testing.T) {
	processor := &stubProcessor{err: errors.New("database is locked")}
	incoming := NewIncoming(storetest.NewStore(t), processor, nil, zap.NewNop())
	now := time.Now().Add(time.Minute).Truncate(time.Second)
	incoming.now = func() time.Time { return now }
	activity := admit(t, incoming, "https://remote.example/likes/1")

	for tries := 1; tries <= MaxIncomingTries; tries++ {
		incoming.Handle(context.Background(), activity)

		saved, err := incoming.store.GetIncomingActivityByID(context.Background(), activity.ID)
		require.NoError(t, err)
		assert.Equal(t, tries, saved.Tries)
		assert.False(t, saved.IsProcessed)
		require.NotNil(t, saved.Error)
		assert.Contains(t, *saved.Error, "database is locked")

		if tries < MaxIncomingTries {
			assert.False(t, saved.IsErrored)
			assert.WithinDuration(t, now.Add(Backoff(tries)), saved.NextTry, 0)
		} else {
			assert.True(t, saved.IsErrored)
		}
		now = saved.NextTry
		activity = saved
	}
}

func TestIncomingRecoversPanics(t *testing.T) {
	processor := &stubProcessor{panic: true}
	incoming := NewIncoming(storetest.NewStore(t), processor, nil, zap.NewNop())
	activity := admit(t, incoming, "https://remote.example/likes/1")

	assert.NotPanics(t, func() {
		incoming.Handle(context.Background(), activity)
	})

	saved, err := incoming.store.GetIncomingActivityByID(context.Background(), activity.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, saved.Tries)
	require.NotNil(t, saved.Error)
	assert.Contains(t, *saved.Error, "boom")
}
