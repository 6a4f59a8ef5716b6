package tiered

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/storyflow/storage/memory"
)

// flakyLedger fails every call while broken is set
type flakyLedger struct {
	mu      sync.Mutex
	broken  bool
	records []string
	seen    map[string]bool
}

func newFlakyLedger() *flakyLedger {
	return &flakyLedger{seen: make(map[string]bool)}
}

var errLedgerDown = errors.New("ledger down")

func (f *flakyLedger) Seen(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken {
		return false, errLedgerDown
	}
	return f.seen[id], nil
}

func (f *flakyLedger) Record(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken {
		return errLedgerDown
	}
	f.seen[id] = true
	f.records = append(f.records, id)
	return nil
}

func (f *flakyLedger) setBroken(b bool) {
	f.mu.Lock()
	f.broken = b
	f.mu.Unlock()
}

func TestNew(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		l, err := New(Config{Hot: memory.NewLedger(time.Hour), Cold: memory.NewLedger(time.Hour)})
		require.NoError(t, err)
		assert.NoError(t, l.Close())
	})

	t.Run("nil hot ledger", func(t *testing.T) {
		l, err := New(Config{Cold: memory.NewLedger(time.Hour)})
		assert.Nil(t, l)
		assert.ErrorContains(t, err, "hot and cold ledgers are required")
	})

	t.Run("nil cold ledger", func(t *testing.T) {
		l, err := New(Config{Hot: memory.NewLedger(time.Hour)})
		assert.Nil(t, l)
		assert.ErrorContains(t, err, "hot and cold ledgers are required")
	})

	t.Run("default sync buffer size", func(t *testing.T) {
		l, err := New(Config{Hot: memory.NewLedger(time.Hour), Cold: memory.NewLedger(time.Hour), AsyncHotWrite: true})
		require.NoError(t, err)
		defer l.Close()
		assert.Equal(t, 1000, cap(l.syncQueue))
	})
}

func TestRecord_WritesThrough(t *testing.T) {
	ctx := context.Background()
	hot, cold := memory.NewLedger(time.Hour), memory.NewLedger(time.Hour)
	l, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)

	require.NoError(t, l.Record(ctx, "evt_1"))

	for name, ledger := range map[string]*memory.Ledger{"hot": hot, "cold": cold} {
		seen, err := ledger.Seen(ctx, "evt_1")
		require.NoError(t, err)
		assert.True(t, seen, name)
	}
}

func TestRecord_ColdFailureIsReturned(t *testing.T) {
	ctx := context.Background()
	hot, cold := newFlakyLedger(), newFlakyLedger()
	cold.setBroken(true)
	l, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)

	assert.ErrorIs(t, l.Record(ctx, "evt_1"), errLedgerDown)
	assert.Empty(t, hot.records, "hot must not record what cold rejected")
}

func TestRecord_HotFailureIsIgnored(t *testing.T) {
	ctx := context.Background()
	hot, cold := newFlakyLedger(), newFlakyLedger()
	hot.setBroken(true)
	l, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)

	assert.NoError(t, l.Record(ctx, "evt_1"))
	assert.Equal(t, []string{"evt_1"}, cold.records)
}

func TestSeen_ReadThroughRepairsHot(t *testing.T) {
	ctx := context.Background()
	hot, cold := memory.NewLedger(time.Hour), memory.NewLedger(time.Hour)
	require.NoError(t, cold.Record(ctx, "evt_cold"))
	l, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)

	seen, err := l.Seen(ctx, "evt_cold")
	require.NoError(t, err)
	assert.True(t, seen)

	repaired, err := hot.Seen(ctx, "evt_cold")
	require.NoError(t, err)
	assert.True(t, repaired)

	seen, err = l.Seen(ctx, "evt_unknown")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestSeen_HotDownFallsBackToCold(t *testing.T) {
	ctx := context.Background()
	hot, cold := newFlakyLedger(), newFlakyLedger()
	require.NoError(t, cold.Record(ctx, "evt_1"))
	hot.setBroken(true)
	l, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)

	seen, err := l.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestSeen_ColdDownIsAnError(t *testing.T) {
	ctx := context.Background()
	hot, cold := newFlakyLedger(), newFlakyLedger()
	cold.setBroken(true)
	l, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)

	_, err = l.Seen(ctx, "evt_1")
	assert.ErrorIs(t, err, errLedgerDown)
}

func TestAsyncHotWrite(t *testing.T) {
	ctx := context.Background()
	hot, cold := memory.NewLedger(time.Hour), memory.NewLedger(time.Hour)
	l, err := New(Config{Hot: hot, Cold: cold, AsyncHotWrite: true, SyncBufferSize: 8})
	require.NoError(t, err)

	for _, id := range []string{"evt_1", "evt_2", "evt_3"} {
		require.NoError(t, l.Record(ctx, id))
	}
	// Close drains the queue
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	assert.Equal(t, 3, hot.Len())
	assert.Equal(t, 3, cold.Len())
}

func TestAsyncHotWrite_ErrorHandler(t *testing.T) {
	ctx := context.Background()
	hot, cold := newFlakyLedger(), newFlakyLedger()
	hot.setBroken(true)

	var (
		mu   sync.Mutex
		errs []error
	)
	l, err := New(Config{
		Hot:           hot,
		Cold:          cold,
		AsyncHotWrite: true,
		AsyncErrorHandler: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	require.NoError(t, l.Record(ctx, "evt_1"))
	require.NoError(t, l.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], errLedgerDown)
	assert.Contains(t, errs[0].Error(), "tiered hot write failed")
}
