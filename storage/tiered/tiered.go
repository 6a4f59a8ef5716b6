// Package tiered provides a Hot/Cold event ledger that fronts a durable
// ledger (Cold) with a fast expiring one (Hot).
//
// Seen is read-through: Hot first, then Cold, repairing Hot on a Cold hit.
// Record is write-through: Cold first for durability, then Hot, optionally
// on a background worker.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mihaimyh/storyflow/pkg/billing"
)

// Config configures the tiered ledger behavior
type Config struct {
	// Hot is the fast ledger (e.g., Redis, Memory)
	Hot billing.EventLedger

	// Cold is the durable ledger (e.g., Postgres) and the source of truth
	Cold billing.EventLedger

	// AsyncHotWrite moves the Hot half of Record onto a background worker.
	// Seen still consults Cold, so a lagging Hot write only costs one extra read.
	AsyncHotWrite bool

	// SyncBufferSize is the size of the buffered channel for async writes.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when an async Hot write fails
	AsyncErrorHandler func(error)
}

// Ledger implements billing.EventLedger over two ledgers
type Ledger struct {
	hot  billing.EventLedger
	cold billing.EventLedger
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ billing.EventLedger = (*Ledger)(nil)

// New creates a new tiered ledger.
func New(config Config) (*Ledger, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered ledger: both hot and cold ledgers are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	l := &Ledger{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncHotWrite {
		l.startWorker()
	}

	return l, nil
}

// Close drains pending async writes and stops the worker (if enabled)
func (l *Ledger) Close() error {
	if l.conf.AsyncHotWrite {
		l.closeOnce.Do(func() {
			close(l.shutdown)
			l.wg.Wait()
		})
	}
	return nil
}

func (l *Ledger) startWorker() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case job := <-l.syncQueue:
				l.runJob(job)
			case <-l.shutdown:
				for {
					select {
					case job := <-l.syncQueue:
						l.runJob(job)
					default:
						return
					}
				}
			}
		}
	}()
}

func (l *Ledger) runJob(job func() error) {
	if err := job(); err != nil && l.conf.AsyncErrorHandler != nil {
		l.conf.AsyncErrorHandler(fmt.Errorf("tiered hot write failed: %w", err))
	}
}

// Seen implements billing.EventLedger with read-through.
// A Hot failure is not fatal; Cold decides.
func (l *Ledger) Seen(ctx context.Context, eventID string) (bool, error) {
	if seen, err := l.hot.Seen(ctx, eventID); err == nil && seen {
		return true, nil
	}

	seen, err := l.cold.Seen(ctx, eventID)
	if err != nil {
		return false, err
	}
	if seen {
		_ = l.hot.Record(ctx, eventID) //nolint:errcheck // read-repair
	}
	return seen, nil
}

// Record implements billing.EventLedger with write-through
func (l *Ledger) Record(ctx context.Context, eventID string) error {
	if err := l.cold.Record(ctx, eventID); err != nil {
		return err
	}

	if !l.conf.AsyncHotWrite {
		_ = l.hot.Record(ctx, eventID) //nolint:errcheck // Cold is the source of truth
		return nil
	}

	job := func() error {
		return l.hot.Record(context.Background(), eventID)
	}
	select {
	case l.syncQueue <- job:
	default:
		// Queue full; the next Seen repairs Hot from Cold
		if l.conf.AsyncErrorHandler != nil {
			l.conf.AsyncErrorHandler(fmt.Errorf("tiered hot write dropped for %s: queue full", eventID))
		}
	}
	return nil
}
