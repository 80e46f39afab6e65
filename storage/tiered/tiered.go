// Package tiered provides a Hot/Cold limit notice tracker that puts fast
// ephemeral storage (Hot) in front of durable storage (Cold).
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/practpec/voyaj-api/pkg/subscription"
)

// Config configures the tiered tracker
type Config struct {
	// Hot answers every MarkLimitHit while it is reachable (e.g., Redis)
	Hot subscription.LimitNoticeTracker

	// Cold is the durable fallback (e.g., Postgres, Mongo)
	Cold subscription.LimitNoticeTracker

	// AsyncSync records first hits in Cold from a background worker.
	// If false, Cold is written before MarkLimitHit returns.
	AsyncSync bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Cold write or a Hot lookup fails.
	AsyncErrorHandler func(error)
}

// Storage implements subscription.LimitNoticeTracker over two tiers:
// - Hot-Primary: Hot decides whether a hit is the first in its window
// - Cold-Audit: first hits are mirrored to Cold so it can take over
// - Fallback: Cold decides while Hot is failing
type Storage struct {
	hot  subscription.LimitNoticeTracker
	cold subscription.LimitNoticeTracker
	conf Config

	// Channel for async synchronization
	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

var _ subscription.LimitNoticeTracker = (*Storage)(nil)

// New creates a new tiered tracker.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncSync {
		s.startWorker()
	}

	return s, nil
}

// Close drains pending Cold writes and stops the worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncSync {
		select {
		case <-s.shutdown:
			// Already closed
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

// startWorker runs the background synchronization loop.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				if err := job(); err != nil {
					s.reportError(fmt.Errorf("tiered sync failed: %w", err))
				}
			case <-s.shutdown:
				for {
					select {
					case job := <-s.syncQueue:
						if err := job(); err != nil {
							s.reportError(fmt.Errorf("tiered sync failed: %w", err))
						}
					default:
						return
					}
				}
			}
		}
	}()
}

// MarkLimitHit implements subscription.LimitNoticeTracker.
func (s *Storage) MarkLimitHit(ctx context.Context, key string, window time.Duration) (bool, error) {
	first, err := s.hot.MarkLimitHit(ctx, key, window)
	if err != nil {
		s.reportError(fmt.Errorf("hot tier unavailable, using cold: %w", err))
		return s.cold.MarkLimitHit(ctx, key, window)
	}
	if !first {
		return false, nil
	}

	// Cold only needs to know the window is open; its own answer is irrelevant.
	record := func() error {
		_, err := s.cold.MarkLimitHit(context.Background(), key, window)
		return err
	}
	if !s.conf.AsyncSync {
		if err := record(); err != nil {
			s.reportError(fmt.Errorf("tiered sync failed: %w", err))
		}
		return true, nil
	}

	select {
	case s.syncQueue <- record:
	default:
		s.reportError(errors.New("tiered sync queue full, dropping cold write"))
	}
	return true, nil
}

func (s *Storage) reportError(err error) {
	if s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(err)
	}
}
