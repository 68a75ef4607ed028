// Package store persists session logs.
package store

import (
	"context"
	"sync"

	"github.com/xiaot623/botchat/internal/domain"
)

// Store is the session log store.
type Store interface {
	// Append creates the session if needed and pushes msgs to its log.
	// It returns the session as it stands after the append.
	Append(ctx context.Context, sessionID string, msgs []domain.Message) (*domain.Session, error)
	// Rate sets the rating of the message with the given seq. feedback is
	// only written when non-nil.
	Rate(ctx context.Context, sessionID string, seq int64, rating int, feedback *string) error
	// FindBySession returns nil, nil when the session does not exist.
	FindBySession(ctx context.Context, sessionID string) (*domain.Session, error)
	// FindAll lists sessions, most recently updated first.
	FindAll(ctx context.Context, filter domain.SessionFilter) ([]domain.Session, int, error)
	// ScanMessages visits matching messages, newest session first.
	ScanMessages(ctx context.Context, q domain.MessageScan, fn func(domain.SessionInfo, domain.Message) error) error
	Close() error
}

// keyedMutex serializes work per session inside one process.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free and returns the matching unlock.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func validRating(rating int) bool {
	return rating == domain.RatingNegative || rating == domain.RatingPositive
}
