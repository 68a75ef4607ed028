package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/botchat/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	return NewRedisStore(newRedisClient(t, miniredis.RunT(t)), WithBackoff(time.Millisecond))
}

func newRedisClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func backends() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"sqlite": func(t *testing.T) Store { return newTestStore(t) },
		"redis":  func(t *testing.T) Store { return newTestRedisStore(t) },
	}
}

func ptr[T any](v T) *T { return &v }

func TestAppendRateFind(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			sess, err := s.Append(ctx, "s1", []domain.Message{{Role: domain.RoleUser, Text: "hi"}})
			require.NoError(t, err)
			require.Len(t, sess.Messages, 1)

			got, err := s.FindBySession(ctx, "s1")
			require.NoError(t, err)
			require.NotNil(t, got)
			require.Len(t, got.Messages, 1)
			msg := got.Messages[0]
			assert.Equal(t, int64(0), msg.Seq)
			assert.Equal(t, domain.RoleUser, msg.Role)
			assert.Equal(t, "hi", msg.Text)
			assert.Nil(t, msg.Rating)
			assert.NotNil(t, msg.Metadata)
			assert.False(t, msg.CreatedAt.IsZero())

			require.NoError(t, s.Rate(ctx, "s1", 0, 1, ptr("great")))
			got, err = s.FindBySession(ctx, "s1")
			require.NoError(t, err)
			require.NotNil(t, got.Messages[0].Rating)
			assert.Equal(t, 1, *got.Messages[0].Rating)
			assert.Equal(t, "great", *got.Messages[0].Feedback)

			err = s.Rate(ctx, "s1", 5, 0, nil)
			assert.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)

			err = s.Rate(ctx, "missing", 0, 0, nil)
			assert.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)

			got, err = s.FindBySession(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, 1, *got.Messages[0].Rating)
		})
	}
}

func TestRateFeedbackUnsetVersusEmpty(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			_, err := s.Append(ctx, "s1", []domain.Message{
				{Role: domain.RoleBot, Text: "a"},
				{Role: domain.RoleBot, Text: "b"},
			})
			require.NoError(t, err)

			require.NoError(t, s.Rate(ctx, "s1", 0, 0, nil))
			require.NoError(t, s.Rate(ctx, "s1", 1, 0, ptr("")))

			got, err := s.FindBySession(ctx, "s1")
			require.NoError(t, err)
			assert.Nil(t, got.Messages[0].Feedback)
			require.NotNil(t, got.Messages[1].Feedback)
			assert.Equal(t, "", *got.Messages[1].Feedback)

			// Re-rating without feedback keeps what was there.
			require.NoError(t, s.Rate(ctx, "s1", 1, 1, nil))
			got, err = s.FindBySession(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, 1, *got.Messages[1].Rating)
			require.NotNil(t, got.Messages[1].Feedback)
		})
	}
}

func TestRateRejectsUnknownValue(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			_, err := s.Append(ctx, "s1", []domain.Message{{Role: domain.RoleBot, Text: "a"}})
			require.NoError(t, err)

			err = s.Rate(ctx, "s1", 0, 7, nil)
			assert.True(t, errors.Is(err, domain.ErrValidation))
		})
	}
}

func TestConcurrentAppendsKeepEveryMessage(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			appendConcurrently(t, 25, newStore(t))
		})
	}
}

// appendConcurrently spreads n single-message appends to one session over
// stores and checks every message landed with a distinct seq.
func appendConcurrently(t *testing.T, n int, stores ...Store) {
	t.Helper()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := stores[i%len(stores)]
			_, err := s.Append(ctx, "s2", []domain.Message{{Role: domain.RoleUser, Text: fmt.Sprintf("m%d", i)}})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, s := range stores {
		got, err := s.FindBySession(ctx, "s2")
		require.NoError(t, err)
		require.Len(t, got.Messages, n)

		seen := make(map[int64]bool)
		texts := make(map[string]bool)
		for _, m := range got.Messages {
			seen[m.Seq] = true
			texts[m.Text] = true
		}
		assert.Len(t, seen, n)
		assert.Len(t, texts, n)
		for i := int64(0); i < int64(n); i++ {
			assert.True(t, seen[i], "missing seq %d", i)
		}
	}
}

func TestFindBySessionMissing(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			got, err := newStore(t).FindBySession(context.Background(), "nope")
			assert.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestFindAllOrderingFilterAndPaging(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			for _, id := range []string{"a", "b", "c"} {
				_, err := s.Append(ctx, id, []domain.Message{{Role: domain.RoleUser, Text: "Hello from " + id}})
				require.NoError(t, err)
				time.Sleep(3 * time.Millisecond)
			}
			_, err := s.Append(ctx, "a", []domain.Message{{Role: domain.RoleUser, Text: "Pricing please"}})
			require.NoError(t, err)

			items, total, err := s.FindAll(ctx, domain.SessionFilter{Page: domain.Page{Page: 1, PageSize: 2}})
			require.NoError(t, err)
			assert.Equal(t, 3, total)
			require.Len(t, items, 2)
			assert.Equal(t, "a", items[0].SessionID)
			assert.Equal(t, "c", items[1].SessionID)

			items, total, err = s.FindAll(ctx, domain.SessionFilter{Page: domain.Page{Page: 2, PageSize: 2}})
			require.NoError(t, err)
			assert.Equal(t, 3, total)
			require.Len(t, items, 1)
			assert.Equal(t, "b", items[0].SessionID)

			items, total, err = s.FindAll(ctx, domain.SessionFilter{Query: "PRICING"})
			require.NoError(t, err)
			assert.Equal(t, 1, total)
			require.Len(t, items, 1)
			assert.Equal(t, "a", items[0].SessionID)
			assert.Len(t, items[0].Messages, 2)
		})
	}
}

func TestScanMessagesFilters(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			old := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
			_, err := s.Append(ctx, "s1", []domain.Message{
				{Role: domain.RoleUser, Text: "q"},
				{Role: domain.RoleBot, Text: "old", CreatedAt: old},
				{Role: domain.RoleBot, Text: "new"},
			})
			require.NoError(t, err)
			require.NoError(t, s.Rate(ctx, "s1", 1, 0, nil))
			require.NoError(t, s.Rate(ctx, "s1", 2, 1, nil))

			collect := func(q domain.MessageScan) []string {
				var out []string
				require.NoError(t, s.ScanMessages(ctx, q, func(_ domain.SessionInfo, m domain.Message) error {
					out = append(out, m.Text)
					return nil
				}))
				return out
			}

			assert.ElementsMatch(t, []string{"old", "new"}, collect(domain.MessageScan{Role: domain.RoleBot, RatedOnly: true}))
			assert.Equal(t, []string{"old"}, collect(domain.MessageScan{Role: domain.RoleBot, Rating: ptr(0)}))
			from := old.Add(time.Hour)
			assert.Equal(t, []string{"new"}, collect(domain.MessageScan{RatedOnly: true, Range: domain.TimeRange{From: &from}}))
			assert.Equal(t, []string{"q"}, collect(domain.MessageScan{Role: domain.RoleUser, SessionID: "s1"}))
			assert.Empty(t, collect(domain.MessageScan{SessionID: "other"}))
		})
	}
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("s1")
	done := make(chan struct{})
	go func() {
		defer close(done)
		k.Lock("s1")()
	}()

	select {
	case <-done:
		t.Fatal("second lock acquired while first was held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-done

	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}

func TestRedisStoreCloseLeavesClientOpen(t *testing.T) {
	client := newRedisClient(t, miniredis.RunT(t))
	s := NewRedisStore(client)
	require.NoError(t, s.Close())
	assert.NoError(t, client.Ping(context.Background()).Err())
}
