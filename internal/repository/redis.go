package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xiaot623/botchat/internal/domain"
)

const scanBatch = 100

// RedisStore implements Store on redis. Each session is one JSON document
// guarded by WATCH/MULTI/EXEC; a sorted set indexes sessions by update time.
type RedisStore struct {
	client *redis.Client
	locks  *keyedMutex
	opts   options
}

type sessionRecord struct {
	SessionID string           `json:"sessionId"`
	Version   int64            `json:"version"`
	NextSeq   int64            `json:"nextSeq"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
	Messages  []domain.Message `json:"messages"`
}

func (r *sessionRecord) session() *domain.Session {
	msgs := r.Messages
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return &domain.Session{
		SessionID: r.SessionID,
		Messages:  msgs,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// NewRedisStore wraps client. The caller owns the client: Close leaves it
// open so it can be shared with the broker.
func NewRedisStore(client *redis.Client, opts ...Option) *RedisStore {
	return &RedisStore{client: client, locks: newKeyedMutex(), opts: applyOptions(opts)}
}

// Append implements Store.
func (s *RedisStore) Append(ctx context.Context, sessionID string, msgs []domain.Message) (*domain.Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", domain.ErrValidation)
	}
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	var out *domain.Session
	err := s.update(ctx, sessionID, true, func(rec *sessionRecord, now time.Time) error {
		for _, m := range domain.PrepareMessages(msgs, now) {
			m.Seq = rec.NextSeq
			rec.NextSeq++
			rec.Messages = append(rec.Messages, m)
		}
		out = rec.session()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Rate implements Store.
func (s *RedisStore) Rate(ctx context.Context, sessionID string, seq int64, rating int, feedback *string) error {
	if !validRating(rating) {
		return fmt.Errorf("%w: rating must be 0 or 1", domain.ErrValidation)
	}
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	return s.update(ctx, sessionID, false, func(rec *sessionRecord, _ time.Time) error {
		for i := range rec.Messages {
			if rec.Messages[i].Seq != seq {
				continue
			}
			r := rating
			rec.Messages[i].Rating = &r
			if feedback != nil {
				f := *feedback
				rec.Messages[i].Feedback = &f
			}
			return nil
		}
		return fmt.Errorf("message %s/%d: %w", sessionID, seq, domain.ErrNotFound)
	})
}

// update runs an optimistic read-modify-write of one session document.
func (s *RedisStore) update(ctx context.Context, sessionID string, create bool, mutate func(*sessionRecord, time.Time) error) error {
	key := s.sessionKey(sessionID)
	for attempt := 0; attempt <= s.opts.maxRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			now := time.Now().UTC()
			rec, err := s.get(ctx, tx, key)
			if err != nil {
				return err
			}
			if rec == nil {
				if !create {
					return fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
				}
				rec = &sessionRecord{SessionID: sessionID, CreatedAt: now}
			}
			if err := mutate(rec, now); err != nil {
				return err
			}
			rec.Version++
			rec.UpdatedAt = now

			val, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, val, 0)
				pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(now.UnixMilli()), Member: sessionID})
				return nil
			})
			return err
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		s.opts.metrics.AppendRetried()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.backoff * time.Duration(attempt+1)):
		}
	}
	return fmt.Errorf("session %s: %w", sessionID, domain.ErrVersionConflict)
}

// FindBySession implements Store.
func (s *RedisStore) FindBySession(ctx context.Context, sessionID string) (*domain.Session, error) {
	rec, err := s.get(ctx, s.client, s.sessionKey(sessionID))
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.session(), nil
}

// FindAll implements Store.
func (s *RedisStore) FindAll(ctx context.Context, filter domain.SessionFilter) ([]domain.Session, int, error) {
	page := filter.Page.Normalize()
	q := strings.TrimSpace(filter.Query)

	if q == "" {
		total, err := s.client.ZCard(ctx, s.indexKey()).Result()
		if err != nil {
			return nil, 0, err
		}
		start := int64(page.Offset())
		ids, err := s.client.ZRevRange(ctx, s.indexKey(), start, start+int64(page.PageSize)-1).Result()
		if err != nil {
			return nil, 0, err
		}
		recs, err := s.mget(ctx, ids)
		if err != nil {
			return nil, 0, err
		}
		items := make([]domain.Session, 0, len(recs))
		for _, rec := range recs {
			items = append(items, *rec.session())
		}
		return items, int(total), nil
	}

	var items []domain.Session
	total := 0
	err := s.eachSession(ctx, func(rec *sessionRecord) error {
		for _, m := range rec.Messages {
			if domain.ContainsFold(m.Text, q) {
				if total >= page.Offset() && len(items) < page.PageSize {
					items = append(items, *rec.session())
				}
				total++
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	if items == nil {
		items = []domain.Session{}
	}
	return items, total, nil
}

// ScanMessages implements Store.
func (s *RedisStore) ScanMessages(ctx context.Context, q domain.MessageScan, fn func(domain.SessionInfo, domain.Message) error) error {
	visit := func(rec *sessionRecord) error {
		info := domain.SessionInfo{SessionID: rec.SessionID, UpdatedAt: rec.UpdatedAt}
		for _, m := range rec.Messages {
			if !q.Match(m) {
				continue
			}
			if err := fn(info, m); err != nil {
				return err
			}
		}
		return nil
	}
	if q.SessionID != "" {
		rec, err := s.get(ctx, s.client, s.sessionKey(q.SessionID))
		if err != nil || rec == nil {
			return err
		}
		return visit(rec)
	}
	return s.eachSession(ctx, visit)
}

// Close implements Store. The client is owned by the caller and may be
// shared with the broker, so it stays open.
func (s *RedisStore) Close() error {
	return nil
}

// eachSession walks the index newest first in batches.
func (s *RedisStore) eachSession(ctx context.Context, fn func(*sessionRecord) error) error {
	for start := int64(0); ; start += scanBatch {
		ids, err := s.client.ZRevRange(ctx, s.indexKey(), start, start+scanBatch-1).Result()
		if err != nil {
			return err
		}
		recs, err := s.mget(ctx, ids)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if err := fn(rec); err != nil {
				return err
			}
		}
		if len(ids) < scanBatch {
			return nil
		}
	}
}

func (s *RedisStore) mget(ctx context.Context, ids []string) ([]*sessionRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	recs := make([]*sessionRecord, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec sessionRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode session: %w", err)
		}
		recs = append(recs, &rec)
	}
	return recs, nil
}

func (s *RedisStore) get(ctx context.Context, c redis.Cmdable, key string) (*sessionRecord, error) {
	val, err := c.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec sessionRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) sessionKey(id string) string {
	return s.opts.keyPrefix + "session:" + id
}

func (s *RedisStore) indexKey() string {
	return s.opts.keyPrefix + "sessions"
}

var _ Store = (*RedisStore)(nil)
