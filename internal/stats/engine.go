// Package stats computes rating and question statistics over the session log.
package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/botchat/internal/domain"
)

const (
	DefaultWeeks      = 8
	DefaultTopLimit   = 10
	defaultReportTopN = 10
)

// Source is the read side of the session log store.
type Source interface {
	ScanMessages(ctx context.Context, q domain.MessageScan, fn func(domain.SessionInfo, domain.Message) error) error
}

// Engine is the read-only aggregation engine.
type Engine struct {
	src Source
}

// NewEngine creates an engine over src.
func NewEngine(src Source) *Engine {
	return &Engine{src: src}
}

// Summary counts rated bot messages.
type Summary struct {
	TotalRated   int     `json:"totalRated"`
	Positive     int     `json:"positive"`
	Negative     int     `json:"negative"`
	PositiveRate float64 `json:"positiveRate"`
}

// WeekBucket is one ISO week of rated bot messages.
type WeekBucket struct {
	Year     int `json:"year"`
	ISOWeek  int `json:"isoWeek"`
	Total    int `json:"total"`
	Positive int `json:"positive"`
	Negative int `json:"negative"`
}

// QuestionCount is a user question and how often it was asked.
type QuestionCount struct {
	Text  string `json:"text"`
	Count int    `json:"count"`
}

// NegativeReply is a negatively rated bot reply with its collected feedback.
type NegativeReply struct {
	Text      string   `json:"text"`
	Count     int      `json:"count"`
	Feedbacks []string `json:"feedbacks"`
}

// RatedRow is one row of the rated message listing.
type RatedRow struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"sessionId"`
	Seq              int64     `json:"seq"`
	SessionUpdatedAt time.Time `json:"updatedAt"`
	Text             string    `json:"message"`
	Rating           int       `json:"rating"`
	Feedback         *string   `json:"feedback"`
	CreatedAt        time.Time `json:"timestamp"`
}

// RatedPage is a page of rated rows with the total match count.
type RatedPage struct {
	Items []RatedRow `json:"items"`
	Total int        `json:"total"`
	Page  int        `json:"page"`
	Limit int        `json:"limit"`
}

// Report bundles the dashboard figures.
type Report struct {
	Summary Summary         `json:"summary"`
	Weekly  []WeekBucket    `json:"weekly"`
	TopBad  []NegativeReply `json:"topBad"`
}

// CompositeID builds the external id of a rated row. It is derived from the
// session id and the creation time, so two messages of one session created
// in the same instant share it; Seq disambiguates.
func CompositeID(sessionID string, createdAt time.Time) string {
	return sessionID + ":" + createdAt.UTC().Format(time.RFC3339Nano)
}

func ratedBot(r domain.TimeRange) domain.MessageScan {
	return domain.MessageScan{Role: domain.RoleBot, RatedOnly: true, Range: r}
}

// RatingSummary counts rated bot messages created inside r.
func (e *Engine) RatingSummary(ctx context.Context, r domain.TimeRange) (Summary, error) {
	var s Summary
	err := e.src.ScanMessages(ctx, ratedBot(r), func(_ domain.SessionInfo, m domain.Message) error {
		s.TotalRated++
		if *m.Rating == domain.RatingPositive {
			s.Positive++
		} else {
			s.Negative++
		}
		return nil
	})
	if err != nil {
		return Summary{}, fmt.Errorf("rating summary: %w", err)
	}
	if s.TotalRated > 0 {
		s.PositiveRate = float64(s.Positive) / float64(s.TotalRated)
	}
	return s, nil
}

// WeeklyBuckets groups rated bot messages by ISO week and returns the most
// recent limit buckets, oldest first.
func (e *Engine) WeeklyBuckets(ctx context.Context, r domain.TimeRange, limit int) ([]WeekBucket, error) {
	if limit <= 0 {
		limit = DefaultWeeks
	}
	type key struct{ year, week int }
	buckets := make(map[key]*WeekBucket)
	err := e.src.ScanMessages(ctx, ratedBot(r), func(_ domain.SessionInfo, m domain.Message) error {
		y, w := m.CreatedAt.UTC().ISOWeek()
		b, ok := buckets[key{y, w}]
		if !ok {
			b = &WeekBucket{Year: y, ISOWeek: w}
			buckets[key{y, w}] = b
		}
		b.Total++
		if *m.Rating == domain.RatingPositive {
			b.Positive++
		} else {
			b.Negative++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("weekly buckets: %w", err)
	}

	out := make([]WeekBucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	// Newest first, cut, then flip to chronological order.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Year != out[j].Year {
			return out[i].Year > out[j].Year
		}
		return out[i].ISOWeek > out[j].ISOWeek
	})
	if len(out) > limit {
		out = out[:limit]
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// TopUserQuestions groups user messages by exact text, most frequent first.
func (e *Engine) TopUserQuestions(ctx context.Context, limit int) ([]QuestionCount, error) {
	if limit <= 0 {
		limit = DefaultTopLimit
	}
	counts := make(map[string]int)
	err := e.src.ScanMessages(ctx, domain.MessageScan{Role: domain.RoleUser}, func(_ domain.SessionInfo, m domain.Message) error {
		counts[m.Text]++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("top questions: %w", err)
	}

	out := make([]QuestionCount, 0, len(counts))
	for text, n := range counts {
		out = append(out, QuestionCount{Text: text, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Text < out[j].Text
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FrequentNegativeReplies groups negatively rated bot messages by text and
// collects their non-empty feedback.
func (e *Engine) FrequentNegativeReplies(ctx context.Context, limit int) ([]NegativeReply, error) {
	if limit <= 0 {
		limit = DefaultTopLimit
	}
	negative := domain.RatingNegative
	index := make(map[string]*NegativeReply)
	var order []string
	q := domain.MessageScan{Role: domain.RoleBot, Rating: &negative}
	err := e.src.ScanMessages(ctx, q, func(_ domain.SessionInfo, m domain.Message) error {
		r, ok := index[m.Text]
		if !ok {
			r = &NegativeReply{Text: m.Text, Feedbacks: []string{}}
			index[m.Text] = r
			order = append(order, m.Text)
		}
		r.Count++
		if m.Feedback != nil && *m.Feedback != "" {
			r.Feedbacks = append(r.Feedbacks, *m.Feedback)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("negative replies: %w", err)
	}

	out := make([]NegativeReply, 0, len(order))
	for _, text := range order {
		out = append(out, *index[text])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListRatedMessages flattens every rated bot message matching f, newest
// first, and returns the requested page.
func (e *Engine) ListRatedMessages(ctx context.Context, f domain.RatedFilter) (RatedPage, error) {
	page := f.Page.Normalize()
	q := ratedBot(f.Range)
	q.Rating = f.Rating
	q.SessionID = f.SessionID

	var rows []RatedRow
	err := e.src.ScanMessages(ctx, q, func(info domain.SessionInfo, m domain.Message) error {
		if f.Query != "" {
			hit := domain.ContainsFold(m.Text, f.Query) ||
				(m.Feedback != nil && domain.ContainsFold(*m.Feedback, f.Query))
			if !hit {
				return nil
			}
		}
		rows = append(rows, RatedRow{
			ID:               CompositeID(info.SessionID, m.CreatedAt),
			SessionID:        info.SessionID,
			Seq:              m.Seq,
			SessionUpdatedAt: info.UpdatedAt,
			Text:             m.Text,
			Rating:           *m.Rating,
			Feedback:         m.Feedback,
			CreatedAt:        m.CreatedAt,
		})
		return nil
	})
	if err != nil {
		return RatedPage{}, fmt.Errorf("rated messages: %w", err)
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].CreatedAt.After(rows[j].CreatedAt) })

	res := RatedPage{Items: []RatedRow{}, Total: len(rows), Page: page.Page, Limit: page.PageSize}
	if start := page.Offset(); start < len(rows) {
		end := min(start+page.PageSize, len(rows))
		res.Items = rows[start:end]
	}
	return res, nil
}

// Report computes the summary, weekly buckets and worst replies concurrently.
func (e *Engine) Report(ctx context.Context, r domain.TimeRange) (Report, error) {
	var rep Report
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := e.RatingSummary(gctx, r)
		rep.Summary = s
		return err
	})
	g.Go(func() error {
		w, err := e.WeeklyBuckets(gctx, r, DefaultWeeks)
		rep.Weekly = w
		return err
	})
	g.Go(func() error {
		b, err := e.FrequentNegativeReplies(gctx, defaultReportTopN)
		rep.TopBad = b
		return err
	})
	if err := g.Wait(); err != nil {
		return Report{}, err
	}
	return rep, nil
}
