package domain

import (
	"strings"
	"time"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

// Page is a 1-based page request.
type Page struct {
	Page     int
	PageSize int
}

// Normalize clamps the page into a usable range.
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

// Offset returns the number of rows skipped before this page.
func (p Page) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// TimeRange bounds a query by message creation time. Both ends are inclusive.
type TimeRange struct {
	From *time.Time
	To   *time.Time
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if r.From != nil && t.Before(*r.From) {
		return false
	}
	if r.To != nil && t.After(*r.To) {
		return false
	}
	return true
}

// SessionFilter selects sessions for FindAll.
type SessionFilter struct {
	// Query is a case-insensitive substring matched against message text.
	Query string
	Page
}

// MessageScan narrows the messages visited by a store scan.
type MessageScan struct {
	Role      Role
	RatedOnly bool
	Rating    *int
	SessionID string
	Range     TimeRange
}

// Match reports whether m satisfies the scan outside of the session filter.
func (q MessageScan) Match(m Message) bool {
	if q.Role != "" && m.Role != q.Role {
		return false
	}
	if (q.RatedOnly || q.Rating != nil) && m.Rating == nil {
		return false
	}
	if q.Rating != nil && *m.Rating != *q.Rating {
		return false
	}
	return q.Range.Contains(m.CreatedAt)
}

// RatedFilter selects rows for the rated message listing.
type RatedFilter struct {
	Rating    *int
	Query     string
	SessionID string
	Range     TimeRange
	Page
}

// ContainsFold is a case-insensitive substring test.
func ContainsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
