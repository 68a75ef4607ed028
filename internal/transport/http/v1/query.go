package v1

import (
	"fmt"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/botchat/internal/domain"
)

const dateLayout = "2006-01-02"

func parsePage(c echo.Context) (domain.Page, error) {
	var p domain.Page
	if v := c.QueryParam("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("invalid page %q", v)
		}
		p.Page = n
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("invalid limit %q", v)
		}
		p.PageSize = n
	}
	return p.Normalize(), nil
}

func parseLimit(c echo.Context, def int) (int, error) {
	v := c.QueryParam("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return n, nil
}

func parseRating(v string) (*int, error) {
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || (n != domain.RatingNegative && n != domain.RatingPositive) {
		return nil, fmt.Errorf("invalid rating %q", v)
	}
	return &n, nil
}

// parseRange reads from/to as RFC 3339 timestamps or plain dates. A plain
// "to" date includes the whole day.
func parseRange(c echo.Context) (domain.TimeRange, error) {
	var r domain.TimeRange
	if v := c.QueryParam("from"); v != "" {
		t, _, err := parseTime(v)
		if err != nil {
			return r, fmt.Errorf("invalid from %q", v)
		}
		r.From = &t
	}
	if v := c.QueryParam("to"); v != "" {
		t, dateOnly, err := parseTime(v)
		if err != nil {
			return r, fmt.Errorf("invalid to %q", v)
		}
		if dateOnly {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		r.To = &t
	}
	return r, nil
}

func parseTime(v string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, false, nil
	}
	t, err := time.Parse(dateLayout, v)
	return t, true, err
}
