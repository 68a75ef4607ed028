package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/botchat/internal/domain"
	"github.com/xiaot623/botchat/internal/transport/http/httperr"
)

const defaultTopN = 10

// ListSessions pages through sessions, most recently updated first.
// GET /v1/admin/sessions?q=&page=&limit=
func (h *Handler) ListSessions(c echo.Context) error {
	page, err := parsePage(c)
	if err != nil {
		return httperr.BadRequest(c, err.Error())
	}
	filter := domain.SessionFilter{Query: c.QueryParam("q"), Page: page}

	items, total, err := h.service.ListSessions(c.Request().Context(), filter)
	if err != nil {
		return httperr.Respond(c, err)
	}
	if items == nil {
		items = []domain.Session{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"items": items,
		"total": total,
		"page":  page.Page,
		"limit": page.PageSize,
	})
}

// ListRatings lists rated bot messages.
// GET /v1/admin/ratings?rating=&q=&sessionId=&from=&to=&page=&limit=
func (h *Handler) ListRatings(c echo.Context) error {
	page, err := parsePage(c)
	if err != nil {
		return httperr.BadRequest(c, err.Error())
	}
	r, err := parseRange(c)
	if err != nil {
		return httperr.BadRequest(c, err.Error())
	}
	rating, err := parseRating(c.QueryParam("rating"))
	if err != nil {
		return httperr.BadRequest(c, err.Error())
	}

	res, err := h.stats.ListRatedMessages(c.Request().Context(), domain.RatedFilter{
		Rating:    rating,
		Query:     c.QueryParam("q"),
		SessionID: c.QueryParam("sessionId"),
		Range:     r,
		Page:      page,
	})
	if err != nil {
		return httperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// RatingStats returns the summary, weekly buckets and worst replies.
// GET /v1/admin/ratings/stats?from=&to=
func (h *Handler) RatingStats(c echo.Context) error {
	r, err := parseRange(c)
	if err != nil {
		return httperr.BadRequest(c, err.Error())
	}
	rep, err := h.stats.Report(c.Request().Context(), r)
	if err != nil {
		return httperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, rep)
}

// TopQuestions returns the most frequent user questions.
// GET /v1/admin/stats/top-questions?limit=
func (h *Handler) TopQuestions(c echo.Context) error {
	limit, err := parseLimit(c, defaultTopN)
	if err != nil {
		return httperr.BadRequest(c, err.Error())
	}
	items, err := h.stats.TopUserQuestions(c.Request().Context(), limit)
	if err != nil {
		return httperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

// BadReplies returns the most frequent negatively rated replies.
// GET /v1/admin/stats/bad-replies?limit=
func (h *Handler) BadReplies(c echo.Context) error {
	limit, err := parseLimit(c, defaultTopN)
	if err != nil {
		return httperr.BadRequest(c, err.Error())
	}
	items, err := h.stats.FrequentNegativeReplies(c.Request().Context(), limit)
	if err != nil {
		return httperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}
