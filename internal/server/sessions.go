package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/newschat/internal/session"
	"github.com/mohammad-safakhou/newschat/models"
)

type SessionsHandler struct {
	Store *session.Store
	Hub   *Hub // optional; session mutations are broadcast to peers when set
}

func (h *SessionsHandler) Register(g *echo.Group) {
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.GET("/:id/history", h.history)
	g.GET("/:id/stats", h.stats)
	g.PUT("/:id/title", h.updateTitle)
	g.DELETE("/:id", h.remove)
}

func (h *SessionsHandler) create(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := h.Store.CreateSession(c.Request().Context(), req.Title)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, CreateSessionResponse{
		SessionID: sess.ID,
		Title:     sess.Title,
		Timestamp: time.Now().UTC(),
	})
}

func (h *SessionsHandler) list(c echo.Context) error {
	sessions, err := h.Store.GetAllSessions(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, SessionListResponse{Sessions: sessions, Count: len(sessions)})
}

func (h *SessionsHandler) get(c echo.Context) error {
	sess, err := h.Store.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *SessionsHandler) history(c echo.Context) error {
	limit := 0
	if val := c.QueryParam("limit"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}
	id := c.Param("id")
	turns, err := h.Store.GetChatHistory(c.Request().Context(), id, limit)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, SessionHistoryResponse{SessionID: id, Messages: turns, Count: len(turns)})
}

func (h *SessionsHandler) stats(c echo.Context) error {
	stats, err := h.Store.GetSessionStats(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *SessionsHandler) updateTitle(c echo.Context) error {
	var req UpdateTitleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Title == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title required")
	}
	id := c.Param("id")
	sess, err := h.Store.UpdateSessionTitle(c.Request().Context(), id, req.Title)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if h.Hub != nil {
		h.Hub.BroadcastToSession(id, outEvent{Event: "session-title-updated", Data: sess})
	}
	return c.JSON(http.StatusOK, sess)
}

// remove clears history or deletes the whole session depending on the
// clear query flag.
func (h *SessionsHandler) remove(c echo.Context) error {
	id := c.Param("id")
	clearOnly, _ := strconv.ParseBool(c.QueryParam("clear"))

	var err error
	if clearOnly {
		err = h.Store.ClearChatHistory(c.Request().Context(), id)
	} else {
		err = h.Store.DeleteSession(c.Request().Context(), id)
	}
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if h.Hub != nil && !clearOnly {
		h.Hub.BroadcastToSession(id, outEvent{Event: "session-deleted", Data: map[string]string{"session_id": id}})
	}
	return c.JSON(http.StatusOK, map[string]bool{"cleared": clearOnly, "deleted": !clearOnly})
}
