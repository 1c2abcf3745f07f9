package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/newschat/internal/pipeline"
	"github.com/mohammad-safakhou/newschat/models"
)

type ChatHandler struct {
	Pipeline *pipeline.Pipeline
}

func (h *ChatHandler) Register(g *echo.Group) {
	g.POST("", h.query)
	g.POST("/test", h.queryTest)
}

// query runs one full pipeline pass with session persistence.
func (h *ChatHandler) query(c echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	result, err := h.Pipeline.Handle(c.Request().Context(), pipeline.Query{
		Message:   req.Message,
		SessionID: req.SessionID,
		Persist:   true,
	})
	if err != nil {
		if errors.Is(err, models.ErrEmptyInput) {
			return echo.NewHTTPError(http.StatusBadRequest, "message required")
		}
		// session store failures mean no state can be guaranteed
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, ChatResponse{
		Response:  result.Response,
		SessionID: result.SessionID,
		Sources:   result.Sources,
		Timestamp: time.Now().UTC(),
	})
}

// queryTest runs one diagnostic pass without touching session state.
func (h *ChatHandler) queryTest(c echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	result, err := h.Pipeline.Handle(c.Request().Context(), pipeline.Query{
		Message: req.Message,
		Persist: false,
	})
	if err != nil {
		if errors.Is(err, models.ErrEmptyInput) {
			return echo.NewHTTPError(http.StatusBadRequest, "message required")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}
