package server

import (
	"time"

	"github.com/mohammad-safakhou/newschat/models"
)

// HTTPError is the unified error body returned by the API.
type HTTPError struct {
	Error string `json:"error"`
}

type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

type ChatResponse struct {
	Response  string          `json:"response"`
	SessionID string          `json:"session_id"`
	Sources   []models.Source `json:"sources"`
	Timestamp time.Time       `json:"timestamp"`
}

type CreateSessionRequest struct {
	Title string `json:"title,omitempty"`
}

type CreateSessionResponse struct {
	SessionID string    `json:"session_id"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
}

type SessionListResponse struct {
	Sessions []models.SessionSummary `json:"sessions"`
	Count    int                     `json:"count"`
}

type SessionHistoryResponse struct {
	SessionID string            `json:"session_id"`
	Messages  []models.ChatTurn `json:"messages"`
	Count     int               `json:"count"`
}

type UpdateTitleRequest struct {
	Title string `json:"title"`
}

type ArticleIngestRequest struct {
	Articles []IngestArticle `json:"articles"`
}

type IngestArticle struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
}

type ArticleIngestResponse struct {
	Indexed int `json:"indexed"`
	Skipped int `json:"skipped"`
}
