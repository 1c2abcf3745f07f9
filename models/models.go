package models

import (
	"errors"
	"time"
)

// ErrSessionNotFound is returned when a referenced session does not exist
var ErrSessionNotFound = errors.New("session not found")

// ErrEmptyInput is returned when caller input is blank after trimming
var ErrEmptyInput = errors.New("empty input")

// ErrNoValidInput is returned when every entry of a batch is blank
var ErrNoValidInput = errors.New("no valid input")

// DefaultSessionTitle is assigned whenever a title would otherwise be blank.
const DefaultSessionTitle = "New conversation"

// Session represents one conversation and its metadata.
type Session struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
	IsActive     bool      `json:"is_active"`
}

// SessionSummary is a Session augmented with its most recent turn,
// as returned by list operations.
type SessionSummary struct {
	Session
	LastMessage *ChatTurn `json:"last_message,omitempty"`
}

// SessionStats reports storage-level detail for one session.
type SessionStats struct {
	CreatedAt     time.Time     `json:"created_at"`
	LastActivity  time.Time     `json:"last_activity"`
	MessageCount  int           `json:"message_count"`
	HistoryLength int           `json:"history_length"`
	TTL           time.Duration `json:"ttl"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatTurn is one append-only message within a session's history.
type ChatTurn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Sources   []Source  `json:"sources,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Article is a retrieved knowledge source. URL acts as the natural key:
// re-indexing the same URL overwrites rather than duplicates.
type Article struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
	Source      string    `json:"source"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	Score       float64   `json:"score"`
}

// Source is the citation shape surfaced to callers.
type Source struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
	Score       float64   `json:"score"`
}

// AsSource projects an article onto its citation shape.
func (a Article) AsSource() Source {
	return Source{
		Title:       a.Title,
		URL:         a.URL,
		Source:      a.Source,
		PublishedAt: a.PublishedAt,
		Score:       a.Score,
	}
}

// PipelineResult is the outcome of one query pass.
type PipelineResult struct {
	Response  string   `json:"response"`
	Sources   []Source `json:"sources"`
	SessionID string   `json:"session_id"`
	Degraded  bool     `json:"degraded"`
	Err       error    `json:"-"`
}
