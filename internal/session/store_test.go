package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/newschat/models"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, ttl, 0), mr
}

func TestCreateSessionCoercesBlankTitle(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "   ")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Title != models.DefaultSessionTitle {
		t.Fatalf("expected default title, got %q", sess.Title)
	}
	if sess.ID == "" {
		t.Fatal("expected a generated session id")
	}
	if sess.MessageCount != 0 {
		t.Fatalf("expected zero message count, got %d", sess.MessageCount)
	}

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Title != models.DefaultSessionTitle {
		t.Fatalf("persisted title = %q, want default", got.Title)
	}
}

func TestCreateSessionKeepsExplicitTitle(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)

	sess, err := store.CreateSession(context.Background(), "Budget talks")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Title != "Budget talks" {
		t.Fatalf("title = %q", sess.Title)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)

	if _, err := store.GetSession(context.Background(), "missing"); !errors.Is(err, models.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSessionExists(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	ok, err := store.SessionExists(ctx, "missing")
	if err != nil {
		t.Fatalf("SessionExists: %v", err)
	}
	if ok {
		t.Fatal("missing session reported as existing")
	}

	sess, _ := store.CreateSession(ctx, "t")
	ok, err = store.SessionExists(ctx, sess.ID)
	if err != nil {
		t.Fatalf("SessionExists: %v", err)
	}
	if !ok {
		t.Fatal("created session reported as missing")
	}
}

func TestSessionExistsLeavesActivityAndExpiryAlone(t *testing.T) {
	store, mr := newTestStore(t, time.Hour)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "peek")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	mr.FastForward(10 * time.Minute)
	beforeTTL := mr.TTL(sessionKeyPrefix + sess.ID)
	before, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}

	if _, err := store.SessionExists(ctx, sess.ID); err != nil {
		t.Fatalf("SessionExists: %v", err)
	}

	if got := mr.TTL(sessionKeyPrefix + sess.ID); got != beforeTTL {
		t.Fatalf("existence check changed TTL: %v -> %v", beforeTTL, got)
	}
	after, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !after.LastActivity.Equal(before.LastActivity) {
		t.Fatalf("existence check changed lastActivity: %v -> %v", before.LastActivity, after.LastActivity)
	}
}

func TestAddMessageKeepsCounterEqualToHistory(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()
	sess, _ := store.CreateSession(ctx, "t")

	for i := 0; i < 5; i++ {
		if _, err := store.AddMessage(ctx, sess.ID, models.ChatTurn{Role: models.RoleUser, Content: "q"}); err != nil {
			t.Fatalf("AddMessage %d: %v", i, err)
		}
	}

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	history, err := store.GetChatHistory(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("GetChatHistory: %v", err)
	}
	if got.MessageCount != len(history) {
		t.Fatalf("message count %d != history length %d", got.MessageCount, len(history))
	}
	if got.MessageCount != 5 {
		t.Fatalf("message count = %d, want 5", got.MessageCount)
	}
	if !got.LastActivity.After(sess.LastActivity) && !got.LastActivity.Equal(sess.LastActivity) {
		t.Fatal("lastActivity did not advance")
	}
}

func TestAddMessageToMissingSession(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)

	_, err := store.AddMessage(context.Background(), "missing", models.ChatTurn{Role: models.RoleUser, Content: "q"})
	if !errors.Is(err, models.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestGetChatHistoryOrderAndLimit(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()
	sess, _ := store.CreateSession(ctx, "t")

	for _, content := range []string{"one", "two", "three", "four"} {
		if _, err := store.AddMessage(ctx, sess.ID, models.ChatTurn{Role: models.RoleUser, Content: content}); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}

	all, err := store.GetChatHistory(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("GetChatHistory: %v", err)
	}
	if len(all) != 4 || all[0].Content != "one" || all[3].Content != "four" {
		t.Fatalf("unexpected full history: %+v", all)
	}

	last2, err := store.GetChatHistory(ctx, sess.ID, 2)
	if err != nil {
		t.Fatalf("GetChatHistory limit: %v", err)
	}
	if len(last2) != 2 || last2[0].Content != "three" || last2[1].Content != "four" {
		t.Fatalf("unexpected limited history: %+v", last2)
	}
}

func TestGetChatHistoryMissingSession(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)

	_, err := store.GetChatHistory(context.Background(), "missing", 0)
	if !errors.Is(err, models.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestEmptySessionHistoryIsEmptyNotMissing(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()
	sess, _ := store.CreateSession(ctx, "t")

	history, err := store.GetChatHistory(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("GetChatHistory: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d turns", len(history))
	}
}

func TestUpdateSessionTitle(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()
	sess, _ := store.CreateSession(ctx, "old")

	updated, err := store.UpdateSessionTitle(ctx, sess.ID, "new title")
	if err != nil {
		t.Fatalf("UpdateSessionTitle: %v", err)
	}
	if updated.Title != "new title" {
		t.Fatalf("title = %q", updated.Title)
	}

	blank, err := store.UpdateSessionTitle(ctx, sess.ID, "   ")
	if err != nil {
		t.Fatalf("UpdateSessionTitle blank: %v", err)
	}
	if blank.Title != models.DefaultSessionTitle {
		t.Fatalf("blank title coerced to %q", blank.Title)
	}
}

func TestWritesRefreshRetentionWindow(t *testing.T) {
	ttl := time.Hour
	store, mr := newTestStore(t, ttl)
	ctx := context.Background()
	sess, _ := store.CreateSession(ctx, "t")

	mr.FastForward(30 * time.Minute)

	if _, err := store.AddMessage(ctx, sess.ID, models.ChatTurn{Role: models.RoleUser, Content: "q"}); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if remaining := mr.TTL(sessionKeyPrefix + sess.ID); remaining != ttl {
		t.Fatalf("session TTL after write = %v, want %v", remaining, ttl)
	}
	if remaining := mr.TTL(historyKeyPrefix + sess.ID); remaining != ttl {
		t.Fatalf("history TTL after write = %v, want %v", remaining, ttl)
	}

	mr.FastForward(30 * time.Minute)
	if _, err := store.UpdateSessionTitle(ctx, sess.ID, "renamed"); err != nil {
		t.Fatalf("UpdateSessionTitle: %v", err)
	}
	if remaining := mr.TTL(sessionKeyPrefix + sess.ID); remaining != ttl {
		t.Fatalf("session TTL after rename = %v, want %v", remaining, ttl)
	}
}

func TestIdleSessionExpires(t *testing.T) {
	store, mr := newTestStore(t, time.Hour)
	ctx := context.Background()
	sess, _ := store.CreateSession(ctx, "t")

	mr.FastForward(2 * time.Hour)

	if _, err := store.GetSession(ctx, sess.ID); !errors.Is(err, models.ErrSessionNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestClearChatHistoryPreservesMetadataAndExpiry(t *testing.T) {
	ttl := time.Hour
	store, mr := newTestStore(t, ttl)
	ctx := context.Background()
	sess, _ := store.CreateSession(ctx, "keep me")
	if _, err := store.AddMessage(ctx, sess.ID, models.ChatTurn{Role: models.RoleUser, Content: "q"}); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	mr.FastForward(20 * time.Minute)
	if err := store.ClearChatHistory(ctx, sess.ID); err != nil {
		t.Fatalf("ClearChatHistory: %v", err)
	}

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession after clear: %v", err)
	}
	if got.Title != "keep me" {
		t.Fatalf("title lost on clear: %q", got.Title)
	}
	if got.MessageCount != 0 {
		t.Fatalf("message count after clear = %d", got.MessageCount)
	}

	history, err := store.GetChatHistory(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("GetChatHistory after clear: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("history not empty after clear: %d turns", len(history))
	}

	// clear is not a write for retention purposes
	if remaining := mr.TTL(sessionKeyPrefix + sess.ID); remaining != ttl-20*time.Minute {
		t.Fatalf("clear changed expiry: %v", remaining)
	}
}

func TestDeleteSession(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()
	sess, _ := store.CreateSession(ctx, "t")
	if _, err := store.AddMessage(ctx, sess.ID, models.ChatTurn{Role: models.RoleUser, Content: "q"}); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	if err := store.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := store.GetSession(ctx, sess.ID); !errors.Is(err, models.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
	if _, err := store.GetChatHistory(ctx, sess.ID, 0); !errors.Is(err, models.ErrSessionNotFound) {
		t.Fatalf("history survived delete: %v", err)
	}
	if err := store.DeleteSession(ctx, sess.ID); !errors.Is(err, models.ErrSessionNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestGetAllSessionsSortedWithLastMessage(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	older, _ := store.CreateSession(ctx, "older")
	newer, _ := store.CreateSession(ctx, "newer")

	if _, err := store.AddMessage(ctx, older.ID, models.ChatTurn{Role: models.RoleUser, Content: "first", Timestamp: time.Now().Add(-time.Minute).UTC()}); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if _, err := store.AddMessage(ctx, newer.ID, models.ChatTurn{Role: models.RoleUser, Content: "second", Timestamp: time.Now().UTC()}); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	sessions, err := store.GetAllSessions(ctx)
	if err != nil {
		t.Fatalf("GetAllSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ID != newer.ID {
		t.Fatalf("expected most recently active first, got %s", sessions[0].Title)
	}
	if sessions[0].LastMessage == nil || sessions[0].LastMessage.Content != "second" {
		t.Fatalf("unexpected last message: %+v", sessions[0].LastMessage)
	}
	if sessions[1].LastMessage == nil || sessions[1].LastMessage.Content != "first" {
		t.Fatalf("unexpected last message: %+v", sessions[1].LastMessage)
	}
}

func TestGetAllSessionsRepairsBlankTitle(t *testing.T) {
	store, mr := newTestStore(t, time.Hour)
	ctx := context.Background()

	// A record written before title coercion existed.
	legacy := models.Session{ID: "legacy", Title: "  ", CreatedAt: time.Now().UTC(), LastActivity: time.Now().UTC(), IsActive: true}
	raw, _ := json.Marshal(legacy)
	if err := mr.Set(sessionKeyPrefix+legacy.ID, string(raw)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sessions, err := store.GetAllSessions(ctx)
	if err != nil {
		t.Fatalf("GetAllSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Title != models.DefaultSessionTitle {
		t.Fatalf("blank title not repaired: %+v", sessions)
	}

	got, err := store.GetSession(ctx, legacy.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Title != models.DefaultSessionTitle {
		t.Fatalf("repair not persisted: %q", got.Title)
	}
}

func TestGetSessionStats(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()
	sess, _ := store.CreateSession(ctx, "t")
	for i := 0; i < 3; i++ {
		if _, err := store.AddMessage(ctx, sess.ID, models.ChatTurn{Role: models.RoleUser, Content: "q"}); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}

	stats, err := store.GetSessionStats(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSessionStats: %v", err)
	}
	if stats.MessageCount != 3 || stats.HistoryLength != 3 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.TTL <= 0 || stats.TTL > time.Hour {
		t.Fatalf("unexpected TTL %v", stats.TTL)
	}
}

func TestTitleFromMessage(t *testing.T) {
	if got := TitleFromMessage("  ", 0); got != models.DefaultSessionTitle {
		t.Fatalf("blank message: %q", got)
	}

	short := "What happened in the election?"
	if got := TitleFromMessage(short, 0); got != short {
		t.Fatalf("short message altered: %q", got)
	}

	exact := strings.Repeat("a", 50)
	if got := TitleFromMessage(exact, 0); got != exact {
		t.Fatalf("50-rune message altered: %q", got)
	}

	long := strings.Repeat("b", 51)
	got := TitleFromMessage(long, 0)
	if want := strings.Repeat("b", 47) + "..."; got != want {
		t.Fatalf("long message: got %q want %q", got, want)
	}
	if n := len([]rune(got)); n != 50 {
		t.Fatalf("derived title is %d runes", n)
	}

	// rune-aware, not byte-aware
	wide := strings.Repeat("ü", 60)
	got = TitleFromMessage(wide, 0)
	if want := strings.Repeat("ü", 47) + "..."; got != want {
		t.Fatalf("multibyte truncation wrong: %q", got)
	}

	// a custom bound shifts both the whole-message limit and the cut point
	if got := TitleFromMessage(strings.Repeat("c", 20), 20); got != strings.Repeat("c", 20) {
		t.Fatalf("20-rune message altered under bound 20: %q", got)
	}
	if got, want := TitleFromMessage(strings.Repeat("c", 21), 20), strings.Repeat("c", 17)+"..."; got != want {
		t.Fatalf("bound 20: got %q want %q", got, want)
	}
}

func TestAutoGenerateTitleHonorsConfiguredBound(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewStore(client, time.Hour, 20)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := store.AutoGenerateTitle(ctx, sess.ID, strings.Repeat("x", 30))
	if err != nil {
		t.Fatalf("AutoGenerateTitle: %v", err)
	}
	if want := strings.Repeat("x", 17) + "..."; got.Title != want {
		t.Fatalf("title = %q, want %q", got.Title, want)
	}
}
