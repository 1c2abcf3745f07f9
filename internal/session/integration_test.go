package session_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mohammad-safakhou/newschat/internal/session"
	"github.com/mohammad-safakhou/newschat/models"
)

// Runs against a real Redis via testcontainers. Opt in with
// NEWSCHAT_INTEGRATION=1.
func TestStoreAgainstRealRedis(t *testing.T) {
	if os.Getenv("NEWSCHAT_INTEGRATION") == "" {
		t.Skip("set NEWSCHAT_INTEGRATION=1 to run container-backed tests")
	}
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	defer func() { _ = redisC.Terminate(ctx) }()

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}

	client, err := session.Conn(ctx, host, port.Port(), "", 0, 5*time.Second)
	if err != nil {
		t.Fatalf("Conn: %v", err)
	}
	defer client.Close()

	store := session.NewStore(client, time.Hour, 0)

	sess, err := store.CreateSession(ctx, "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Title != models.DefaultSessionTitle {
		t.Fatalf("title = %q", sess.Title)
	}

	for _, turn := range []models.ChatTurn{
		{Role: models.RoleUser, Content: "what happened today?"},
		{Role: models.RoleAssistant, Content: "several things [1]", Sources: []models.Source{{Title: "t", URL: "u"}}},
	} {
		if _, err := store.AddMessage(ctx, sess.ID, turn); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}

	history, err := store.GetChatHistory(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("GetChatHistory: %v", err)
	}
	if len(history) != 2 || history[1].Role != models.RoleAssistant {
		t.Fatalf("history = %+v", history)
	}
	if len(history[1].Sources) != 1 {
		t.Fatal("sources lost on the round trip")
	}

	stats, err := store.GetSessionStats(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSessionStats: %v", err)
	}
	if stats.MessageCount != 2 || stats.HistoryLength != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.TTL <= 0 {
		t.Fatalf("TTL = %v", stats.TTL)
	}

	if err := store.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := store.GetSession(ctx, sess.ID); err != models.ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
