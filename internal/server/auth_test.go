package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestWithAuth(t *testing.T) {
	secret := []byte("test-secret")
	e := echo.New()
	handler := withAuth(func(c echo.Context) error {
		return c.String(http.StatusOK, c.Get("user_id").(string))
	}, secret)

	run := func(authorize func(*http.Request)) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if authorize != nil {
			authorize(req)
		}
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		if err := handler(c); err != nil {
			e.HTTPErrorHandler(err, c)
		}
		return rec
	}

	rec := run(nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", rec.Code)
	}

	rec = run(func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer not-a-token")
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: %d", rec.Code)
	}

	wrongKey, err := SignToken("alice", []byte("other-secret"), time.Hour)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	rec = run(func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+wrongKey)
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key accepted: %d", rec.Code)
	}

	expired, err := SignToken("alice", secret, -time.Hour)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	rec = run(func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+expired)
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expired token accepted: %d", rec.Code)
	}

	valid, err := SignToken("alice", secret, time.Hour)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	rec = run(func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+valid)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token rejected: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "alice" {
		t.Fatalf("subject not propagated: %q", rec.Body.String())
	}

	// cookie fallback
	rec = run(func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "auth", Value: valid})
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("cookie token rejected: %d", rec.Code)
	}
}
