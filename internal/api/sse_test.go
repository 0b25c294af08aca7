package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/ant2api/ant2api/internal/logging"
)

func TestDrainContextSurvivesClientDisconnect(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	ctx, cancel := context.WithCancel(context.Background())
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/messages", nil).WithContext(ctx)

	dctx := drainContext(c)
	cancel()

	if c.Request.Context().Err() == nil {
		t.Fatal("request context not cancelled")
	}
	select {
	case <-dctx.Done():
		t.Fatal("drain context cancelled with the client connection")
	default:
	}
	if dctx.Err() != nil {
		t.Errorf("drain context err = %v", dctx.Err())
	}
}

func TestSSESenderSinksAfterDisconnect(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	ctx, cancel := context.WithCancel(context.Background())
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil).WithContext(ctx)

	send := newSSESender(c)
	send.data(logging.LevelOff, []string{`{"n":1}`})
	cancel()
	send.data(logging.LevelOff, []string{`{"n":2}`})

	body := w.Body.String()
	if !strings.Contains(body, `{"n":1}`) {
		t.Errorf("first event missing: %q", body)
	}
	if strings.Contains(body, `{"n":2}`) {
		t.Errorf("event written after disconnect: %q", body)
	}
}
