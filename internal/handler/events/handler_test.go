package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/clinic-flow/internal/service/notify"
)

// streamRecorder lets the handler goroutine write while the test reads.
type streamRecorder struct {
	*httptest.ResponseRecorder
	mu     sync.Mutex
	closed chan bool
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool, 1)}
}

func (r *streamRecorder) CloseNotify() <-chan bool { return r.closed }

func (r *streamRecorder) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ResponseRecorder.Write(b)
}

func (r *streamRecorder) WriteString(s string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ResponseRecorder.WriteString(s)
}

func (r *streamRecorder) WriteHeader(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ResponseRecorder.WriteHeader(code)
}

func (r *streamRecorder) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ResponseRecorder.Flush()
}

func (r *streamRecorder) body() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Body.String()
}

func TestStreamDeliversSubscribedTopics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := notify.NewHub(8)
	r := gin.New()
	NewHandler(hub, time.Hour).RegisterRoutes(r.Group(""))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events/stream?topics=clinicians", nil).WithContext(ctx)
	rec := newStreamRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.ServeHTTP(rec, req)
	}()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	hub.Publish(context.Background(), notify.Event{Topic: notify.TopicSessions, Type: "checked_in"})
	hub.Publish(context.Background(), notify.Event{
		Topic: notify.TopicClinicians,
		Type:  "login",
		Data:  map[string]string{"clinician_ref": "dr-a"},
	})

	require.Eventually(t, func() bool {
		body := rec.body()
		return strings.Contains(body, "event:clinicians.login") && strings.Contains(body, `"clinician_ref":"dr-a"`)
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not end after the client went away")
	}

	assert.NotContains(t, rec.body(), "sessions.checked_in")
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, 0, hub.Subscribers())
}
