package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookSenderPostsJSON(t *testing.T) {
	var got webhookRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, http.MethodPost, r.Method)
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(webhookResponse{ID: "msg-1", Status: "queued"})
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL, "secret", 2*time.Second, nil)
	err := s.Send(context.Background(), "t1", "+15550001", Payload{
		Kind:     KindRatingRequest,
		Body:     "How was your stay?",
		Metadata: map[string]string{"booking_id": "b1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "t1", got.TenantID)
	assert.Equal(t, "+15550001", got.Recipient)
	assert.Equal(t, KindRatingRequest, got.Kind)
	assert.Equal(t, "b1", got.Metadata["booking_id"])
}

func TestWebhookSenderRejected(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "invalid recipient", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewWebhookSender(srv.URL, "", time.Second, nil).Send(context.Background(), "t1", "bad", Payload{Kind: KindProactive})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Contains(t, err.Error(), "400")
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestWebhookSenderHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewWebhookSender(srv.URL, "", 5*time.Second, nil).Send(ctx, "t1", "x", Payload{})
	assert.Error(t, err)
}

func TestMemorySender(t *testing.T) {
	m := &MemorySender{FailFor: map[string]error{"down": errors.New("boom")}}
	require.NoError(t, m.Send(context.Background(), "t1", "ok", Payload{Body: "hi"}))
	assert.Error(t, m.Send(context.Background(), "t1", "down", Payload{}))

	sent := m.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "ok", sent[0].Recipient)
}

func TestLogSenderNeverFails(t *testing.T) {
	assert.NoError(t, NewLogSender(nil).Send(context.Background(), "t1", "r", Payload{Kind: KindSurvey}))
}
