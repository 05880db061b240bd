package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tagsHandler(names ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body strings.Builder
		body.WriteString(`{"models":[`)
		for i, n := range names {
			if i > 0 {
				body.WriteString(",")
			}
			fmt.Fprintf(&body, `{"name":%q}`, n)
		}
		body.WriteString(`]}`)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body.String())
	}
}

func TestPing(t *testing.T) {
	up := httptest.NewServer(tagsHandler("phi3.5:latest"))
	defer up.Close()
	assert.NoError(t, New(up.URL).Ping(context.Background()))

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	down.Close()
	assert.ErrorIs(t, New(down.URL).Ping(context.Background()), ErrUnreachable)
}

func TestMissingIgnoresTag(t *testing.T) {
	srv := httptest.NewServer(tagsHandler("phi3.5:latest", "nomic-embed-text:v1.5"))
	defer srv.Close()

	missing, err := New(srv.URL).Missing(context.Background(), "phi3.5", "nomic-embed-text:v1.5", "mistral-nemo")
	require.NoError(t, err)
	assert.Equal(t, []string{"mistral-nemo"}, missing)
}

func TestClassifySendsLabelSchema(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatResponse{Message: Message{Role: "assistant", Content: `{"label":"housekeeping","confidence":0.9}`}})
	}))
	defer srv.Close()

	v, err := New(srv.URL).Classify(context.Background(), ClassifyRequest{
		Model:  "phi3.5",
		Text:   "towels please",
		Labels: []string{"housekeeping", "other"},
	})
	require.NoError(t, err)
	assert.Equal(t, Verdict{Label: "housekeeping", Confidence: 0.9}, v)

	assert.Equal(t, "phi3.5", captured["model"])
	assert.Equal(t, false, captured["stream"])
	format, ok := captured["format"].(map[string]any)
	require.True(t, ok, "format = %T", captured["format"])
	label := format["properties"].(map[string]any)["label"].(map[string]any)
	assert.Equal(t, []any{"housekeeping", "other"}, label["enum"])

	messages := captured["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "towels please", messages[1].(map[string]any)["content"])
}

func TestClassifyMalformedReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatResponse{Message: Message{Content: "housekeeping, I think"}})
	}))
	defer srv.Close()

	_, err := New(srv.URL).Classify(context.Background(), ClassifyRequest{Model: "m", Text: "x"})
	assert.ErrorIs(t, err, ErrBadReply)
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{0.1, 0.2, 0.3}}})
	}))
	defer srv.Close()

	vec, err := New(srv.URL, WithDimensions(3)).Embed(context.Background(), "nomic-embed-text", "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestEmbedRejectsWrongDimensions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{make([]float32, 768)}})
	}))
	defer srv.Close()

	_, err := New(srv.URL, WithDimensions(1536)).Embed(context.Background(), "nomic-embed-text", "hello")
	require.ErrorIs(t, err, ErrDimensions)
	assert.Contains(t, err.Error(), "returned 768, want 1536")

	vec, err := New(srv.URL).Embed(context.Background(), "nomic-embed-text", "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 768)
}

func TestEmbedEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(embedResponse{})
	}))
	defer srv.Close()

	_, err := New(srv.URL).Embed(context.Background(), "m", "hello")
	assert.ErrorIs(t, err, ErrBadReply)
}

func TestEnsureReady(t *testing.T) {
	srv := httptest.NewServer(tagsHandler("phi3.5:latest"))
	defer srv.Close()

	require.NoError(t, EnsureReady(context.Background(), New(srv.URL), "phi3.5"))

	err := EnsureReady(context.Background(), New(srv.URL), "phi3.5", "nomic-embed-text")
	require.ErrorIs(t, err, ErrModelMissing)
	assert.Contains(t, err.Error(), "nomic-embed-text")
}

func TestEnsureReadyUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	err := EnsureReady(context.Background(), New(srv.URL), "phi3.5")
	assert.ErrorIs(t, err, ErrUnreachable)
}

type fakeBackend struct {
	verdict Verdict
	err     error
	delay   time.Duration
	vec     []float32
	last    ClassifyRequest
	model   string
}

func (f *fakeBackend) Classify(ctx context.Context, req ClassifyRequest) (Verdict, error) {
	f.last = req
	f.model = req.Model
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Verdict{}, ctx.Err()
		}
	}
	return f.verdict, f.err
}

func (f *fakeBackend) Embed(_ context.Context, model, _ string) ([]float32, error) {
	f.model = model
	return f.vec, nil
}

func TestServiceClassify(t *testing.T) {
	b := &fakeBackend{verdict: Verdict{Label: "Maintenance", Confidence: 1.7}}
	svc := NewService(b, Options{ClassifyModel: "phi3.5", Labels: []string{"maintenance", "other"}})

	label, conf, err := svc.Classify(context.Background(), "the AC is broken")
	require.NoError(t, err)
	assert.Equal(t, "maintenance", label)
	assert.Equal(t, 1.0, conf)
	assert.Equal(t, "phi3.5", b.model)
	assert.Equal(t, []string{"maintenance", "other"}, b.last.Labels)
	assert.Equal(t, "the AC is broken", b.last.Text)
}

func TestServiceClassifyUnknownLabel(t *testing.T) {
	b := &fakeBackend{verdict: Verdict{Label: "weather", Confidence: 0.7}}
	svc := NewService(b, Options{Labels: []string{"maintenance", "other"}})

	label, conf, err := svc.Classify(context.Background(), "is it sunny")
	require.NoError(t, err)
	assert.Equal(t, "other", label)
	assert.Equal(t, 0.7, conf)
}

func TestServiceClassifyErrors(t *testing.T) {
	svc := NewService(&fakeBackend{err: errors.New("down")}, Options{})
	_, _, err := svc.Classify(context.Background(), "x")
	assert.Error(t, err)

	svc = NewService(&fakeBackend{err: ErrBadReply}, Options{})
	_, _, err = svc.Classify(context.Background(), "x")
	assert.ErrorIs(t, err, ErrBadReply)

	svc = NewService(&fakeBackend{delay: time.Second}, Options{Timeout: 20 * time.Millisecond})
	_, _, err = svc.Classify(context.Background(), "x")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServiceEmbedUsesEmbedModel(t *testing.T) {
	b := &fakeBackend{vec: []float32{1, 2}}
	svc := NewService(b, Options{EmbedModel: "nomic-embed-text"})

	vec, err := svc.Embed(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, vec)
	assert.Equal(t, "nomic-embed-text", b.model)
}
