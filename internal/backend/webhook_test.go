package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkdrive/chunkdrive/internal/config"
	"github.com/chunkdrive/chunkdrive/internal/errs"
)

// fakeChat mimics the webhook message API: messages carry one attachment
// served from /cdn/{id}.
type fakeChat struct {
	mu        sync.Mutex
	srv       *httptest.Server
	nextID    int
	files     map[string][]byte
	throttled int // remaining POSTs answered with 429
	posts     int
}

func newFakeChat(t *testing.T) *fakeChat {
	t.Helper()
	f := &fakeChat{files: make(map[string][]byte)}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /hook", f.post)
	mux.HandleFunc("GET /hook/messages/{id}", f.getMessage)
	mux.HandleFunc("DELETE /hook/messages/{id}", f.deleteMessage)
	mux.HandleFunc("GET /cdn/{id}", f.download)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeChat) message(id string) map[string]any {
	return map[string]any{
		"id": id,
		"attachments": []map[string]any{{
			"id": id, "filename": "chunk", "size": len(f.files[id]),
			"url": f.srv.URL + "/cdn/" + id,
		}},
	}
}

func (f *fakeChat) post(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts++
	if f.throttled > 0 {
		f.throttled--
		w.Header().Set("Retry-After", "0.01")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"message":"You are being rate limited.","retry_after":0.01}`)
		return
	}
	if r.URL.Query().Get("wait") != "true" {
		http.Error(w, "wait required", http.StatusBadRequest)
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.FormValue("payload_json") == "" {
		http.Error(w, "payload_json missing", http.StatusBadRequest)
		return
	}
	file, _, err := r.FormFile("files[0]")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, _ := io.ReadAll(file)
	f.nextID++
	id := fmt.Sprintf("1%05d", f.nextID)
	f.files[id] = data
	_ = json.NewEncoder(w).Encode(f.message(id))
}

func (f *fakeChat) getMessage(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := f.files[id]; !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"message":"Unknown Message","code":10008}`)
		return
	}
	_ = json.NewEncoder(w).Encode(f.message(id))
}

func (f *fakeChat) deleteMessage(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := f.files[id]; !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	delete(f.files, id)
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeChat) download(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[r.PathValue("id")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(data)
}

func TestWebhookRoundTrip(t *testing.T) {
	ctx := context.Background()
	chat := newFakeChat(t)
	index := filepath.Join(t.TempDir(), "chat.idx")

	w, err := NewWebhook(config.WebhookSource{URL: chat.srv.URL + "/hook", Index: index}, chat.srv.Client(), zerolog.Nop())
	require.NoError(t, err)
	info := w.Info()
	assert.False(t, info.NamedKeys)
	assert.True(t, info.Listable)
	assert.Equal(t, config.DefaultMaxAttachmentSize, info.MaxObjectSize)

	key, err := w.Put(ctx, "chunk-name", []byte("payload"))
	require.NoError(t, err)
	assert.NotEqual(t, "chunk-name", key, "key is the message id")

	data, err := w.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	objs, err := w.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Object{{Key: key, Size: 7}}, objs)

	// The index survives a restart.
	w2, err := NewWebhook(config.WebhookSource{URL: chat.srv.URL + "/hook", Index: index}, chat.srv.Client(), zerolog.Nop())
	require.NoError(t, err)
	objs, err = w2.List(ctx)
	require.NoError(t, err)
	assert.Len(t, objs, 1)

	require.NoError(t, w.Delete(ctx, key))
	require.NoError(t, w.Delete(ctx, key), "delete is idempotent")
	_, err = w.Get(ctx, key)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	objs, err = w.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, objs)
}

func TestWebhookRateLimitRetried(t *testing.T) {
	chat := newFakeChat(t)
	chat.throttled = 2

	raw, err := NewWebhook(config.WebhookSource{URL: chat.srv.URL + "/hook"}, chat.srv.Client(), zerolog.Nop())
	require.NoError(t, err)

	// Unretried, the 429 surfaces as a transient rate-limit failure.
	_, err = raw.Put(context.Background(), "c", []byte("x"))
	var be *errs.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, errs.Transient, be.Kind)
	assert.Equal(t, errs.ReasonRateLimit, be.Reason)
	assert.Equal(t, 10*time.Millisecond, be.RetryAfter)

	b := WithRetry(raw, Policy{MaxAttempts: 3, InitialWait: time.Millisecond, Multiplier: 2}, RetryOptions{Logger: zerolog.Nop()})
	key, err := b.Put(context.Background(), "c", []byte("x"))
	require.NoError(t, err)
	assert.NotEmpty(t, key)
	assert.Equal(t, 3, chat.posts)
}

func TestWebhookIndexFailureUndoesPut(t *testing.T) {
	ctx := context.Background()
	chat := newFakeChat(t)
	dir := t.TempDir()
	index := filepath.Join(dir, "state", "chat.idx")

	w, err := NewWebhook(config.WebhookSource{URL: chat.srv.URL + "/hook", Index: index}, chat.srv.Client(), zerolog.Nop())
	require.NoError(t, err)

	// A plain file where the index directory should be makes every flush fail.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state"), []byte("x"), 0o600))

	_, err = w.Put(ctx, "c", []byte("payload"))
	require.Error(t, err)
	assert.False(t, errs.IsTransient(err))
	assert.Equal(t, 1, chat.posts)

	chat.mu.Lock()
	assert.Empty(t, chat.files, "message must be deleted again")
	chat.mu.Unlock()

	objs, err := w.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, objs)
}

func TestWebhookWithoutIndexCannotList(t *testing.T) {
	chat := newFakeChat(t)
	w, err := NewWebhook(config.WebhookSource{URL: chat.srv.URL + "/hook"}, chat.srv.Client(), zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, w.Info().Listable)

	_, err = w.List(context.Background())
	assert.ErrorIs(t, err, errs.ErrUnsupported)
}

func TestWebhookRejectsOversizedChunk(t *testing.T) {
	chat := newFakeChat(t)
	w, err := NewWebhook(config.WebhookSource{URL: chat.srv.URL + "/hook", MaxAttachmentSize: 4}, chat.srv.Client(), zerolog.Nop())
	require.NoError(t, err)

	_, err = w.Put(context.Background(), "c", []byte("too big"))
	require.Error(t, err)
	assert.Equal(t, 0, chat.posts)
}

func TestStatusErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		kind   errs.Kind
		reason errs.Reason
	}{
		{http.StatusNotFound, errs.Permanent, errs.ReasonNotFound},
		{http.StatusUnauthorized, errs.Permanent, errs.ReasonAuth},
		{http.StatusForbidden, errs.Permanent, errs.ReasonAccessDenied},
		{http.StatusTooManyRequests, errs.Transient, errs.ReasonRateLimit},
		{http.StatusBadGateway, errs.Transient, errs.ReasonServer},
		{http.StatusBadRequest, errs.Permanent, errs.ReasonInvalid},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			resp := &http.Response{StatusCode: tt.status, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(`{"message":"x"}`))}
			e := statusError("test", "get", resp)
			assert.Equal(t, tt.kind, e.Kind)
			assert.Equal(t, tt.reason, e.Reason)
			assert.Equal(t, tt.status, e.Status)
		})
	}
}
