package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/chunkdrive/chunkdrive/internal/config"
	"github.com/chunkdrive/chunkdrive/internal/errs"
)

const kindWebhook = "webhook"

// Webhook stores each chunk as the single attachment of a message posted to
// a chat webhook. The message id is the chunk key.
type Webhook struct {
	url     string
	client  *http.Client
	maxSize int64
	index   *webhookIndex // nil when no index file is configured
	log     zerolog.Logger
}

type webhookMessage struct {
	ID          string `json:"id"`
	Attachments []struct {
		ID       string `json:"id"`
		Filename string `json:"filename"`
		Size     int64  `json:"size"`
		URL      string `json:"url"`
	} `json:"attachments"`
}

// NewWebhook creates a webhook backend. The optional index file keeps the
// ids of stored messages so the backend can be listed.
func NewWebhook(cfg config.WebhookSource, client *http.Client, log zerolog.Logger) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, &errs.ConfigError{Field: "source.url", Msg: "is required"}
	}
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, &errs.ConfigError{Field: "source.url", Msg: err.Error()}
	}
	maxSize := cfg.MaxAttachmentSize.Bytes()
	if maxSize == 0 {
		maxSize = config.DefaultMaxAttachmentSize
	}
	w := &Webhook{
		url:     strings.TrimRight(cfg.URL, "/"),
		client:  client,
		maxSize: maxSize,
		log:     log,
	}
	if cfg.Index != "" {
		idx, err := openWebhookIndex(cfg.Index)
		if err != nil {
			return nil, err
		}
		w.index = idx
	}
	return w, nil
}

func (w *Webhook) do(ctx context.Context, op, method, target string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errs.Backend(kindWebhook, op, errs.Permanent, errs.ReasonInvalid, 0, err)
	}
	req.Header.Set("User-Agent", userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, networkError(kindWebhook, op, err)
	}
	if resp.StatusCode/100 != 2 {
		defer drain(resp)
		return nil, statusError(kindWebhook, op, resp)
	}
	return resp, nil
}

// Put uploads data as a message attachment named name and returns the
// message id.
func (w *Webhook) Put(ctx context.Context, name string, data []byte) (string, error) {
	if int64(len(data)) > w.maxSize {
		return "", errs.Backend(kindWebhook, "put", errs.Permanent, errs.ReasonInvalid, 0,
			fmt.Errorf("%d bytes exceeds attachment limit %d", len(data), w.maxSize))
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	payload, _ := json.Marshal(map[string]any{
		"content":     name,
		"attachments": []map[string]any{{"id": 0, "filename": name}},
	})
	if err := mw.WriteField("payload_json", string(payload)); err != nil {
		return "", errs.Backend(kindWebhook, "put", errs.Permanent, errs.ReasonInvalid, 0, err)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files[0]"; filename=%q`, name))
	h.Set("Content-Type", "application/octet-stream")
	part, err := mw.CreatePart(h)
	if err == nil {
		_, err = part.Write(data)
	}
	if err == nil {
		err = mw.Close()
	}
	if err != nil {
		return "", errs.Backend(kindWebhook, "put", errs.Permanent, errs.ReasonInvalid, 0, err)
	}

	resp, err := w.do(ctx, "put", http.MethodPost, w.url+"?wait=true", &body, mw.FormDataContentType())
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var msg webhookMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return "", errs.Backend(kindWebhook, "put", errs.Transient, errs.ReasonServer, resp.StatusCode,
			fmt.Errorf("decode message: %w", err))
	}
	if msg.ID == "" || len(msg.Attachments) == 0 {
		return "", errs.Backend(kindWebhook, "put", errs.Permanent, errs.ReasonServer, resp.StatusCode,
			errors.New("response carries no message id or attachment"))
	}

	// An unindexed message would be invisible to List, so the put is undone.
	if w.index != nil {
		if err := w.index.add(msg.ID, int64(len(data))); err != nil {
			if derr := w.Delete(context.WithoutCancel(ctx), msg.ID); derr != nil {
				w.log.Error().Err(derr).Str("key", msg.ID).Msg("failed to delete unindexed message")
			}
			return "", errs.Backend(kindWebhook, "put", errs.Permanent, errs.ReasonInvalid, 0,
				fmt.Errorf("record message in index: %w", err))
		}
	}
	return msg.ID, nil
}

func (w *Webhook) messageURL(key string) string {
	return w.url + "/messages/" + url.PathEscape(key)
}

// Get looks up the message and downloads its attachment.
func (w *Webhook) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(kindWebhook, "get", key); err != nil {
		return nil, err
	}
	resp, err := w.do(ctx, "get", http.MethodGet, w.messageURL(key), nil, "")
	if err != nil {
		return nil, err
	}
	var msg webhookMessage
	err = json.NewDecoder(resp.Body).Decode(&msg)
	_ = resp.Body.Close()
	if err != nil {
		return nil, errs.Backend(kindWebhook, "get", errs.Transient, errs.ReasonServer, resp.StatusCode,
			fmt.Errorf("decode message: %w", err))
	}
	if len(msg.Attachments) == 0 {
		return nil, errs.Backend(kindWebhook, "get", errs.Permanent, errs.ReasonNotFound, 0,
			fmt.Errorf("message %s has no attachment", key))
	}

	resp, err = w.do(ctx, "get", http.MethodGet, msg.Attachments[0].URL, nil, "")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkError(kindWebhook, "get", err)
	}
	return data, nil
}

// Delete removes the message carrying the chunk.
func (w *Webhook) Delete(ctx context.Context, key string) error {
	if err := validKey(kindWebhook, "delete", key); err != nil {
		return err
	}
	resp, err := w.do(ctx, "delete", http.MethodDelete, w.messageURL(key), nil, "")
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	if resp != nil {
		drain(resp)
	}
	if w.index != nil {
		if err := w.index.remove(key); err != nil {
			w.log.Warn().Err(err).Str("key", key).Msg("failed to drop message from index")
		}
	}
	return nil
}

// List returns the messages recorded in the index file.
func (w *Webhook) List(ctx context.Context) ([]Object, error) {
	if w.index == nil {
		return nil, errs.Backend(kindWebhook, "list", errs.Permanent, errs.ReasonInvalid, 0,
			fmt.Errorf("%w: webhook without index file", errs.ErrUnsupported))
	}
	return w.index.list(), nil
}

func (w *Webhook) Info() Info {
	return Info{Kind: kindWebhook, MaxObjectSize: w.maxSize, Listable: w.index != nil}
}

// webhookIndex is a JSON file mapping message ids to sizes, rewritten
// atomically on every change.
type webhookIndex struct {
	path    string
	mu      sync.Mutex
	entries map[string]int64
}

func openWebhookIndex(path string) (*webhookIndex, error) {
	idx := &webhookIndex{path: path, entries: make(map[string]int64)}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return idx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read webhook index: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return idx, nil
	}
	if err := json.Unmarshal(data, &idx.entries); err != nil {
		return nil, fmt.Errorf("parse webhook index %s: %w", path, err)
	}
	return idx, nil
}

func (x *webhookIndex) add(key string, size int64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries[key] = size
	if err := x.flushLocked(); err != nil {
		delete(x.entries, key)
		return err
	}
	return nil
}

func (x *webhookIndex) remove(key string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.entries[key]; !ok {
		return nil
	}
	delete(x.entries, key)
	return x.flushLocked()
}

func (x *webhookIndex) list() []Object {
	x.mu.Lock()
	defer x.mu.Unlock()
	objs := make([]Object, 0, len(x.entries))
	for k, size := range x.entries {
		objs = append(objs, Object{Key: k, Size: size})
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].Key < objs[j].Key })
	return objs
}

func (x *webhookIndex) flushLocked() error {
	data, err := json.Marshal(x.entries)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(x.path), 0o755); err != nil {
		return err
	}
	tmp := x.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, x.path)
}
