package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chunkdrive/chunkdrive/internal/errs"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4 << 10

// apiMessage is the error body shape shared by the webhook and GitHub APIs.
type apiMessage struct {
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
}

// statusError classifies a non-2xx response. The body is consumed.
func statusError(kind, op string, resp *http.Response) *errs.BackendError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var msg apiMessage
	_ = json.Unmarshal(body, &msg)
	text := msg.Message
	if text == "" {
		text = strings.TrimSpace(string(body))
	}
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}

	e := errs.Backend(kind, op, errs.Permanent, errs.ReasonInvalid, resp.StatusCode, errors.New(text))
	switch code := resp.StatusCode; {
	case code == http.StatusNotFound:
		e.Reason = errs.ReasonNotFound
	case code == http.StatusUnauthorized:
		e.Reason = errs.ReasonAuth
	case code == http.StatusForbidden:
		e.Reason = errs.ReasonAccessDenied
	case code == http.StatusTooManyRequests:
		e.Kind, e.Reason = errs.Transient, errs.ReasonRateLimit
		e.RetryAfter = retryAfter(resp.Header, msg.RetryAfter)
	case code == http.StatusRequestTimeout || code >= 500:
		e.Kind, e.Reason = errs.Transient, errs.ReasonServer
	}
	return e
}

// networkError wraps a transport failure. Such failures are transient; the
// retry loop stops on its own once the caller's context is done.
func networkError(kind, op string, err error) *errs.BackendError {
	return errs.Backend(kind, op, errs.Transient, errs.ReasonNetwork, 0, err)
}

// retryAfter reads the Retry-After header (seconds) and falls back to a
// retry_after body field.
func retryAfter(h http.Header, bodySeconds float64) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
		}
	}
	if bodySeconds > 0 {
		return time.Duration(bodySeconds * float64(time.Second))
	}
	return 0
}

// validKey rejects keys that could escape a path segment.
func validKey(kind, op, key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, "/\\") {
		return errs.Backend(kind, op, errs.Permanent, errs.ReasonInvalid, 0, fmt.Errorf("invalid key %q", key))
	}
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
}
