package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chunkdrive/chunkdrive/internal/config"
	"github.com/chunkdrive/chunkdrive/internal/errs"
)

const (
	kindRelease = "release"

	defaultGitHubAPI = "https://api.github.com"

	// GitHub rejects release assets of 2 GiB or more.
	maxReleaseAsset = 2<<30 - 1

	assetsPerPage = 100

	// Suffixes of the temporary asset names used while replacing an asset.
	stageSuffix = ".chunkdrive-new"
	stashSuffix = ".chunkdrive-old"
)

// Release stores chunks as assets of a single GitHub release. Asset names are
// the chunk keys.
type Release struct {
	owner, repo, tag string
	token            string
	baseURL          string
	maxAssets        int
	client           *http.Client
	limits           *rateLimitTracker
	log              zerolog.Logger

	mu      sync.Mutex
	release *ghRelease
	assets  map[string]ghAsset // name -> asset, loaded with the release
	pending int                // uploads holding a reserved slot
}

type ghRelease struct {
	ID        int64  `json:"id"`
	TagName   string `json:"tag_name"`
	UploadURL string `json:"upload_url"`
}

type ghAsset struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// NewRelease creates a release backend. The release itself is looked up on
// first use and created by the first Put.
func NewRelease(cfg config.ReleaseSource, client *http.Client, log zerolog.Logger) (*Release, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, &errs.ConfigError{Field: "source.owner", Msg: "owner and repo are required"}
	}
	if cfg.Token == "" {
		return nil, &errs.ConfigError{Field: "source.token", Msg: "is required"}
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultGitHubAPI
	}
	tag := cfg.Tag
	if tag == "" {
		tag = config.DefaultReleaseTag
	}
	maxAssets := cfg.MaxAssets
	if maxAssets == 0 {
		maxAssets = config.DefaultMaxAssets
	}
	return &Release{
		owner:     cfg.Owner,
		repo:      cfg.Repo,
		tag:       tag,
		token:     cfg.Token,
		baseURL:   strings.TrimRight(base, "/"),
		maxAssets: maxAssets,
		client:    client,
		limits:    newRateLimitTracker(),
		log:       log,
	}, nil
}

func (r *Release) repoURL(format string, args ...any) string {
	return fmt.Sprintf("%s/repos/%s/%s", r.baseURL, url.PathEscape(r.owner), url.PathEscape(r.repo)) +
		fmt.Sprintf(format, args...)
}

// do sends an authenticated API request and classifies failures.
func (r *Release) do(ctx context.Context, op, method, target string, body []byte, contentType, accept string) (*http.Response, error) {
	if err := r.limits.wait(ctx); err != nil {
		return nil, err
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, errs.Backend(kindRelease, op, errs.Permanent, errs.ReasonInvalid, 0, err)
	}
	if accept == "" {
		accept = "application/vnd.github.v3+json"
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+r.token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, networkError(kindRelease, op, err)
	}
	r.limits.update(resp.Header)
	if resp.StatusCode/100 != 2 {
		defer drain(resp)
		return nil, r.classify(op, resp)
	}
	return resp, nil
}

// classify maps GitHub failures onto the backend taxonomy. A 403 carrying a
// rate limit message is transient; any other 403 is a permission failure.
func (r *Release) classify(op string, resp *http.Response) *errs.BackendError {
	e := statusError(kindRelease, op, resp)
	if resp.StatusCode == http.StatusForbidden && isRateLimitMessage(e.Err.Error()) {
		e.Kind, e.Reason = errs.Transient, errs.ReasonRateLimit
	}
	if e.Reason == errs.ReasonRateLimit {
		if d := r.limits.retryAfter(resp.Header); d > e.RetryAfter {
			e.RetryAfter = d
		}
	}
	return e
}

func isRateLimitMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "rate limit") || strings.Contains(lower, "abuse detection")
}

func decodeJSON(op string, resp *http.Response, v any) error {
	defer func() { _ = resp.Body.Close() }()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return errs.Backend(kindRelease, op, errs.Transient, errs.ReasonServer, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// ensure loads the release for the configured tag and caches its asset list.
// A missing release is created only when create is set; otherwise ensure
// reports found=false and leaves the remote untouched.
func (r *Release) ensure(ctx context.Context, op string, create bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.release != nil {
		return true, nil
	}

	var rel ghRelease
	resp, err := r.do(ctx, op, http.MethodGet, r.repoURL("/releases/tags/%s", url.PathEscape(r.tag)), nil, "", "")
	switch {
	case err == nil:
		if err := decodeJSON(op, resp, &rel); err != nil {
			return false, err
		}
	case errors.Is(err, errs.ErrNotFound) && !create:
		return false, nil
	case errors.Is(err, errs.ErrNotFound):
		body, _ := json.Marshal(map[string]any{
			"tag_name":   r.tag,
			"name":       r.tag,
			"body":       "chunkdrive storage",
			"prerelease": true,
		})
		resp, err = r.do(ctx, op, http.MethodPost, r.repoURL("/releases"), body, "application/json", "")
		if err != nil {
			return false, err
		}
		if err := decodeJSON(op, resp, &rel); err != nil {
			return false, err
		}
		r.log.Info().Str("tag", r.tag).Int64("release_id", rel.ID).Msg("created release")
	default:
		return false, err
	}

	assets, err := r.fetchAssets(ctx, op, rel.ID)
	if err != nil {
		return false, err
	}
	r.release = &rel
	r.assets = make(map[string]ghAsset, len(assets))
	for _, a := range assets {
		r.assets[a.Name] = a
	}
	return true, nil
}

func (r *Release) fetchAssets(ctx context.Context, op string, releaseID int64) ([]ghAsset, error) {
	var all []ghAsset
	for page := 1; ; page++ {
		target := r.repoURL("/releases/%d/assets?per_page=%d&page=%d", releaseID, assetsPerPage, page)
		resp, err := r.do(ctx, op, http.MethodGet, target, nil, "", "")
		if err != nil {
			return nil, err
		}
		var batch []ghAsset
		if err := decodeJSON(op, resp, &batch); err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < assetsPerPage {
			return all, nil
		}
	}
}

func (r *Release) uploadURL(name string) string {
	u := r.release.UploadURL
	if i := strings.IndexByte(u, '{'); i >= 0 {
		u = u[:i]
	}
	return u + "?name=" + url.QueryEscape(name)
}

func (r *Release) lookup(name string) (ghAsset, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assets[name]
	return a, ok
}

// reserve claims an asset slot for an upload in flight. One slot stays free
// for the staged copy a replacement needs.
func (r *Release) reserve(replace bool) error {
	limit := r.maxAssets - 1
	if replace {
		limit = r.maxAssets
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.assets)+r.pending >= limit {
		return errs.Backend(kindRelease, "put", errs.Permanent, errs.ReasonCapacity, 0,
			fmt.Errorf("release %s holds the maximum of %d assets", r.tag, r.maxAssets))
	}
	r.pending++
	return nil
}

func (r *Release) unreserve() {
	r.mu.Lock()
	r.pending--
	r.mu.Unlock()
}

func isStagingName(name string) bool {
	return strings.HasSuffix(name, stageSuffix) || strings.HasSuffix(name, stashSuffix)
}

// Put uploads data as an asset named name. An existing asset of the same name
// is replaced without ever leaving the name unreadable: see replace.
func (r *Release) Put(ctx context.Context, name string, data []byte) (string, error) {
	if err := validKey(kindRelease, "put", name); err != nil {
		return "", err
	}
	if isStagingName(name) {
		return "", errs.Backend(kindRelease, "put", errs.Permanent, errs.ReasonInvalid, 0,
			fmt.Errorf("key %q uses a reserved suffix", name))
	}
	if _, err := r.ensure(ctx, "put", true); err != nil {
		return "", err
	}

	old, exists := r.lookup(name)
	if err := r.reserve(exists); err != nil {
		return "", err
	}
	defer r.unreserve()

	if exists {
		return name, r.replace(ctx, old, data)
	}
	if _, err := r.upload(ctx, name, data); err != nil {
		return "", err
	}
	if stale, ok := r.lookup(name + stashSuffix); ok {
		r.discard(context.WithoutCancel(ctx), stale)
	}
	return name, nil
}

// replace swaps in new content for an existing asset. The data is uploaded
// under a staging name first, the old asset is parked under a stash name,
// then the staged asset takes over the real name. On failure the stash is
// moved back; if even that fails Get still serves the stash.
func (r *Release) replace(ctx context.Context, old ghAsset, data []byte) error {
	name := old.Name
	cleanup := context.WithoutCancel(ctx)

	for _, leftover := range []string{name + stageSuffix, name + stashSuffix} {
		if a, ok := r.lookup(leftover); ok {
			r.discard(cleanup, a)
		}
	}

	staged, err := r.upload(ctx, name+stageSuffix, data)
	if err != nil {
		return err
	}
	stash, err := r.rename(ctx, old, name+stashSuffix)
	if err != nil {
		r.discard(cleanup, staged)
		return err
	}
	if _, err := r.rename(ctx, staged, name); err != nil {
		if _, rerr := r.rename(cleanup, stash, name); rerr != nil {
			r.log.Warn().Err(rerr).Str("asset", name).Msg("previous asset left under stash name")
		}
		r.discard(cleanup, staged)
		return err
	}
	r.discard(cleanup, stash)
	return nil
}

func (r *Release) upload(ctx context.Context, name string, data []byte) (ghAsset, error) {
	resp, err := r.do(ctx, "put", http.MethodPost, r.uploadURL(name), data, "application/octet-stream", "")
	if err != nil {
		return ghAsset{}, err
	}
	var asset ghAsset
	if err := decodeJSON("put", resp, &asset); err != nil {
		return ghAsset{}, err
	}
	r.mu.Lock()
	r.assets[asset.Name] = asset
	r.mu.Unlock()
	return asset, nil
}

func (r *Release) rename(ctx context.Context, asset ghAsset, name string) (ghAsset, error) {
	body, _ := json.Marshal(map[string]string{"name": name})
	resp, err := r.do(ctx, "put", http.MethodPatch, r.repoURL("/releases/assets/%d", asset.ID), body, "application/json", "")
	if err != nil {
		return ghAsset{}, err
	}
	var renamed ghAsset
	if err := decodeJSON("put", resp, &renamed); err != nil {
		return ghAsset{}, err
	}
	r.mu.Lock()
	if cur, ok := r.assets[asset.Name]; ok && cur.ID == asset.ID {
		delete(r.assets, asset.Name)
	}
	r.assets[renamed.Name] = renamed
	r.mu.Unlock()
	return renamed, nil
}

func (r *Release) discard(ctx context.Context, asset ghAsset) {
	if err := r.deleteAsset(ctx, "put", asset); err != nil {
		r.log.Warn().Err(err).Str("asset", asset.Name).Msg("failed to remove staging asset")
	}
}

// Get downloads the asset named key, falling back to the stashed copy an
// interrupted replacement may have left behind.
func (r *Release) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(kindRelease, "get", key); err != nil {
		return nil, err
	}
	found, err := r.ensure(ctx, "get", false)
	if err != nil {
		return nil, err
	}
	asset, ok := r.lookup(key)
	if !ok && found {
		if asset, ok = r.lookup(key + stashSuffix); ok {
			r.log.Warn().Str("asset", key).Msg("reading stashed copy left by an interrupted replace")
		}
	}
	if !ok {
		return nil, errs.Backend(kindRelease, "get", errs.Permanent, errs.ReasonNotFound, 0,
			fmt.Errorf("asset %q not found", key))
	}

	resp, err := r.do(ctx, "get", http.MethodGet, r.repoURL("/releases/assets/%d", asset.ID), nil, "", "application/octet-stream")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkError(kindRelease, "get", err)
	}
	return data, nil
}

// Delete removes the asset named key.
func (r *Release) Delete(ctx context.Context, key string) error {
	if err := validKey(kindRelease, "delete", key); err != nil {
		return err
	}
	found, err := r.ensure(ctx, "delete", false)
	if err != nil || !found {
		return err
	}
	asset, ok := r.lookup(key)
	if !ok {
		return nil
	}
	return r.deleteAsset(ctx, "delete", asset)
}

func (r *Release) deleteAsset(ctx context.Context, op string, asset ghAsset) error {
	resp, err := r.do(ctx, op, http.MethodDelete, r.repoURL("/releases/assets/%d", asset.ID), nil, "", "")
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	if resp != nil {
		drain(resp)
	}
	r.mu.Lock()
	if cur, ok := r.assets[asset.Name]; ok && cur.ID == asset.ID {
		delete(r.assets, asset.Name)
	}
	r.mu.Unlock()
	return nil
}

// List fetches the release's assets, refreshing the cached name index.
// Staging copies of replacements in progress are not reported. A release that
// does not exist yet is empty.
func (r *Release) List(ctx context.Context) ([]Object, error) {
	found, err := r.ensure(ctx, "list", false)
	if err != nil || !found {
		return nil, err
	}
	r.mu.Lock()
	id := r.release.ID
	r.mu.Unlock()

	assets, err := r.fetchAssets(ctx, "list", id)
	if err != nil {
		return nil, err
	}
	objs := make([]Object, 0, len(assets))
	fresh := make(map[string]ghAsset, len(assets))
	for _, a := range assets {
		fresh[a.Name] = a
		if !isStagingName(a.Name) {
			objs = append(objs, Object{Key: a.Name, Size: a.Size})
		}
	}
	r.mu.Lock()
	r.assets = fresh
	r.mu.Unlock()
	return objs, nil
}

func (r *Release) Info() Info {
	return Info{Kind: kindRelease, MaxObjectSize: maxReleaseAsset, NamedKeys: true, Listable: true}
}

// rateLimitTracker follows GitHub's X-RateLimit headers and blocks requests
// once the window is exhausted.
type rateLimitTracker struct {
	mu        sync.Mutex
	remaining int
	reset     time.Time
	known     bool
}

func newRateLimitTracker() *rateLimitTracker {
	return &rateLimitTracker{}
}

func (t *rateLimitTracker) update(h http.Header) {
	remaining, err := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	if err != nil {
		return
	}
	reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remaining = remaining
	t.reset = time.Unix(reset, 0)
	t.known = true
}

func (t *rateLimitTracker) wait(ctx context.Context) error {
	t.mu.Lock()
	if !t.known || t.remaining > 0 {
		t.mu.Unlock()
		return nil
	}
	d := time.Until(t.reset)
	t.mu.Unlock()
	return sleepCtx(ctx, d)
}

// retryAfter prefers Retry-After (secondary limits) and falls back to the
// primary window reset.
func (t *rateLimitTracker) retryAfter(h http.Header) time.Duration {
	if d := retryAfter(h, 0); d > 0 {
		return d
	}
	if reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		if d := time.Until(time.Unix(reset, 0)); d > 0 {
			return d
		}
	}
	return 0
}
