// Package osuapi talks to the osu! web API: OAuth client credentials,
// beatmap lookup, raw .osu downloads and user best scores.
package osuapi

import (
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

	"github.com/google/go-querystring/query"
	"github.com/sirupsen/logrus"
)

const DefaultBaseURL = "https://osu.ppy.sh"

var (
	ErrNoCredentials = errors.New("osu! api client id and secret are not configured")
	ErrNotFound      = errors.New("not found on osu! api")
)

type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	// RequestsPerMinute defaults to 30, MaxConcurrent to 2.
	RequestsPerMinute int
	MaxConcurrent     int
	// RateLimitBackoff is the wait after a 429 without Retry-After.
	RateLimitBackoff time.Duration
	Timeout          time.Duration
}

type Client struct {
	cfg      Config
	http     *http.Client
	throttle *throttle

	mu    sync.Mutex
	token *Token
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 30
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.RateLimitBackoff <= 0 {
		cfg.RateLimitBackoff = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		throttle: newThrottle(cfg.RequestsPerMinute, time.Minute, cfg.MaxConcurrent),
	}
}

// Token returns a client credentials token, fetching a new one when the
// cached token is missing or about to expire.
func (c *Client) Token(ctx context.Context) (*Token, error) {
	if c.cfg.ClientID == "" || c.cfg.ClientSecret == "" {
		return nil, ErrNoCredentials
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != nil && time.Until(c.token.expires) > time.Minute {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("grant_type", "client_credentials")
	form.Set("scope", "public")
	body, err := c.do(ctx, http.MethodPost, "/oauth/token", form, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch token: %w", err)
	}
	var tok Token
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	tok.expires = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	c.token = &tok
	return c.token, nil
}

type lookupQuery struct {
	Checksum string `url:"checksum,omitempty"`
	ID       int    `url:"id,omitempty"`
}

// LookupBeatmap finds a beatmap by the md5 of its .osu file.
func (c *Client) LookupBeatmap(ctx context.Context, checksum string) (*Beatmap, error) {
	var b Beatmap
	if err := c.getJSON(ctx, "/api/v2/beatmaps/lookup", lookupQuery{Checksum: checksum}, &b); err != nil {
		return nil, fmt.Errorf("lookup beatmap %s: %w", checksum, err)
	}
	return &b, nil
}

// DownloadOsu fetches the raw .osu file of a single difficulty.
func (c *Client) DownloadOsu(ctx context.Context, beatmapID int) ([]byte, error) {
	raw, err := c.do(ctx, http.MethodGet, "/osu/"+strconv.Itoa(beatmapID), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("download beatmap %d: %w", beatmapID, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("download beatmap %d: %w", beatmapID, ErrNotFound)
	}
	return raw, nil
}

type bestQuery struct {
	Mode   string `url:"mode"`
	Limit  int    `url:"limit"`
	Offset int    `url:"offset"`
}

// UserBest returns one page of a user's top osu!standard plays.
func (c *Client) UserBest(ctx context.Context, userID int, limit, offset int) ([]Score, error) {
	var scores []Score
	path := fmt.Sprintf("/api/v2/users/%d/scores/best", userID)
	if err := c.getJSON(ctx, path, bestQuery{Mode: "osu", Limit: limit, Offset: offset}, &scores); err != nil {
		return nil, fmt.Errorf("best scores of %d: %w", userID, err)
	}
	return scores, nil
}

// AllUserBest fetches the full top 200, which the API serves in two pages.
func (c *Client) AllUserBest(ctx context.Context, userID int) ([]Score, error) {
	first, err := c.UserBest(ctx, userID, 100, 0)
	if err != nil {
		return nil, err
	}
	if len(first) < 100 {
		return first, nil
	}
	second, err := c.UserBest(ctx, userID, 100, 100)
	if err != nil {
		return nil, err
	}
	return append(first, second...), nil
}

func (c *Client) getJSON(ctx context.Context, path string, q any, v any) error {
	tok, err := c.Token(ctx)
	if err != nil {
		return err
	}
	values, err := query.Values(q)
	if err != nil {
		return fmt.Errorf("encode query: %w", err)
	}
	if encoded := values.Encode(); encoded != "" {
		path += "?" + encoded
	}
	body, err := c.do(ctx, http.MethodGet, path, nil, http.Header{"Authorization": {tok.header()}})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// do sends one throttled request and returns the body. A 429 is retried
// after the server's Retry-After (or the configured backoff), a 404 is
// ErrNotFound and any other non 2xx is an error.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, header http.Header) ([]byte, error) {
	for {
		release, err := c.throttle.acquire(ctx)
		if err != nil {
			return nil, err
		}
		status, retryAfter, body, err := c.send(ctx, method, path, form, header)
		release()
		if err != nil {
			return nil, err
		}

		switch {
		case status >= 200 && status < 300:
			return body, nil
		case status == http.StatusTooManyRequests:
			wait := c.cfg.RateLimitBackoff
			if secs, err := strconv.Atoi(retryAfter); err == nil {
				wait = time.Duration(secs) * time.Second
			}
			logrus.WithFields(logrus.Fields{"path": path, "wait": wait}).Warn("rate limited by osu! api")
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		case status == http.StatusNotFound:
			return nil, ErrNotFound
		default:
			return nil, fmt.Errorf("%s %s: status %d: %s", method, path, status, body)
		}
	}
}

func (c *Client) send(ctx context.Context, method, path string, form url.Values, header http.Header) (int, string, []byte, error) {
	var reqBody io.Reader
	if form != nil {
		reqBody = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
	if err != nil {
		return 0, "", nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, resp.Header.Get("Retry-After"), body, nil
}
