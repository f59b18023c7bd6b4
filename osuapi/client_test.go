package osuapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ppcache/difficulty"
	"ppcache/dotosu"
	"ppcache/internal/fixture"
)

func TestMain(m *testing.M) {
	if os.Getenv("DEBUG_TESTS") == "" {
		logrus.SetLevel(logrus.WarnLevel)
	}
	os.Exit(m.Run())
}

type fakeAPI struct {
	tokens    atomic.Int64
	downloads atomic.Int64
	limited   atomic.Int64
	osu       string
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokens.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "42", r.PostForm.Get("client_id"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "abc", "token_type": "Bearer", "expires_in": 86400,
		})
	})
	mux.HandleFunc("GET /api/v2/beatmaps/lookup", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		if r.URL.Query().Get("checksum") != "c0ffee" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": 7, "checksum": "c0ffee", "version": "Insane", "ar": 9.3, "cs": 4, "accuracy": 8.5, "drain": 6,
			"beatmapset": map[string]any{"id": 3, "title": "Song", "artist": "Artist"},
		})
	})
	mux.HandleFunc("GET /api/v2/users/{id}/scores/best", func(w http.ResponseWriter, r *http.Request) {
		if f.limited.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		assert.Equal(t, "osu", r.URL.Query().Get("mode"))
		_ = json.NewEncoder(w).Encode([]map[string]any{{
			"created_at": "2024-05-01T10:00:00Z",
			"max_combo":  500,
			"mods":       []string{"HD", "DT"},
			"score":      1234567,
			"statistics": map[string]any{"count_300": 400, "count_100": 10, "count_miss": 1},
			"beatmap":    map[string]any{"id": 7, "checksum": "c0ffee"},
			"user":       map[string]any{"id": 99, "username": "cookiezi"},
		}})
	})
	mux.HandleFunc("GET /osu/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.downloads.Add(1)
		if r.PathValue("id") != "7" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(f.osu))
	})
	return mux
}

func newTestClient(t *testing.T) (*Client, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{osu: fixture.Map{Title: "dl", BeatmapID: 7, Objects: 20, AR: 9, CS: 4, OD: 8, HP: 5}.OsuFile()}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	c := New(Config{
		BaseURL:           srv.URL,
		ClientID:          "42",
		ClientSecret:      "secret",
		RequestsPerMinute: 1000,
		RateLimitBackoff:  time.Millisecond,
	})
	return c, api
}

func TestTokenIsCached(t *testing.T) {
	c, api := newTestClient(t)
	ctx := context.Background()
	first, err := c.Token(ctx)
	require.NoError(t, err)
	second, err := c.Token(ctx)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.EqualValues(t, 1, api.tokens.Load())
}

func TestMissingCredentials(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1"})
	_, err := c.LookupBeatmap(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestLookupBeatmap(t *testing.T) {
	c, _ := newTestClient(t)
	b, err := c.LookupBeatmap(context.Background(), "c0ffee")
	require.NoError(t, err)
	rec := b.Record("songs/song.osu")
	assert.Equal(t, "Song [Insane]", rec.Title)
	assert.Equal(t, 7, rec.BeatmapID)
	assert.InDelta(t, 9.3, rec.AR, 1e-9)
	assert.InDelta(t, 8.5, rec.OD, 1e-9)
	assert.True(t, rec.StarsStale())

	_, err = c.LookupBeatmap(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserBestRetriesAfterRateLimit(t *testing.T) {
	c, api := newTestClient(t)
	scores, err := c.AllUserBest(context.Background(), 99)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.EqualValues(t, 2, api.limited.Load())

	rec := scores[0].Record()
	assert.Equal(t, "cookiezi", rec.Player)
	assert.Equal(t, "c0ffee", rec.Checksum)
	assert.Equal(t, difficulty.Hidden|difficulty.DoubleTime, rec.Mods)
	assert.Equal(t, 400, rec.Judgements.N300)
	assert.Equal(t, 1, rec.Misses)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC).UnixMilli(), rec.Timestamp)
	assert.True(t, rec.PPStale())
}

func TestFetchingLoaderDownloadsOnce(t *testing.T) {
	c, api := newTestClient(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "set", "dl.osu")
	l := FetchingLoader{
		Client: c,
		BeatmapID: func(p string) (int, bool) {
			return 7, p == path
		},
	}

	bm, err := l.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "dl", bm.Metadata.Title)

	_, err = l.Load(context.Background(), path)
	require.NoError(t, err)
	assert.EqualValues(t, 1, api.downloads.Load())

	_, err = l.Load(context.Background(), filepath.Join(dir, "other.osu"))
	assert.ErrorIs(t, err, dotosu.ErrNotFound)
}

func TestThrottleWindow(t *testing.T) {
	th := newThrottle(2, time.Minute, 4)
	now := time.Now()
	assert.Zero(t, th.reserve(now))
	assert.Zero(t, th.reserve(now.Add(time.Second)))
	assert.Equal(t, 59*time.Second, th.reserve(now.Add(time.Second)))
	assert.Zero(t, th.reserve(now.Add(time.Minute)))
}

func TestThrottleHonoursContext(t *testing.T) {
	th := newThrottle(1, time.Hour, 1)
	release, err := th.acquire(context.Background())
	require.NoError(t, err)
	release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = th.acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
