package countermeasure

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kiltro-dev/taskforge/api/schemas"
	"github.com/kiltro-dev/taskforge/internal/config"
	"github.com/kiltro-dev/taskforge/internal/surface/surfacetest"
)

func testHandler(cfg config.CountermeasureConfig) (*Handler, *[]time.Duration) {
	h := NewHandler(zap.NewNop(), cfg)
	var waits []time.Duration
	h.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	h.randIntn = func(n int) int { return 0 }
	return h, &waits
}

func challengePage() *surfacetest.Page {
	return &surfacetest.Page{
		URL:   "https://example.com/page",
		Title: "Just a moment...",
		Text:  "Checking your browser before accessing example.com",
		Elements: []*surfacetest.Element{
			{Selector: `input[type="checkbox"]`},
		},
	}
}

func TestInspect(t *testing.T) {
	ctx := context.Background()
	h, _ := testHandler(config.CountermeasureConfig{})

	cases := []struct {
		name string
		page *surfacetest.Page
		want schemas.CountermeasureKind
	}{
		{
			name: "clean page",
			page: &surfacetest.Page{URL: "https://example.com", Title: "Home", Text: "Welcome"},
			want: schemas.CountermeasureNone,
		},
		{
			name: "challenge verbiage",
			page: challengePage(),
			want: schemas.CountermeasureChallenge,
		},
		{
			name: "429 status",
			page: &surfacetest.Page{URL: "https://example.com", Status: 429, Text: "error"},
			want: schemas.CountermeasureRateLimit,
		},
		{
			name: "rate limit phrasing",
			page: &surfacetest.Page{URL: "https://example.com", Status: 503, Text: "Too many requests, slow down"},
			want: schemas.CountermeasureRateLimit,
		},
		{
			name: "waf block",
			page: &surfacetest.Page{URL: "https://example.com", Status: 403, Text: "Request blocked. Reference ID 123"},
			want: schemas.CountermeasureBlock,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := surfacetest.New()
			fake.SetPage(tc.page)
			assert.Equal(t, tc.want, h.Inspect(ctx, fake).Kind)
		})
	}
}

func TestResolveChallenge(t *testing.T) {
	ctx := context.Background()

	t.Run("clears after third poll", func(t *testing.T) {
		h, waits := testHandler(config.CountermeasureConfig{ChallengePolls: 6, ChallengePollGap: 5 * time.Second})
		fake := surfacetest.New()
		fake.SetPage(challengePage())

		polls := 0
		h.sleep = func(ctx context.Context, d time.Duration) error {
			*waits = append(*waits, d)
			polls++
			if polls == 3 {
				fake.SetPage(&surfacetest.Page{URL: "https://example.com/page", Title: "Products", Text: "All products"})
			}
			return nil
		}

		ok := h.Resolve(ctx, fake, schemas.CountermeasureSignal{Kind: schemas.CountermeasureChallenge})
		require.True(t, ok)
		assert.Len(t, *waits, 3, "should stop polling once the signature clears")
		assert.Contains(t, fake.Clicked, `input[type="checkbox"]`)
	})

	t.Run("unresolved after poll budget", func(t *testing.T) {
		h, waits := testHandler(config.CountermeasureConfig{ChallengePolls: 6, ChallengePollGap: 5 * time.Second})
		fake := surfacetest.New()
		fake.SetPage(challengePage())

		ok := h.Resolve(ctx, fake, schemas.CountermeasureSignal{Kind: schemas.CountermeasureChallenge})
		require.False(t, ok)
		assert.Len(t, *waits, 6)
	})

	t.Run("cancellation stops polling", func(t *testing.T) {
		h, _ := testHandler(config.CountermeasureConfig{ChallengePolls: 6})
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		fake := surfacetest.New()
		fake.SetPage(challengePage())

		ok := h.Resolve(cancelled, fake, schemas.CountermeasureSignal{Kind: schemas.CountermeasureChallenge})
		assert.False(t, ok)
	})
}

func TestResolveBlock(t *testing.T) {
	ctx := context.Background()

	t.Run("header rotation plus reload clears the block", func(t *testing.T) {
		h, _ := testHandler(config.CountermeasureConfig{})
		fake := surfacetest.New()
		fake.SetPage(&surfacetest.Page{URL: "https://example.com", Status: 403, Text: "Access denied"})
		fake.OnReload = func() error {
			fake.SetPage(&surfacetest.Page{URL: "https://example.com", Title: "Home", Text: "Welcome"})
			return nil
		}

		ok := h.Resolve(ctx, fake, schemas.CountermeasureSignal{Kind: schemas.CountermeasureBlock})
		require.True(t, ok)
		assert.NotEmpty(t, fake.Headers, "should have rotated headers before reloading")
		assert.Equal(t, 1, fake.Reloads)
	})

	t.Run("persistent block reported unresolved", func(t *testing.T) {
		h, _ := testHandler(config.CountermeasureConfig{})
		fake := surfacetest.New()
		fake.SetPage(&surfacetest.Page{URL: "https://example.com", Status: 403, Text: "Access denied"})

		ok := h.Resolve(ctx, fake, schemas.CountermeasureSignal{Kind: schemas.CountermeasureBlock})
		assert.False(t, ok)
		assert.Equal(t, 1, fake.Reloads, "reloads exactly once")
	})
}

func TestResolveRateLimit(t *testing.T) {
	ctx := context.Background()
	schedule := []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}

	t.Run("walks the backoff schedule", func(t *testing.T) {
		h, waits := testHandler(config.CountermeasureConfig{RateLimitBackoffs: schedule})
		fake := surfacetest.New()
		fake.SetPage(&surfacetest.Page{URL: "https://example.com", Status: 429, Text: "Too many requests"})

		reloads := 0
		fake.OnReload = func() error {
			reloads++
			if reloads == 2 {
				fake.SetPage(&surfacetest.Page{URL: "https://example.com", Title: "Home", Text: "Welcome"})
			}
			return nil
		}

		ok := h.Resolve(ctx, fake, schemas.CountermeasureSignal{Kind: schemas.CountermeasureRateLimit})
		require.True(t, ok)
		assert.Equal(t, []time.Duration{5 * time.Second, 15 * time.Second}, *waits)
	})

	t.Run("honors server retry-after over the schedule", func(t *testing.T) {
		h, waits := testHandler(config.CountermeasureConfig{RateLimitBackoffs: schedule})
		fake := surfacetest.New()
		fake.SetPage(&surfacetest.Page{URL: "https://example.com", Status: 429, Text: "Too many requests"})
		fake.OnReload = func() error {
			fake.SetPage(&surfacetest.Page{URL: "https://example.com", Title: "Home", Text: "Welcome"})
			return nil
		}

		ok := h.Resolve(ctx, fake, schemas.CountermeasureSignal{
			Kind:       schemas.CountermeasureRateLimit,
			RetryAfter: 7 * time.Second,
		})
		require.True(t, ok)
		assert.Equal(t, []time.Duration{7 * time.Second}, *waits)
	})

	t.Run("unresolved after exhausting the schedule", func(t *testing.T) {
		h, waits := testHandler(config.CountermeasureConfig{RateLimitBackoffs: schedule})
		fake := surfacetest.New()
		fake.SetPage(&surfacetest.Page{URL: "https://example.com", Status: 429, Text: "Too many requests"})

		ok := h.Resolve(ctx, fake, schemas.CountermeasureSignal{Kind: schemas.CountermeasureRateLimit})
		assert.False(t, ok)
		assert.Len(t, *waits, 3)
	})
}
