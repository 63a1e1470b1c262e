// Package countermeasure detects and survives anti-automation defenses:
// challenge interstitials, WAF traffic blocks, and rate limiting. It is
// invoked by the chain executor after failed tactics and classifies by
// response status and page signature, so interstitials served with a
// clean 200 are caught too.
package countermeasure

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kiltro-dev/taskforge/api/schemas"
	"github.com/kiltro-dev/taskforge/internal/config"
	"github.com/kiltro-dev/taskforge/internal/surface"
)

var challengePhrases = []string{
	"verify you are human", "checking your browser", "just a moment",
	"complete the security check", "prove you're not a robot",
	"enable javascript and cookies", "attention required",
}

var blockPhrases = []string{
	"request blocked", "access denied", "forbidden", "you have been blocked",
	"web application firewall", "security policy", "reference id",
}

var rateLimitPhrases = []string{
	"too many requests", "rate limit", "slow down", "try again later",
	"temporarily throttled",
}

// challengeSelectors are interactive elements challenge pages commonly carry.
var challengeSelectors = []string{
	`input[type="checkbox"]`,
	`#challenge-stage button`,
	`button[type="submit"]`,
	`.challenge-button`,
}

var headerPool = []map[string]string{
	{
		"Accept-Language": "en-US,en;q=0.9",
		"Sec-Ch-Ua":       `"Chromium";v="130", "Google Chrome";v="130", "Not?A_Brand";v="99"`,
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
	},
	{
		"Accept-Language": "en-GB,en;q=0.8",
		"Sec-Ch-Ua":       `"Chromium";v="129", "Microsoft Edge";v="129", "Not?A_Brand";v="24"`,
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	},
	{
		"Accept-Language": "en-US,en;q=0.5",
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
		"Dnt":             "1",
	},
}

// Handler is the countermeasure state machine. It satisfies chain.Recoverer.
type Handler struct {
	logger   *zap.Logger
	cfg      config.CountermeasureConfig
	reloads  *rate.Limiter
	sleep    func(ctx context.Context, d time.Duration) error
	randIntn func(n int) int
}

// NewHandler builds a handler from config. The reload limiter spans all
// countermeasure resolutions on this handler so repeated blocks cannot turn
// into a reload storm.
func NewHandler(logger *zap.Logger, cfg config.CountermeasureConfig) *Handler {
	limit := rate.Limit(cfg.ReloadRatePerSecond)
	if cfg.ReloadRatePerSecond <= 0 {
		limit = rate.Inf
	}
	return &Handler{
		logger:   logger.Named("countermeasure"),
		cfg:      cfg,
		reloads:  rate.NewLimiter(limit, 1),
		sleep:    sleepCtx,
		randIntn: rand.Intn,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inspect classifies the current page. Status, title, and body text are
// checked in that order of cheapness.
func (h *Handler) Inspect(ctx context.Context, s surface.Surface) schemas.CountermeasureSignal {
	status := s.LastStatus()
	if status == 429 {
		return schemas.CountermeasureSignal{Kind: schemas.CountermeasureRateLimit}
	}

	title, _ := s.Title(ctx)
	text, err := s.ReadText(ctx)
	if err != nil {
		text = ""
	}
	haystack := title + "\n" + text

	switch {
	case containsAny(haystack, challengePhrases):
		return schemas.CountermeasureSignal{Kind: schemas.CountermeasureChallenge}
	case containsAny(haystack, rateLimitPhrases):
		return schemas.CountermeasureSignal{Kind: schemas.CountermeasureRateLimit}
	case status == 403 || containsAny(haystack, blockPhrases):
		return schemas.CountermeasureSignal{Kind: schemas.CountermeasureBlock}
	}
	return schemas.CountermeasureSignal{Kind: schemas.CountermeasureNone}
}

// Resolve runs the transition for the detected state and reports whether the
// signature cleared. Cancellation is honored between every wait.
func (h *Handler) Resolve(ctx context.Context, s surface.Surface, sig schemas.CountermeasureSignal) bool {
	log := h.logger.With(zap.String("kind", string(sig.Kind)))
	switch sig.Kind {
	case schemas.CountermeasureChallenge:
		return h.resolveChallenge(ctx, log, s)
	case schemas.CountermeasureBlock:
		return h.resolveBlock(ctx, log, s)
	case schemas.CountermeasureRateLimit:
		return h.resolveRateLimit(ctx, log, s, sig.RetryAfter)
	default:
		return true
	}
}

// resolveChallenge polls the page, clicking anything that looks like a
// challenge control, until the signature disappears or polls run out.
func (h *Handler) resolveChallenge(ctx context.Context, log *zap.Logger, s surface.Surface) bool {
	polls := h.cfg.ChallengePolls
	if polls <= 0 {
		polls = 6
	}
	gap := h.cfg.ChallengePollGap
	if gap <= 0 {
		gap = 5 * time.Second
	}

	for i := 0; i < polls; i++ {
		for _, sel := range challengeSelectors {
			if ok, err := s.Exists(ctx, sel); err == nil && ok {
				_ = s.Click(ctx, sel)
				break
			}
		}
		if err := h.sleep(ctx, gap); err != nil {
			log.Debug("Challenge wait cancelled", zap.Error(err))
			return false
		}
		if h.Inspect(ctx, s).Kind != schemas.CountermeasureChallenge {
			log.Info("Challenge page cleared", zap.Int("polls", i+1))
			return true
		}
	}
	log.Warn("Challenge page unresolved", zap.Int("polls", polls))
	return false
}

// resolveBlock rotates browser-like headers and reloads once.
func (h *Handler) resolveBlock(ctx context.Context, log *zap.Logger, s surface.Surface) bool {
	headers := headerPool[h.randIntn(len(headerPool))]
	if err := s.SetExtraHeaders(ctx, headers); err != nil {
		log.Debug("Header rotation failed", zap.Error(err))
		return false
	}
	if err := h.reload(ctx, s); err != nil {
		log.Debug("Reload after header rotation failed", zap.Error(err))
		return false
	}
	if h.Inspect(ctx, s).Kind == schemas.CountermeasureNone {
		log.Info("Traffic block cleared after header rotation")
		return true
	}
	log.Warn("Traffic block persisted after header rotation")
	return false
}

// resolveRateLimit walks the backoff schedule, or honors a server-provided
// retry-after when one was signaled.
func (h *Handler) resolveRateLimit(ctx context.Context, log *zap.Logger, s surface.Surface, retryAfter time.Duration) bool {
	schedule := h.cfg.RateLimitBackoffs
	if len(schedule) == 0 {
		schedule = []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}
	}
	if retryAfter > 0 {
		schedule = []time.Duration{retryAfter}
	}

	for i, wait := range schedule {
		log.Info("Backing off for rate limit", zap.Duration("wait", wait), zap.Int("step", i+1))
		if err := h.sleep(ctx, wait); err != nil {
			return false
		}
		if err := h.reload(ctx, s); err != nil {
			log.Debug("Reload during rate-limit backoff failed", zap.Error(err))
			continue
		}
		if h.Inspect(ctx, s).Kind != schemas.CountermeasureRateLimit {
			return true
		}
	}
	log.Warn("Rate limit unresolved after backoff schedule", zap.Int("steps", len(schedule)))
	return false
}

func (h *Handler) reload(ctx context.Context, s surface.Surface) error {
	if err := h.reloads.Wait(ctx); err != nil {
		return err
	}
	return s.Reload(ctx)
}

func containsAny(text string, phrases []string) bool {
	lower := strings.ToLower(text)
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
