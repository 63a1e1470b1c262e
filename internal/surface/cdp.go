package surface

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/kiltro-dev/taskforge/internal/config"
)

// CDPFactory creates chromedp-backed surfaces, one browser tab per task.
type CDPFactory struct {
	cfg       config.SurfaceConfig
	logger    *zap.Logger
	allocCtx  context.Context
	allocStop context.CancelFunc
	once      sync.Once
}

// NewCDPFactory prepares a factory. The shared allocator is started lazily on
// the first NewSurface call.
func NewCDPFactory(cfg config.SurfaceConfig, logger *zap.Logger) *CDPFactory {
	return &CDPFactory{
		cfg:    cfg,
		logger: logger.Named("surface"),
	}
}

// NewSurface allocates a fresh isolated browser context.
func (f *CDPFactory) NewSurface(ctx context.Context) (Surface, error) {
	f.once.Do(func() {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", f.cfg.Headless),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.NoSandbox,
		)
		if f.cfg.UserAgent != "" {
			opts = append(opts, chromedp.UserAgent(f.cfg.UserAgent))
		}
		for _, arg := range f.cfg.Args {
			if name, ok := strings.CutPrefix(arg, "--"); ok {
				opts = append(opts, chromedp.Flag(name, true))
			}
		}
		f.allocCtx, f.allocStop = chromedp.NewExecAllocator(context.Background(), opts...)
	})

	tabCtx, tabCancel := chromedp.NewContext(f.allocCtx)
	s := &cdpSurface{
		ctx:    tabCtx,
		cancel: tabCancel,
		cfg:    f.cfg,
		logger: f.logger,
	}

	// Track main-frame response statuses so countermeasure detection can see
	// 403/429 responses chromedp would otherwise swallow.
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		if resp, ok := ev.(*network.EventResponseReceived); ok && resp.Type == network.ResourceTypeDocument {
			s.mu.Lock()
			s.lastStatus = int(resp.Response.Status)
			s.mu.Unlock()
		}
	})

	if err := chromedp.Run(tabCtx, network.Enable()); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to initialize browser session: %w", err)
	}
	return s, nil
}

// Shutdown releases the shared allocator.
func (f *CDPFactory) Shutdown() {
	if f.allocStop != nil {
		f.allocStop()
	}
}

// cdpSurface implements Surface on a dedicated chromedp tab context.
type cdpSurface struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    config.SurfaceConfig
	logger *zap.Logger

	mu         sync.Mutex
	lastStatus int
	location   string
}

// run executes actions on the tab while honoring the caller's deadline.
func (s *cdpSurface) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := mergeDeadline(s.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// mergeDeadline derives a child of the tab context that adopts the caller's
// deadline and cancellation.
func mergeDeadline(tabCtx, callCtx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := callCtx.Deadline(); ok {
		ctx, cancel := context.WithDeadline(tabCtx, deadline)
		stop := context.AfterFunc(callCtx, cancel)
		return ctx, func() { stop(); cancel() }
	}
	ctx, cancel := context.WithCancel(tabCtx)
	stop := context.AfterFunc(callCtx, cancel)
	return ctx, func() { stop(); cancel() }
}

func (s *cdpSurface) Navigate(ctx context.Context, url string) error {
	navCtx := ctx
	if _, ok := ctx.Deadline(); !ok && s.cfg.NavigationTimeout > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(ctx, s.cfg.NavigationTimeout)
		defer cancel()
	}
	if err := s.run(navCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	var loc string
	if err := s.run(navCtx, chromedp.Location(&loc)); err == nil {
		s.mu.Lock()
		s.location = loc
		s.mu.Unlock()
	}
	return nil
}

func (s *cdpSurface) Reload(ctx context.Context) error {
	return s.run(ctx, chromedp.Reload())
}

func (s *cdpSurface) Location() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location
}

func (s *cdpSurface) LastStatus() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStatus
}

func (s *cdpSurface) Title(ctx context.Context) (string, error) {
	var title string
	err := s.run(ctx, chromedp.Title(&title))
	return title, err
}

func (s *cdpSurface) ReadText(ctx context.Context) (string, error) {
	var text string
	err := s.run(ctx, chromedp.Text("body", &text, chromedp.ByQuery, chromedp.NodeVisible))
	return text, err
}

func (s *cdpSurface) HTML(ctx context.Context) (string, error) {
	var html string
	err := s.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (s *cdpSurface) Exists(ctx context.Context, selector string) (bool, error) {
	var nodes []*cdp.Node
	if err := s.run(ctx, chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0))); err != nil {
		return false, err
	}
	return len(nodes) > 0, nil
}

func (s *cdpSurface) IsDisabled(ctx context.Context, selector string) (bool, error) {
	expr := fmt.Sprintf(
		`(() => { const el = document.querySelector(%q); return el ? (el.disabled === true || el.getAttribute('aria-disabled') === 'true') : false; })()`,
		selector)
	var disabled bool
	err := s.run(ctx, chromedp.Evaluate(expr, &disabled))
	return disabled, err
}

func (s *cdpSurface) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return buf, nil
}

func (s *cdpSurface) Click(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

func (s *cdpSurface) ClickText(ctx context.Context, text string, exact bool) error {
	var xpath string
	if exact {
		xpath = fmt.Sprintf(`//*[self::a or self::button or @role="button" or @role="link"][normalize-space(.)=%q]`, text)
	} else {
		xpath = fmt.Sprintf(`//*[self::a or self::button or @role="button" or @role="link"][contains(translate(normalize-space(.), 'ABCDEFGHIJKLMNOPQRSTUVWXYZ', 'abcdefghijklmnopqrstuvwxyz'), %q)]`, strings.ToLower(text))
	}
	return s.run(ctx, chromedp.Click(xpath, chromedp.BySearch, chromedp.NodeVisible))
}

func (s *cdpSurface) ClickAt(ctx context.Context, x, y float64) error {
	return s.run(ctx, chromedp.MouseClickXY(x, y))
}

func (s *cdpSurface) DoubleClick(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.DoubleClick(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

func (s *cdpSurface) Hover(ctx context.Context, selector string) error {
	expr := fmt.Sprintf(
		`(() => { const el = document.querySelector(%q); if (!el) return false; el.dispatchEvent(new MouseEvent('mouseover', {bubbles: true})); return true; })()`,
		selector)
	var ok bool
	if err := s.run(ctx, chromedp.Evaluate(expr, &ok)); err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *cdpSurface) Fill(ctx context.Context, selector, value string) error {
	return s.run(ctx,
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (s *cdpSurface) Focus(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.Focus(selector, chromedp.ByQuery))
}

func (s *cdpSurface) PressKey(ctx context.Context, key string) error {
	if key == "Enter" {
		return s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
			return input.InsertText("\r").Do(ctx)
		}))
	}
	return s.run(ctx, chromedp.KeyEvent(key))
}

func (s *cdpSurface) ScrollTo(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.ScrollIntoView(selector, chromedp.ByQuery))
}

// awaitExpr wraps an expression in a self-invoking async function.
// Runtime.evaluate runs outside REPL mode, where top-level await is a
// SyntaxError, so expressions that await must be hoisted into one.
func awaitExpr(expression string) string {
	return fmt.Sprintf(`(async () => String(%s))()`, expression)
}

func (s *cdpSurface) Evaluate(ctx context.Context, expression string) (string, error) {
	var result string
	err := s.run(ctx, chromedp.Evaluate(awaitExpr(expression), &result,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}))
	return result, err
}

func (s *cdpSurface) SetExtraHeaders(ctx context.Context, headers map[string]string) error {
	h := make(network.Headers, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	return s.run(ctx, network.SetExtraHTTPHeaders(h))
}

func (s *cdpSurface) SetCookie(ctx context.Context, name, value, domain string) error {
	return s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return network.SetCookie(name, value).WithDomain(domain).WithPath("/").Do(ctx)
	}))
}

func (s *cdpSurface) Close(ctx context.Context) error {
	// Best effort page close before dropping the tab context.
	_ = s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return page.Close().Do(ctx)
	}))
	s.cancel()
	return nil
}
