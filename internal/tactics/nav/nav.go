// Package nav defines the page-navigation tactic chain. Successful routes are
// learned per (domain, description) so future tasks on the same site can
// replay them instead of searching again.
package nav

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/kiltro-dev/taskforge/api/schemas"
	"github.com/kiltro-dev/taskforge/internal/chain"
	"github.com/kiltro-dev/taskforge/internal/surface"
	"github.com/kiltro-dev/taskforge/internal/tactics"
)

// Tactic names, in default priority order.
const (
	TacticDirectURL       = "direct_url"
	TacticCachedRoute     = "cached_route"
	TacticMenuText        = "menu_text"
	TacticSitemap         = "sitemap"
	TacticSearchEngine    = "search_engine"
	TacticURLVariants     = "url_variants"
	TacticMobileSubdomain = "mobile_subdomain"
	TacticVisionClick     = "vision_click"
)

// RouteLearner is the persistence seam for learned routes. Implemented by the
// statistics store; a nil learner disables the cached-route tactic and route
// recording.
type RouteLearner interface {
	LookupRoute(ctx context.Context, domain, description string) (schemas.LearnedRoute, bool, error)
	SaveRoute(ctx context.Context, route schemas.LearnedRoute) error
}

// Deps are the injected capabilities the tactic set needs.
type Deps struct {
	Routes RouteLearner
	Vision tactics.VisionAdvisor
}

// Tactics returns the navigation chain in default priority order. Every
// tactic that lands somewhere records the route through deps.Routes.
func Tactics(deps Deps) []chain.Tactic {
	set := []chain.Tactic{
		chain.Func{
			TacticName: TacticDirectURL,
			Needs:      func(_ context.Context, t schemas.ActionTarget) bool { return t.URL != "" },
			Run:        learning(deps.Routes, directURL),
		},
	}
	if deps.Routes != nil {
		set = append(set, chain.Func{
			TacticName: TacticCachedRoute,
			Needs:      func(_ context.Context, t schemas.ActionTarget) bool { return t.Description != "" },
			Run:        cachedRoute(deps.Routes),
		})
	}
	needsDescription := func(_ context.Context, t schemas.ActionTarget) bool { return t.Description != "" }
	set = append(set,
		chain.Func{TacticName: TacticMenuText, Needs: needsDescription, Run: learning(deps.Routes, menuText)},
		chain.Func{TacticName: TacticSitemap, Needs: needsDescription, Run: learning(deps.Routes, sitemap)},
		chain.Func{TacticName: TacticSearchEngine, Needs: needsDescription, Run: learning(deps.Routes, searchEngine)},
		chain.Func{
			TacticName: TacticURLVariants,
			Needs:      func(_ context.Context, t schemas.ActionTarget) bool { return t.URL != "" },
			Run:        learning(deps.Routes, urlVariants),
		},
		chain.Func{TacticName: TacticMobileSubdomain, Run: learning(deps.Routes, mobileSubdomain)},
	)
	if deps.Vision != nil {
		set = append(set, chain.Func{TacticName: TacticVisionClick, Needs: needsDescription, Run: learning(deps.Routes, visionClick(deps.Vision))})
	}
	return set
}

type runFunc = func(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome

// learning wraps a tactic so that successful destinations are persisted.
func learning(routes RouteLearner, run runFunc) runFunc {
	if routes == nil {
		return run
	}
	return func(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
		out := run(ctx, s, target)
		if out.Succeeded && target.Description != "" && out.FinalLocation != "" {
			// Route recording is best effort; a storage hiccup must not fail
			// a navigation that worked.
			_ = routes.SaveRoute(ctx, schemas.LearnedRoute{
				Domain:      target.Domain,
				Description: target.Description,
				URL:         out.FinalLocation,
			})
		}
		return out
	}
}

func fail(name, detail string) schemas.StrategyOutcome {
	return schemas.StrategyOutcome{StrategyName: name, ErrorDetail: detail}
}

func success(name string, s surface.Surface) schemas.StrategyOutcome {
	return schemas.StrategyOutcome{Succeeded: true, StrategyName: name, FinalLocation: s.Location()}
}

// landed reports whether the last navigation produced a plausible page.
func landed(s surface.Surface) (bool, string) {
	if st := s.LastStatus(); st >= 400 {
		return false, fmt.Sprintf("status %d", st)
	}
	return true, ""
}

func directURL(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
	if err := s.Navigate(ctx, target.URL); err != nil {
		return fail(TacticDirectURL, fmt.Sprintf("navigate: %v", err))
	}
	if ok, reason := landed(s); !ok {
		return fail(TacticDirectURL, reason)
	}
	return success(TacticDirectURL, s)
}

func cachedRoute(routes RouteLearner) runFunc {
	return func(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
		route, ok, err := routes.LookupRoute(ctx, target.Domain, target.Description)
		if err != nil {
			return fail(TacticCachedRoute, fmt.Sprintf("route lookup: %v", err))
		}
		if !ok {
			return fail(TacticCachedRoute, "no learned route for this description")
		}
		if err := s.Navigate(ctx, route.URL); err != nil {
			return fail(TacticCachedRoute, fmt.Sprintf("navigate: %v", err))
		}
		if ok, reason := landed(s); !ok {
			return fail(TacticCachedRoute, "cached route stale: "+reason)
		}
		return success(TacticCachedRoute, s)
	}
}

// menuText finds the description in the site's own navigation and clicks it.
func menuText(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
	if s.Location() == "" {
		if err := s.Navigate(ctx, "https://"+target.Domain); err != nil {
			return fail(TacticMenuText, fmt.Sprintf("load home page: %v", err))
		}
	}
	if err := s.ClickText(ctx, target.Description, true); err == nil {
		if ok, _ := landed(s); ok {
			return success(TacticMenuText, s)
		}
	}
	if err := s.ClickText(ctx, target.Description, false); err != nil {
		return fail(TacticMenuText, fmt.Sprintf("no menu entry matches %q", target.Description))
	}
	if ok, reason := landed(s); !ok {
		return fail(TacticMenuText, reason)
	}
	return success(TacticMenuText, s)
}

// sitemap fetches /sitemap.xml (falling back to an HTML parse of /sitemap)
// and navigates to the best keyword match for the description.
func sitemap(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
	base := "https://" + target.Domain
	if err := s.Navigate(ctx, base+"/sitemap.xml"); err != nil {
		return fail(TacticSitemap, fmt.Sprintf("fetch sitemap: %v", err))
	}
	var urls []string
	if s.LastStatus() < 400 {
		raw, err := s.HTML(ctx)
		if err != nil {
			return fail(TacticSitemap, fmt.Sprintf("read sitemap: %v", err))
		}
		urls = extractLocs(raw)
	}
	if len(urls) == 0 {
		if err := s.Navigate(ctx, base+"/sitemap"); err != nil || s.LastStatus() >= 400 {
			return fail(TacticSitemap, "no sitemap found")
		}
		raw, err := s.HTML(ctx)
		if err != nil {
			return fail(TacticSitemap, fmt.Sprintf("read sitemap page: %v", err))
		}
		urls = extractLinks(raw, base)
	}

	best := bestURLMatch(urls, target.Description)
	if best == "" {
		return fail(TacticSitemap, "sitemap has no entry matching the description")
	}
	if err := s.Navigate(ctx, best); err != nil {
		return fail(TacticSitemap, fmt.Sprintf("navigate: %v", err))
	}
	if ok, reason := landed(s); !ok {
		return fail(TacticSitemap, reason)
	}
	return success(TacticSitemap, s)
}

// extractLocs pulls <loc> values out of an XML sitemap. The tolerant HTML
// parser handles both raw XML and browser-rendered sitemap views.
func extractLocs(raw string) []string {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return nil
	}
	var urls []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && strings.EqualFold(n.Data, "loc") {
			if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				if u := strings.TrimSpace(n.FirstChild.Data); u != "" {
					urls = append(urls, u)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return urls
}

// extractLinks pulls hrefs out of an HTML page, resolving them against base.
func extractLinks(raw, base string) []string {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil
	}
	var urls []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				ref, err := url.Parse(attr.Val)
				if err != nil {
					continue
				}
				urls = append(urls, baseURL.ResolveReference(ref).String())
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return urls
}

// bestURLMatch scores candidate URLs by how many description keywords appear
// in the path.
func bestURLMatch(urls []string, description string) string {
	words := strings.Fields(strings.ToLower(description))
	best, bestScore := "", 0
	for _, u := range urls {
		lower := strings.ToLower(u)
		score := 0
		for _, w := range words {
			if len(w) < 3 {
				continue
			}
			if strings.Contains(lower, w) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = u, score
		}
	}
	return best
}

// searchEngine runs a site-scoped web search and follows the first result
// pointing back at the target domain.
func searchEngine(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
	query := url.QueryEscape(fmt.Sprintf("site:%s %s", target.Domain, target.Description))
	if err := s.Navigate(ctx, "https://duckduckgo.com/html/?q="+query); err != nil {
		return fail(TacticSearchEngine, fmt.Sprintf("search: %v", err))
	}
	raw, err := s.HTML(ctx)
	if err != nil {
		return fail(TacticSearchEngine, fmt.Sprintf("read results: %v", err))
	}
	for _, link := range extractLinks(raw, "https://duckduckgo.com") {
		u, err := url.Parse(link)
		if err != nil {
			continue
		}
		if !strings.HasSuffix(u.Hostname(), strings.TrimPrefix(target.Domain, "www.")) {
			continue
		}
		if err := s.Navigate(ctx, link); err != nil {
			continue
		}
		if ok, _ := landed(s); ok {
			return success(TacticSearchEngine, s)
		}
	}
	return fail(TacticSearchEngine, "no usable result for the target domain")
}

// urlVariants retries the direct URL under common spelling variants.
func urlVariants(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
	u, err := url.Parse(target.URL)
	if err != nil {
		return fail(TacticURLVariants, fmt.Sprintf("bad url: %v", err))
	}
	var variants []string
	add := func(v string) {
		if v != target.URL {
			variants = append(variants, v)
		}
	}

	flipped := *u
	if strings.HasPrefix(u.Host, "www.") {
		flipped.Host = strings.TrimPrefix(u.Host, "www.")
	} else {
		flipped.Host = "www." + u.Host
	}
	add(flipped.String())

	if u.Scheme == "http" {
		https := *u
		https.Scheme = "https"
		add(https.String())
	}

	slash := *u
	if strings.HasSuffix(u.Path, "/") {
		slash.Path = strings.TrimSuffix(u.Path, "/")
	} else {
		slash.Path = u.Path + "/"
	}
	add(slash.String())

	if strings.HasSuffix(u.Host, ".com") {
		for _, tld := range []string{".net", ".org", ".io"} {
			alt := *u
			alt.Host = strings.TrimSuffix(u.Host, ".com") + tld
			add(alt.String())
		}
	}

	for _, v := range variants {
		if err := ctx.Err(); err != nil {
			return fail(TacticURLVariants, err.Error())
		}
		if err := s.Navigate(ctx, v); err != nil {
			continue
		}
		if ok, _ := landed(s); ok {
			return success(TacticURLVariants, s)
		}
	}
	return fail(TacticURLVariants, fmt.Sprintf("all %d url variants failed", len(variants)))
}

// mobileSubdomain tries the m. variant of the site, which often skips heavy
// scripted navigation entirely.
func mobileSubdomain(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
	host := strings.TrimPrefix(target.Domain, "www.")
	mobileURL := "https://m." + host
	if target.URL != "" {
		if u, err := url.Parse(target.URL); err == nil {
			mobileURL += u.Path
		}
	}
	if err := s.Navigate(ctx, mobileURL); err != nil {
		return fail(TacticMobileSubdomain, fmt.Sprintf("navigate: %v", err))
	}
	if ok, reason := landed(s); !ok {
		return fail(TacticMobileSubdomain, reason)
	}
	return success(TacticMobileSubdomain, s)
}

// visionClick asks the model routing layer to point at the right link from a
// screenshot of the current page.
func visionClick(vision tactics.VisionAdvisor) runFunc {
	return func(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
		if s.Location() == "" {
			if err := s.Navigate(ctx, "https://"+target.Domain); err != nil {
				return fail(TacticVisionClick, fmt.Sprintf("load home page: %v", err))
			}
		}
		png, err := s.Screenshot(ctx)
		if err != nil {
			return fail(TacticVisionClick, fmt.Sprintf("screenshot: %v", err))
		}
		hint, err := vision.Locate(ctx, png, fmt.Sprintf("link or menu item leading to %q", target.Description))
		if err != nil {
			return fail(TacticVisionClick, fmt.Sprintf("vision: %v", err))
		}
		if !hint.Found {
			return fail(TacticVisionClick, "vision found no matching link")
		}
		switch {
		case hint.Selector != "":
			if err := s.Click(ctx, hint.Selector); err != nil {
				return fail(TacticVisionClick, fmt.Sprintf("click %s: %v", hint.Selector, err))
			}
		case hint.X > 0 || hint.Y > 0:
			if err := s.ClickAt(ctx, hint.X, hint.Y); err != nil {
				return fail(TacticVisionClick, fmt.Sprintf("click at (%.0f,%.0f): %v", hint.X, hint.Y, err))
			}
		default:
			return fail(TacticVisionClick, "vision hint carries no selector or coordinates")
		}
		if ok, reason := landed(s); !ok {
			return fail(TacticVisionClick, reason)
		}
		return success(TacticVisionClick, s)
	}
}
