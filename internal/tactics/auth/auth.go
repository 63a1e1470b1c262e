// Package auth defines the authentication tactic chain. Every tactic shares
// one post-condition check: absence of explicit error phrases, presence of
// post-login markers, or departure from the login route.
package auth

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kiltro-dev/taskforge/api/schemas"
	"github.com/kiltro-dev/taskforge/internal/chain"
	"github.com/kiltro-dev/taskforge/internal/surface"
	"github.com/kiltro-dev/taskforge/internal/tactics"
)

// Tactic names, in default priority order.
const (
	TacticStandardForm = "standard_form"
	TacticTwoStep      = "two_step"
	TacticEnterKey     = "enter_key"
	TacticTabSequence  = "tab_sequence"
	TacticMobileForm   = "mobile_form"
	TacticAPIPost      = "api_post"
	TacticCookieInject = "cookie_inject"
	TacticOAuthDetect  = "oauth_detect"
	TacticMagicLink    = "magic_link"
	TacticVisionForm   = "vision_form"
)

var usernameSelectors = []string{
	`input[type="email"]`,
	`input[name="username"]`,
	`input[name="email"]`,
	`input[name="login"]`,
	`input[id="username"]`,
	`input[id="email"]`,
	`input[autocomplete="username"]`,
	`input[type="text"]`,
}

var passwordSelectors = []string{
	`input[type="password"]`,
	`input[name="password"]`,
	`input[autocomplete="current-password"]`,
}

var submitSelectors = []string{
	`button[type="submit"]`,
	`input[type="submit"]`,
	`form button`,
}

var loginErrorPhrases = []string{
	"incorrect password", "invalid credentials", "invalid username",
	"wrong password", "sign in failed", "login failed", "account locked",
	"too many attempts", "captcha",
}

var loggedInMarkers = []string{
	"sign out", "log out", "logout", "my account", "dashboard", "welcome back",
}

// Deps are the injected capabilities the tactic set needs.
type Deps struct {
	Vision  tactics.VisionAdvisor
	Cookies tactics.CookieSource
}

// Tactics returns the authentication chain in default priority order.
func Tactics(deps Deps) []chain.Tactic {
	needsCreds := func(_ context.Context, t schemas.ActionTarget) bool {
		return t.Username != "" && t.Password != ""
	}

	set := []chain.Tactic{
		chain.Func{TacticName: TacticStandardForm, Needs: needsCreds, Run: standardForm},
		chain.Func{TacticName: TacticTwoStep, Needs: needsCreds, Run: twoStep},
		chain.Func{TacticName: TacticEnterKey, Needs: needsCreds, Run: enterKey},
		chain.Func{TacticName: TacticTabSequence, Needs: needsCreds, Run: tabSequence},
		chain.Func{TacticName: TacticMobileForm, Needs: needsCreds, Run: mobileForm},
		chain.Func{TacticName: TacticAPIPost, Needs: needsCreds, Run: apiPost},
		chain.Func{
			TacticName: TacticCookieInject,
			Needs: func(ctx context.Context, t schemas.ActionTarget) bool {
				if deps.Cookies == nil {
					return false
				}
				_, _, ok := deps.Cookies.SessionCookie(ctx, t.Domain)
				return ok
			},
			Run: cookieInject(deps.Cookies),
		},
		chain.Func{TacticName: TacticOAuthDetect, Run: oauthDetect},
		chain.Func{TacticName: TacticMagicLink, Run: magicLink},
	}

	if deps.Vision != nil {
		set = append(set, chain.Func{TacticName: TacticVisionForm, Needs: needsCreds, Run: visionForm(deps.Vision)})
	}
	return set
}

// verifyLogin is the shared post-condition check.
func verifyLogin(ctx context.Context, s surface.Surface, startLocation string) (bool, string) {
	text, err := s.ReadText(ctx)
	if err != nil {
		return false, fmt.Sprintf("could not read page after submit: %v", err)
	}

	if tactics.ContainsAny(text, loginErrorPhrases...) {
		return false, "login error phrase present on page"
	}
	if tactics.ContainsAny(text, loggedInMarkers...) {
		return true, ""
	}

	loc := s.Location()
	if loc != "" && loc != startLocation && !isLoginRoute(loc) {
		return true, ""
	}
	return false, "no post-login markers found"
}

func isLoginRoute(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)
	return strings.Contains(path, "login") || strings.Contains(path, "signin") || strings.Contains(path, "sign-in") || strings.Contains(path, "auth")
}

func fail(name, detail string) schemas.StrategyOutcome {
	return schemas.StrategyOutcome{StrategyName: name, ErrorDetail: detail}
}

func success(name string, s surface.Surface) schemas.StrategyOutcome {
	return schemas.StrategyOutcome{Succeeded: true, StrategyName: name, FinalLocation: s.Location()}
}

func fillCredentials(ctx context.Context, s surface.Surface, target schemas.ActionTarget) (string, string, error) {
	userSel, ok := tactics.FirstExisting(ctx, s, usernameSelectors...)
	if !ok {
		return "", "", fmt.Errorf("no username field found")
	}
	passSel, ok := tactics.FirstExisting(ctx, s, passwordSelectors...)
	if !ok {
		return "", "", fmt.Errorf("no password field found")
	}
	if err := s.Fill(ctx, userSel, target.Username); err != nil {
		return "", "", fmt.Errorf("fill username: %w", err)
	}
	if err := s.Fill(ctx, passSel, target.Password); err != nil {
		return "", "", fmt.Errorf("fill password: %w", err)
	}
	return userSel, passSel, nil
}

func standardForm(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
	start := s.Location()
	if _, _, err := fillCredentials(ctx, s, target); err != nil {
		return fail(TacticStandardForm, err.Error())
	}
	submitSel, ok := tactics.FirstExisting(ctx, s, submitSelectors...)
	if !ok {
		return fail(TacticStandardForm, "no submit control found")
	}
	if err := s.Click(ctx, submitSel); err != nil {
		return fail(TacticStandardForm, fmt.Sprintf("submit click failed: %v", err))
	}
	if ok, reason := verifyLogin(ctx, s, start); !ok {
		return fail(TacticStandardForm, reason)
	}
	return success(TacticStandardForm, s)
}

// twoStep handles identifier-first flows: the password field only appears
// after the username page is submitted.
func twoStep(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
	start := s.Location()
	userSel, ok := tactics.FirstExisting(ctx, s, usernameSelectors...)
	if !ok {
		return fail(TacticTwoStep, "no identifier field found")
	}
	if err := s.Fill(ctx, userSel, target.Username); err != nil {
		return fail(TacticTwoStep, fmt.Sprintf("fill identifier: %v", err))
	}
	if sel, ok := tactics.FirstExisting(ctx, s, submitSelectors...); ok {
		if err := s.Click(ctx, sel); err != nil {
			return fail(TacticTwoStep, fmt.Sprintf("identifier submit failed: %v", err))
		}
	} else if err := s.PressKey(ctx, "Enter"); err != nil {
		return fail(TacticTwoStep, fmt.Sprintf("identifier submit failed: %v", err))
	}

	passSel, ok := tactics.FirstExisting(ctx, s, passwordSelectors...)
	if !ok {
		return fail(TacticTwoStep, "password page never appeared")
	}
	if err := s.Fill(ctx, passSel, target.Password); err != nil {
		return fail(TacticTwoStep, fmt.Sprintf("fill password: %v", err))
	}
	if sel, ok := tactics.FirstExisting(ctx, s, submitSelectors...); ok {
		if err := s.Click(ctx, sel); err != nil {
			return fail(TacticTwoStep, fmt.Sprintf("password submit failed: %v", err))
		}
	} else if err := s.PressKey(ctx, "Enter"); err != nil {
		return fail(TacticTwoStep, fmt.Sprintf("password submit failed: %v", err))
	}

	if ok, reason := verifyLogin(ctx, s, start); !ok {
		return fail(TacticTwoStep, reason)
	}
	return success(TacticTwoStep, s)
}

// enterKey submits by pressing Enter in the password field, for forms whose
// submit button is unreachable or scripted.
func enterKey(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
	start := s.Location()
	_, passSel, err := fillCredentials(ctx, s, target)
	if err != nil {
		return fail(TacticEnterKey, err.Error())
	}
	if err := s.Focus(ctx, passSel); err != nil {
		return fail(TacticEnterKey, fmt.Sprintf("focus password: %v", err))
	}
	if err := s.PressKey(ctx, "Enter"); err != nil {
		return fail(TacticEnterKey, fmt.Sprintf("enter key: %v", err))
	}
	if ok, reason := verifyLogin(ctx, s, start); !ok {
		return fail(TacticEnterKey, reason)
	}
	return success(TacticEnterKey, s)
}

// tabSequence drives the form purely via keyboard focus traversal.
func tabSequence(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
	start := s.Location()
	userSel, ok := tactics.FirstExisting(ctx, s, usernameSelectors...)
	if !ok {
		return fail(TacticTabSequence, "no username field found")
	}
	if err := s.Focus(ctx, userSel); err != nil {
		return fail(TacticTabSequence, fmt.Sprintf("focus username: %v", err))
	}
	if err := s.Fill(ctx, userSel, target.Username); err != nil {
		return fail(TacticTabSequence, fmt.Sprintf("fill username: %v", err))
	}
	if err := s.PressKey(ctx, "Tab"); err != nil {
		return fail(TacticTabSequence, fmt.Sprintf("tab: %v", err))
	}
	passSel, ok := tactics.FirstExisting(ctx, s, passwordSelectors...)
	if !ok {
		return fail(TacticTabSequence, "no password field found")
	}
	if err := s.Fill(ctx, passSel, target.Password); err != nil {
		return fail(TacticTabSequence, fmt.Sprintf("fill password: %v", err))
	}
	if err := s.PressKey(ctx, "Enter"); err != nil {
		return fail(TacticTabSequence, fmt.Sprintf("enter: %v", err))
	}
	if ok, reason := verifyLogin(ctx, s, start); !ok {
		return fail(TacticTabSequence, reason)
	}
	return success(TacticTabSequence, s)
}

// mobileForm retries the standard form on the mobile subdomain, which often
// carries a simpler login page.
func mobileForm(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
	mobileURL := fmt.Sprintf("https://m.%s/login", strings.TrimPrefix(target.Domain, "www."))
	if err := s.Navigate(ctx, mobileURL); err != nil {
		return fail(TacticMobileForm, fmt.Sprintf("mobile site unreachable: %v", err))
	}
	if s.LastStatus() >= 400 {
		return fail(TacticMobileForm, fmt.Sprintf("mobile site returned %d", s.LastStatus()))
	}
	out := standardForm(ctx, s, target)
	out.StrategyName = TacticMobileForm
	return out
}

// apiPost bypasses the form and posts credentials to inferred login
// endpoints from within the page, inheriting its cookies and origin.
func apiPost(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
	start := s.Location()
	endpoints := []string{"/login", "/api/login", "/api/auth/login", "/session", "/signin"}
	for _, ep := range endpoints {
		script := fmt.Sprintf(
			`await fetch(%q, {method:'POST',headers:{'Content-Type':'application/json'},body:JSON.stringify({username:%q,email:%q,password:%q})}).then(r => r.status)`,
			ep, target.Username, target.Username, target.Password)
		status, err := s.Evaluate(ctx, script)
		if err != nil {
			continue
		}
		if status == "200" || status == "201" || status == "204" {
			if err := s.Reload(ctx); err != nil {
				return fail(TacticAPIPost, fmt.Sprintf("reload after login post: %v", err))
			}
			if ok, _ := verifyLogin(ctx, s, start); ok {
				return success(TacticAPIPost, s)
			}
		}
	}
	return fail(TacticAPIPost, "no inferred login endpoint accepted credentials")
}

// cookieInject restores a previously captured session cookie and checks
// whether the site still honors it.
func cookieInject(cookies tactics.CookieSource) func(context.Context, surface.Surface, schemas.ActionTarget) schemas.StrategyOutcome {
	return func(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
		name, value, ok := cookies.SessionCookie(ctx, target.Domain)
		if !ok {
			return fail(TacticCookieInject, "no stored session cookie")
		}
		if err := s.SetCookie(ctx, name, value, target.Domain); err != nil {
			return fail(TacticCookieInject, fmt.Sprintf("set cookie: %v", err))
		}
		if err := s.Reload(ctx); err != nil {
			return fail(TacticCookieInject, fmt.Sprintf("reload: %v", err))
		}
		text, err := s.ReadText(ctx)
		if err != nil {
			return fail(TacticCookieInject, fmt.Sprintf("read page: %v", err))
		}
		if tactics.ContainsAny(text, loggedInMarkers...) {
			return success(TacticCookieInject, s)
		}
		return fail(TacticCookieInject, "stored session no longer valid")
	}
}

// oauthDetect never completes a login; it recognizes third-party identity
// flows and reports that a human has to take over.
func oauthDetect(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
	text, err := s.ReadText(ctx)
	if err != nil {
		return fail(TacticOAuthDetect, fmt.Sprintf("read page: %v", err))
	}
	if tactics.ContainsAny(text, "sign in with google", "continue with google", "sign in with facebook", "continue with apple", "sign in with microsoft") {
		return schemas.StrategyOutcome{
			StrategyName: TacticOAuthDetect,
			NeedsHuman:   true,
			ErrorDetail:  "site requires third-party OAuth; human interaction needed",
		}
	}
	return fail(TacticOAuthDetect, "no oauth providers detected")
}

// magicLink detects email-link login flows, which also require the user.
func magicLink(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
	text, err := s.ReadText(ctx)
	if err != nil {
		return fail(TacticMagicLink, fmt.Sprintf("read page: %v", err))
	}
	if tactics.ContainsAny(text, "magic link", "send you a link", "login link", "email you a link", "check your email to sign in") {
		return schemas.StrategyOutcome{
			StrategyName: TacticMagicLink,
			NeedsHuman:   true,
			ErrorDetail:  "site uses magic-link login; human interaction needed",
		}
	}
	return fail(TacticMagicLink, "no magic-link flow detected")
}

// visionForm asks the model routing layer to locate fields from a screenshot
// when selector heuristics have failed.
func visionForm(vision tactics.VisionAdvisor) func(context.Context, surface.Surface, schemas.ActionTarget) schemas.StrategyOutcome {
	return func(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
		start := s.Location()
		png, err := s.Screenshot(ctx)
		if err != nil {
			return fail(TacticVisionForm, fmt.Sprintf("screenshot: %v", err))
		}

		userHint, err := vision.Locate(ctx, png, "username or email input field on a login form")
		if err != nil || !userHint.Found {
			return fail(TacticVisionForm, "vision could not locate username field")
		}
		passHint, err := vision.Locate(ctx, png, "password input field on a login form")
		if err != nil || !passHint.Found {
			return fail(TacticVisionForm, "vision could not locate password field")
		}

		if userHint.Selector == "" || passHint.Selector == "" {
			return fail(TacticVisionForm, "vision hints carry no usable selector")
		}
		if err := s.Fill(ctx, userHint.Selector, target.Username); err != nil {
			return fail(TacticVisionForm, fmt.Sprintf("fill username: %v", err))
		}
		if err := s.Fill(ctx, passHint.Selector, target.Password); err != nil {
			return fail(TacticVisionForm, fmt.Sprintf("fill password: %v", err))
		}
		if err := s.Focus(ctx, passHint.Selector); err == nil {
			_ = s.PressKey(ctx, "Enter")
		}

		// Give scripted redirects a moment before judging the outcome.
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return fail(TacticVisionForm, ctx.Err().Error())
		}
		if ok, reason := verifyLogin(ctx, s, start); !ok {
			return fail(TacticVisionForm, reason)
		}
		return success(TacticVisionForm, s)
	}
}
