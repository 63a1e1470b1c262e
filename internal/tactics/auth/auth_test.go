package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiltro-dev/taskforge/api/schemas"
	"github.com/kiltro-dev/taskforge/internal/surface/surfacetest"
	"github.com/kiltro-dev/taskforge/internal/tactics"
)

func loginPage(elements ...*surfacetest.Element) *surfacetest.Page {
	return &surfacetest.Page{
		URL:      "https://example.com/login",
		Title:    "Sign In",
		Text:     "Sign in to your account",
		Elements: elements,
	}
}

func dashboardPage() *surfacetest.Page {
	return &surfacetest.Page{
		URL:   "https://example.com/dashboard",
		Title: "Dashboard",
		Text:  "Welcome back! Sign out",
	}
}

func target() schemas.ActionTarget {
	return schemas.ActionTarget{
		Kind:     schemas.ActionAuthenticate,
		Domain:   "example.com",
		Username: "alice@example.com",
		Password: "hunter2",
	}
}

func TestStandardForm(t *testing.T) {
	ctx := context.Background()

	t.Run("fills both fields and submits", func(t *testing.T) {
		fake := surfacetest.New()
		fake.AddPage(dashboardPage())
		fake.SetPage(loginPage(
			&surfacetest.Element{Selector: `input[type="email"]`},
			&surfacetest.Element{Selector: `input[type="password"]`},
			&surfacetest.Element{Selector: `button[type="submit"]`, Text: "Sign In", ClickURL: "https://example.com/dashboard"},
		))

		out := standardForm(ctx, fake, target())
		require.True(t, out.Succeeded, "detail: %s", out.ErrorDetail)
		assert.Equal(t, "alice@example.com", fake.Filled[`input[type="email"]`])
		assert.Equal(t, "hunter2", fake.Filled[`input[type="password"]`])
		assert.Equal(t, "https://example.com/dashboard", out.FinalLocation)
	})

	t.Run("fails when no password field exists", func(t *testing.T) {
		fake := surfacetest.New()
		fake.SetPage(loginPage(
			&surfacetest.Element{Selector: `input[type="email"]`},
		))

		out := standardForm(ctx, fake, target())
		require.False(t, out.Succeeded)
		assert.Contains(t, out.ErrorDetail, "no password field")
	})

	t.Run("fails on credential rejection phrase", func(t *testing.T) {
		rejected := loginPage(
			&surfacetest.Element{Selector: `input[type="email"]`},
			&surfacetest.Element{Selector: `input[type="password"]`},
			&surfacetest.Element{Selector: `button[type="submit"]`},
		)
		rejected.Text = "Sign in to your account. Incorrect password."
		fake := surfacetest.New()
		fake.SetPage(rejected)

		out := standardForm(ctx, fake, target())
		require.False(t, out.Succeeded)
		assert.Contains(t, out.ErrorDetail, "error phrase")
	})
}

func TestEnterKey(t *testing.T) {
	ctx := context.Background()
	fake := surfacetest.New()
	fake.AddPage(dashboardPage())
	// No submit button at all; only the Enter key can submit this form.
	page := loginPage(
		&surfacetest.Element{Selector: `input[type="email"]`},
		&surfacetest.Element{Selector: `input[type="password"]`},
	)
	fake.SetPage(page)
	fake.OnClick = func(string) error { return nil }

	// Simulate the form navigating when Enter lands.
	out := enterKey(ctx, wrapKey(fake, func() { fake.SetPage(dashboardPage()) }), target())
	require.True(t, out.Succeeded, "detail: %s", out.ErrorDetail)
	assert.Contains(t, fake.Keys, "Enter")
}

// wrapKey triggers fn after the first PressKey, standing in for a scripted
// form submit.
type keyTrigger struct {
	*surfacetest.Fake
	fn    func()
	fired bool
}

func wrapKey(f *surfacetest.Fake, fn func()) *keyTrigger {
	return &keyTrigger{Fake: f, fn: fn}
}

func (k *keyTrigger) PressKey(ctx context.Context, key string) error {
	if err := k.Fake.PressKey(ctx, key); err != nil {
		return err
	}
	if key == "Enter" && !k.fired {
		k.fired = true
		k.fn()
	}
	return nil
}

func TestTwoStep(t *testing.T) {
	ctx := context.Background()
	fake := surfacetest.New()
	fake.AddPage(dashboardPage())
	identifierPage := loginPage(
		&surfacetest.Element{Selector: `input[type="email"]`},
		&surfacetest.Element{Selector: `button[type="submit"]`, Text: "Next"},
	)
	fake.SetPage(identifierPage)

	// First submit swaps in the password page, second lands on the dashboard.
	step := 0
	fake.OnClick = func(sel string) error {
		if sel != `button[type="submit"]` {
			return nil
		}
		step++
		if step == 1 {
			fake.SetPage(loginPage(
				&surfacetest.Element{Selector: `input[type="password"]`},
				&surfacetest.Element{Selector: `button[type="submit"]`, Text: "Sign In"},
			))
		} else {
			fake.SetPage(dashboardPage())
		}
		return nil
	}

	out := twoStep(ctx, fake, target())
	require.True(t, out.Succeeded, "detail: %s", out.ErrorDetail)
	assert.Equal(t, "hunter2", fake.Filled[`input[type="password"]`])
}

func TestOAuthDetect(t *testing.T) {
	ctx := context.Background()

	t.Run("flags oauth-only sites for a human", func(t *testing.T) {
		fake := surfacetest.New()
		page := loginPage()
		page.Text = "Continue with Google or Sign in with Facebook"
		fake.SetPage(page)

		out := oauthDetect(ctx, fake, target())
		assert.False(t, out.Succeeded)
		assert.True(t, out.NeedsHuman)
	})

	t.Run("passes through ordinary forms", func(t *testing.T) {
		fake := surfacetest.New()
		fake.SetPage(loginPage())

		out := oauthDetect(ctx, fake, target())
		assert.False(t, out.Succeeded)
		assert.False(t, out.NeedsHuman)
	})
}

func TestMagicLink(t *testing.T) {
	fake := surfacetest.New()
	page := loginPage()
	page.Text = "Enter your email and we'll send you a link to sign in"
	fake.SetPage(page)

	out := magicLink(context.Background(), fake, target())
	assert.True(t, out.NeedsHuman)
}

type staticCookies struct{}

func (staticCookies) SessionCookie(ctx context.Context, domain string) (string, string, bool) {
	if domain == "example.com" {
		return "session", "tok-123", true
	}
	return "", "", false
}

func TestCookieInject(t *testing.T) {
	ctx := context.Background()
	fake := surfacetest.New()
	loggedIn := loginPage()
	loggedIn.Text = "Welcome back! Sign out"
	fake.SetPage(loggedIn)

	out := cookieInject(staticCookies{})(ctx, fake, target())
	require.True(t, out.Succeeded, "detail: %s", out.ErrorDetail)
	assert.Equal(t, "tok-123", fake.Cookies["session"])
	assert.Equal(t, 1, fake.Reloads)
}

// evalSurface scripts Evaluate results the way a promise-aware backend
// resolves them.
type evalSurface struct {
	*surfacetest.Fake
	status string
	exprs  []string
}

func (e *evalSurface) Evaluate(ctx context.Context, expression string) (string, error) {
	e.exprs = append(e.exprs, expression)
	return e.status, nil
}

func TestAPIPost(t *testing.T) {
	ctx := context.Background()

	t.Run("accepted endpoint logs in after reload", func(t *testing.T) {
		fake := surfacetest.New()
		fake.SetPage(loginPage())
		fake.OnReload = func() error {
			loggedIn := loginPage()
			loggedIn.Text = "Welcome back! Sign out"
			fake.SetPage(loggedIn)
			return nil
		}
		s := &evalSurface{Fake: fake, status: "200"}

		out := apiPost(ctx, s, target())
		require.True(t, out.Succeeded, "detail: %s", out.ErrorDetail)
		require.NotEmpty(t, s.exprs)
		assert.Contains(t, s.exprs[0], `await fetch("/login"`,
			"the posted expression awaits; Surface.Evaluate resolves the promise")
		assert.Contains(t, s.exprs[0], `"alice@example.com"`)
	})

	t.Run("rejected endpoints exhaust the list", func(t *testing.T) {
		s := &evalSurface{Fake: surfacetest.New(), status: "401"}
		s.SetPage(loginPage())

		out := apiPost(ctx, s, target())
		require.False(t, out.Succeeded)
		assert.Contains(t, out.ErrorDetail, "no inferred login endpoint")
		assert.Len(t, s.exprs, 5, "every candidate endpoint gets a try")
	})
}

type fixedVision struct{ hint tactics.VisionHint }

func (v fixedVision) Locate(ctx context.Context, png []byte, desc string) (tactics.VisionHint, error) {
	return v.hint, nil
}

func TestTacticsAssembly(t *testing.T) {
	t.Run("vision tactic only present with an advisor", func(t *testing.T) {
		bare := Tactics(Deps{})
		withVision := Tactics(Deps{Vision: fixedVision{}})
		assert.Len(t, withVision, len(bare)+1)
		assert.Equal(t, TacticVisionForm, withVision[len(withVision)-1].Name())
	})

	t.Run("credential tactics inapplicable without credentials", func(t *testing.T) {
		ctx := context.Background()
		set := Tactics(Deps{})
		anon := schemas.ActionTarget{Kind: schemas.ActionAuthenticate, Domain: "example.com"}
		for _, tac := range set {
			switch tac.Name() {
			case TacticOAuthDetect, TacticMagicLink:
				assert.True(t, tac.Applicable(ctx, anon), tac.Name())
			default:
				assert.False(t, tac.Applicable(ctx, anon), tac.Name())
			}
		}
	})
}
