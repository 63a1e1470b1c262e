// Package surface defines the pluggable browser-session abstraction tactics
// act on. One Surface corresponds to one isolated logical session; it is never
// shared across concurrent tasks.
package surface

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a locator matches nothing on the current page.
var ErrNotFound = errors.New("surface: element not found")

// Surface is the contract a browser-automation backend implements. Every
// method honors its context deadline; no call blocks indefinitely.
type Surface interface {
	// Navigation.
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	Location() string
	LastStatus() int
	Title(ctx context.Context) (string, error)

	// Reading.
	ReadText(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	Exists(ctx context.Context, selector string) (bool, error)
	IsDisabled(ctx context.Context, selector string) (bool, error)
	Screenshot(ctx context.Context) ([]byte, error)

	// Interaction.
	Click(ctx context.Context, selector string) error
	ClickText(ctx context.Context, text string, exact bool) error
	ClickAt(ctx context.Context, x, y float64) error
	DoubleClick(ctx context.Context, selector string) error
	Hover(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	Focus(ctx context.Context, selector string) error
	PressKey(ctx context.Context, key string) error
	ScrollTo(ctx context.Context, selector string) error
	// Evaluate runs a JavaScript expression in the page and returns its
	// result coerced to a string. The expression may use await; promise
	// results are awaited before coercion.
	Evaluate(ctx context.Context, expression string) (string, error)

	// Session plumbing.
	SetExtraHeaders(ctx context.Context, headers map[string]string) error
	SetCookie(ctx context.Context, name, value, domain string) error
	Close(ctx context.Context) error
}

// Factory creates one fresh Surface per task session.
type Factory interface {
	NewSurface(ctx context.Context) (Surface, error)
}
