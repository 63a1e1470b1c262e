// Package surfacetest provides an in-memory Surface implementation for tests.
// Pages are scripted up front; interactions mutate the fake's state the way a
// real site would (clicks can navigate, fills are recorded).
package surfacetest

import (
	"context"
	"strings"
	"sync"

	"github.com/kiltro-dev/taskforge/internal/surface"
)

// Element models one interactive node on a fake page.
type Element struct {
	Selector string
	Text     string
	Role     string
	Disabled bool
	// ClickURL, when set, navigates the fake to that URL on click.
	ClickURL string
}

// Page models one scripted page.
type Page struct {
	URL      string
	Title    string
	Status   int
	Text     string
	HTML     string
	Elements []*Element
}

// Fake is a scriptable Surface. The zero value is usable; add pages with
// AddPage. Per-method hooks override default behavior when set.
type Fake struct {
	mu       sync.Mutex
	pages    map[string]*Page
	current  *Page
	location string

	Filled   map[string]string
	Clicked  []string
	Keys     []string
	Headers  map[string]string
	Cookies  map[string]string
	Reloads  int
	NavCalls []string
	PNG      []byte

	// Hooks.
	OnNavigate func(url string) error
	OnReload   func() error
	OnClick    func(selector string) error
}

// New returns an empty fake surface.
func New() *Fake {
	f := &Fake{}
	f.ensure()
	return f
}

// ensure lazily initializes the maps so the zero value works. Callers hold mu
// unless they own the value exclusively.
func (f *Fake) ensure() {
	if f.pages == nil {
		f.pages = make(map[string]*Page)
	}
	if f.Filled == nil {
		f.Filled = make(map[string]string)
	}
	if f.Headers == nil {
		f.Headers = make(map[string]string)
	}
	if f.Cookies == nil {
		f.Cookies = make(map[string]string)
	}
}

// AddPage registers a scripted page.
func (f *Fake) AddPage(p *Page) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensure()
	if p.Status == 0 {
		p.Status = 200
	}
	f.pages[p.URL] = p
	return f
}

// SetPage replaces the current page without a navigation, simulating an
// in-place DOM change.
func (f *Fake) SetPage(p *Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensure()
	if p.Status == 0 {
		p.Status = 200
	}
	f.pages[p.URL] = p
	f.current = p
	f.location = p.URL
}

// Current returns the page the fake is on, possibly nil.
func (f *Fake) Current() *Page {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *Fake) find(selector string) *Element {
	if f.current == nil {
		return nil
	}
	for _, el := range f.current.Elements {
		if el.Selector == selector {
			return el
		}
	}
	return nil
}

func (f *Fake) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.NavCalls = append(f.NavCalls, url)
	f.mu.Unlock()
	if f.OnNavigate != nil {
		if err := f.OnNavigate(url); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	page, ok := f.pages[url]
	if !ok {
		f.current = &Page{URL: url, Status: 404, Title: "Not Found", Text: "404 not found"}
		f.location = url
		return nil
	}
	f.current = page
	f.location = page.URL
	return nil
}

func (f *Fake) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.Reloads++
	loc := f.location
	f.mu.Unlock()
	if f.OnReload != nil {
		if err := f.OnReload(); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if page, ok := f.pages[loc]; ok {
		f.current = page
	}
	return nil
}

func (f *Fake) Location() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.location
}

func (f *Fake) LastStatus() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return 0
	}
	return f.current.Status
}

func (f *Fake) Title(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return "", nil
	}
	return f.current.Title, nil
}

func (f *Fake) ReadText(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return "", nil
	}
	return f.current.Text, nil
}

func (f *Fake) HTML(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return "", nil
	}
	if f.current.HTML != "" {
		return f.current.HTML, nil
	}
	return "<html><body>" + f.current.Text + "</body></html>", nil
}

func (f *Fake) Exists(ctx context.Context, selector string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.find(selector) != nil, nil
}

func (f *Fake) IsDisabled(ctx context.Context, selector string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	el := f.find(selector)
	if el == nil {
		return false, surface.ErrNotFound
	}
	return el.Disabled, nil
}

func (f *Fake) Screenshot(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PNG != nil {
		return f.PNG, nil
	}
	return []byte("fake-png"), nil
}

func (f *Fake) clickElement(el *Element) error {
	f.Clicked = append(f.Clicked, el.Selector)
	if el.ClickURL != "" {
		if page, ok := f.pages[el.ClickURL]; ok {
			f.current = page
			f.location = page.URL
		} else {
			f.current = &Page{URL: el.ClickURL, Status: 200, Text: ""}
			f.location = el.ClickURL
		}
	}
	return nil
}

func (f *Fake) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Resolve the element before the hook runs; the hook may swap the page
	// the way a real click handler swaps the DOM.
	f.mu.Lock()
	el := f.find(selector)
	f.mu.Unlock()
	if el == nil {
		return surface.ErrNotFound
	}
	if f.OnClick != nil {
		if err := f.OnClick(selector); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clickElement(el)
}

func (f *Fake) ClickText(ctx context.Context, text string, exact bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return surface.ErrNotFound
	}
	lower := strings.ToLower(text)
	for _, el := range f.current.Elements {
		if exact && el.Text == text {
			return f.clickElement(el)
		}
		if !exact && strings.Contains(strings.ToLower(el.Text), lower) {
			return f.clickElement(el)
		}
	}
	return surface.ErrNotFound
}

func (f *Fake) ClickAt(ctx context.Context, x, y float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Clicked = append(f.Clicked, "coords")
	return nil
}

func (f *Fake) DoubleClick(ctx context.Context, selector string) error {
	if err := f.Click(ctx, selector); err != nil {
		return err
	}
	return f.Click(ctx, selector)
}

func (f *Fake) Hover(ctx context.Context, selector string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.find(selector) == nil {
		return surface.ErrNotFound
	}
	return nil
}

func (f *Fake) Fill(ctx context.Context, selector, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensure()
	if f.find(selector) == nil {
		return surface.ErrNotFound
	}
	f.Filled[selector] = value
	return nil
}

func (f *Fake) Focus(ctx context.Context, selector string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.find(selector) == nil {
		return surface.ErrNotFound
	}
	return nil
}

func (f *Fake) PressKey(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Keys = append(f.Keys, key)
	return nil
}

func (f *Fake) ScrollTo(ctx context.Context, selector string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.find(selector) == nil {
		return surface.ErrNotFound
	}
	return nil
}

func (f *Fake) Evaluate(ctx context.Context, expression string) (string, error) {
	return "", nil
}

func (f *Fake) SetExtraHeaders(ctx context.Context, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensure()
	for k, v := range headers {
		f.Headers[k] = v
	}
	return nil
}

func (f *Fake) SetCookie(ctx context.Context, name, value, domain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensure()
	f.Cookies[name] = value
	return nil
}

func (f *Fake) Close(ctx context.Context) error { return nil }

var _ surface.Surface = (*Fake)(nil)
