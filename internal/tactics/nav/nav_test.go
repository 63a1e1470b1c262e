package nav

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiltro-dev/taskforge/api/schemas"
	"github.com/kiltro-dev/taskforge/internal/surface/surfacetest"
)

type memRoutes struct {
	mu     sync.Mutex
	routes map[string]schemas.LearnedRoute
}

func newMemRoutes() *memRoutes {
	return &memRoutes{routes: make(map[string]schemas.LearnedRoute)}
}

func (m *memRoutes) LookupRoute(ctx context.Context, domain, description string) (schemas.LearnedRoute, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[domain+"|"+description]
	return r, ok, nil
}

func (m *memRoutes) SaveRoute(ctx context.Context, route schemas.LearnedRoute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[route.Domain+"|"+route.Description] = route
	return nil
}

func TestDirectURL(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds on a reachable page", func(t *testing.T) {
		fake := surfacetest.New()
		fake.AddPage(&surfacetest.Page{URL: "https://example.com/bookings", Title: "Bookings"})

		out := directURL(ctx, fake, schemas.ActionTarget{URL: "https://example.com/bookings"})
		require.True(t, out.Succeeded)
		assert.Equal(t, "https://example.com/bookings", out.FinalLocation)
	})

	t.Run("fails on 4xx", func(t *testing.T) {
		fake := surfacetest.New()
		out := directURL(ctx, fake, schemas.ActionTarget{URL: "https://example.com/missing"})
		require.False(t, out.Succeeded)
		assert.Contains(t, out.ErrorDetail, "404")
	})
}

func TestCachedRoute(t *testing.T) {
	ctx := context.Background()
	routes := newMemRoutes()
	require.NoError(t, routes.SaveRoute(ctx, schemas.LearnedRoute{
		Domain:      "example.com",
		Description: "reservation page",
		URL:         "https://example.com/reserve",
	}))

	fake := surfacetest.New()
	fake.AddPage(&surfacetest.Page{URL: "https://example.com/reserve", Title: "Reserve"})

	out := cachedRoute(routes)(ctx, fake, schemas.ActionTarget{Domain: "example.com", Description: "reservation page"})
	require.True(t, out.Succeeded)
	assert.Equal(t, TacticCachedRoute, out.StrategyName)
	assert.Equal(t, "https://example.com/reserve", out.FinalLocation)
}

func TestLearningWrapperRecordsRoutes(t *testing.T) {
	ctx := context.Background()
	routes := newMemRoutes()
	fake := surfacetest.New()
	fake.AddPage(&surfacetest.Page{URL: "https://example.com/reserve", Title: "Reserve"})

	target := schemas.ActionTarget{Domain: "example.com", Description: "reservation page", URL: "https://example.com/reserve"}
	out := learning(routes, directURL)(ctx, fake, target)
	require.True(t, out.Succeeded)

	saved, ok, err := routes.LookupRoute(ctx, "example.com", "reservation page")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/reserve", saved.URL)
}

func TestMenuText(t *testing.T) {
	ctx := context.Background()
	fake := surfacetest.New()
	fake.AddPage(&surfacetest.Page{URL: "https://example.com/reserve", Title: "Reserve"})
	fake.SetPage(&surfacetest.Page{
		URL:   "https://example.com",
		Title: "Home",
		Elements: []*surfacetest.Element{
			{Selector: "#nav-about", Text: "About Us"},
			{Selector: "#nav-reserve", Text: "Make a Reservation", ClickURL: "https://example.com/reserve"},
		},
	})

	out := menuText(ctx, fake, schemas.ActionTarget{Domain: "example.com", Description: "reservation"})
	require.True(t, out.Succeeded, "detail: %s", out.ErrorDetail)
	assert.Equal(t, "https://example.com/reserve", out.FinalLocation)
}

func TestSitemap(t *testing.T) {
	ctx := context.Background()
	fake := surfacetest.New()
	fake.AddPage(&surfacetest.Page{
		URL: "https://example.com/sitemap.xml",
		HTML: `<?xml version="1.0"?><urlset>
			<url><loc>https://example.com/about</loc></url>
			<url><loc>https://example.com/booking/new</loc></url>
		</urlset>`,
	})
	fake.AddPage(&surfacetest.Page{URL: "https://example.com/booking/new", Title: "New Booking"})

	out := sitemap(ctx, fake, schemas.ActionTarget{Domain: "example.com", Description: "booking page"})
	require.True(t, out.Succeeded, "detail: %s", out.ErrorDetail)
	assert.Equal(t, "https://example.com/booking/new", out.FinalLocation)
}

func TestURLVariants(t *testing.T) {
	ctx := context.Background()
	fake := surfacetest.New()
	// Only the non-www variant exists.
	fake.AddPage(&surfacetest.Page{URL: "https://example.com/shop", Title: "Shop"})

	out := urlVariants(ctx, fake, schemas.ActionTarget{URL: "https://www.example.com/shop"})
	require.True(t, out.Succeeded, "detail: %s", out.ErrorDetail)
	assert.Equal(t, "https://example.com/shop", out.FinalLocation)
}

func TestBestURLMatch(t *testing.T) {
	urls := []string{
		"https://example.com/about",
		"https://example.com/booking/new",
		"https://example.com/contact",
	}
	assert.Equal(t, "https://example.com/booking/new", bestURLMatch(urls, "new booking"))
	assert.Equal(t, "", bestURLMatch(urls, "pricing"))
}

func TestTacticsAssembly(t *testing.T) {
	t.Run("cached route requires a learner", func(t *testing.T) {
		bare := Tactics(Deps{})
		for _, tac := range bare {
			assert.NotEqual(t, TacticCachedRoute, tac.Name())
		}
		withRoutes := Tactics(Deps{Routes: newMemRoutes()})
		assert.Len(t, withRoutes, len(bare)+1)
	})

	t.Run("direct url inapplicable without a url", func(t *testing.T) {
		ctx := context.Background()
		for _, tac := range Tactics(Deps{}) {
			if tac.Name() == TacticDirectURL {
				assert.False(t, tac.Applicable(ctx, schemas.ActionTarget{Description: "somewhere"}))
				assert.True(t, tac.Applicable(ctx, schemas.ActionTarget{URL: "https://example.com"}))
			}
		}
	})
}
