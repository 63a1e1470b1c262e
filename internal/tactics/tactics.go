// Package tactics holds the capability interfaces and helpers shared by the
// three tactic sets (auth, nav, activate).
package tactics

import (
	"context"
	"strings"

	"github.com/kiltro-dev/taskforge/internal/surface"
)

// VisionHint is a field/element location extracted from a screenshot.
type VisionHint struct {
	Found    bool    `json:"found"`
	Selector string  `json:"selector,omitempty"`
	X        float64 `json:"x,omitempty"`
	Y        float64 `json:"y,omitempty"`
}

// VisionAdvisor is the soft dependency on the model routing layer. Tactic sets
// receive it as an injected capability so chains remain testable without any
// external provider; a nil advisor simply disables vision tactics.
type VisionAdvisor interface {
	Locate(ctx context.Context, screenshot []byte, description string) (VisionHint, error)
}

// CookieSource supplies a previously captured session cookie for a domain.
type CookieSource interface {
	SessionCookie(ctx context.Context, domain string) (name, value string, ok bool)
}

// FirstExisting returns the first selector present on the current page.
func FirstExisting(ctx context.Context, s surface.Surface, selectors ...string) (string, bool) {
	for _, sel := range selectors {
		if ok, err := s.Exists(ctx, sel); err == nil && ok {
			return sel, true
		}
	}
	return "", false
}

// ContainsAny reports whether text contains any of the needles,
// case-insensitively.
func ContainsAny(text string, needles ...string) bool {
	lower := strings.ToLower(text)
	for _, n := range needles {
		if strings.Contains(lower, strings.ToLower(n)) {
			return true
		}
	}
	return false
}
