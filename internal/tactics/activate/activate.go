// Package activate defines the element-activation tactic chain: fourteen ways
// to land a click. Each tactic judges its own success by watching for a
// location change or the target element reacting.
package activate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kiltro-dev/taskforge/api/schemas"
	"github.com/kiltro-dev/taskforge/internal/chain"
	"github.com/kiltro-dev/taskforge/internal/surface"
	"github.com/kiltro-dev/taskforge/internal/tactics"
)

// Tactic names, in default priority order.
const (
	TacticDirectLocator  = "direct_locator"
	TacticTextExact      = "text_exact"
	TacticTextFuzzy      = "text_fuzzy"
	TacticRoleClick      = "role_click"
	TacticForceClick     = "force_click"
	TacticScriptClick    = "script_click"
	TacticScrollClick    = "scroll_then_click"
	TacticCoordinate     = "coordinate_click"
	TacticFocusEnter     = "focus_enter"
	TacticExtendedWait   = "extended_wait"
	TacticDoubleClick    = "double_click"
	TacticHoverClick     = "hover_click"
	TacticPathText       = "path_text"
	TacticSyntheticEvent = "synthetic_event"
)

// Deps are the injected capabilities the tactic set needs.
type Deps struct {
	Vision tactics.VisionAdvisor
}

// Tactics returns the activation chain in default priority order.
func Tactics(deps Deps) []chain.Tactic {
	needsLocator := func(_ context.Context, t schemas.ActionTarget) bool { return t.Locator != "" }
	needsDescription := func(_ context.Context, t schemas.ActionTarget) bool { return t.Description != "" }

	set := []chain.Tactic{
		chain.Func{TacticName: TacticDirectLocator, Needs: needsLocator, Run: directLocator},
		chain.Func{TacticName: TacticTextExact, Needs: needsDescription, Run: textExact},
		chain.Func{TacticName: TacticTextFuzzy, Needs: needsDescription, Run: textFuzzy},
		chain.Func{TacticName: TacticRoleClick, Needs: needsDescription, Run: roleClick},
		chain.Func{TacticName: TacticForceClick, Needs: needsLocator, Run: forceClick},
		chain.Func{TacticName: TacticScriptClick, Needs: needsLocator, Run: scriptClick},
		chain.Func{TacticName: TacticScrollClick, Needs: needsLocator, Run: scrollClick},
		chain.Func{TacticName: TacticFocusEnter, Needs: needsLocator, Run: focusEnter},
		chain.Func{TacticName: TacticExtendedWait, Needs: needsLocator, Run: extendedWait},
		chain.Func{TacticName: TacticDoubleClick, Needs: needsLocator, Run: doubleClick},
		chain.Func{TacticName: TacticHoverClick, Needs: needsLocator, Run: hoverClick},
		chain.Func{TacticName: TacticPathText, Needs: needsDescription, Run: pathText},
		chain.Func{TacticName: TacticSyntheticEvent, Needs: needsLocator, Run: syntheticEvent},
	}
	if deps.Vision != nil {
		set = append(set, chain.Func{TacticName: TacticCoordinate, Needs: needsDescription, Run: coordinateClick(deps.Vision)})
	}
	return set
}

func fail(name, detail string) schemas.StrategyOutcome {
	return schemas.StrategyOutcome{StrategyName: name, ErrorDetail: detail}
}

func success(name string, s surface.Surface) schemas.StrategyOutcome {
	return schemas.StrategyOutcome{Succeeded: true, StrategyName: name, FinalLocation: s.Location()}
}

func directLocator(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
	if ok, err := s.Exists(ctx, target.Locator); err != nil || !ok {
		return fail(TacticDirectLocator, fmt.Sprintf("locator %q not present", target.Locator))
	}
	if err := s.Click(ctx, target.Locator); err != nil {
		return fail(TacticDirectLocator, fmt.Sprintf("click: %v", err))
	}
	return success(TacticDirectLocator, s)
}

func textExact(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
	if err := s.ClickText(ctx, target.Description, true); err != nil {
		return fail(TacticTextExact, fmt.Sprintf("no element with exact text %q", target.Description))
	}
	return success(TacticTextExact, s)
}

func textFuzzy(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
	if err := s.ClickText(ctx, target.Description, false); err == nil {
		return success(TacticTextFuzzy, s)
	}
	// Retry with the longest word of the description; partial labels like
	// "Book" for "Book now" are common.
	var longest string
	for _, w := range strings.Fields(target.Description) {
		if len(w) > len(longest) {
			longest = w
		}
	}
	if len(longest) < 3 {
		return fail(TacticTextFuzzy, "description too short for fuzzy matching")
	}
	if err := s.ClickText(ctx, longest, false); err != nil {
		return fail(TacticTextFuzzy, fmt.Sprintf("no element matches %q or %q", target.Description, longest))
	}
	return success(TacticTextFuzzy, s)
}

// roleClick scans button and link elements whose accessible text matches.
func roleClick(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
	needle := strings.ToLower(target.Description)
	for _, sel := range []string{"button", `[role="button"]`, "a", `input[type="submit"]`} {
		ok, err := s.Exists(ctx, sel)
		if err != nil || !ok {
			continue
		}
		script := fmt.Sprintf(
			`(() => { const els = document.querySelectorAll(%q); for (const el of els) { if ((el.innerText || el.value || '').toLowerCase().includes(%q)) { el.click(); return 'clicked'; } } return 'none'; })()`,
			sel, needle)
		res, err := s.Evaluate(ctx, script)
		if err != nil {
			continue
		}
		if res == "clicked" {
			return success(TacticRoleClick, s)
		}
	}
	return fail(TacticRoleClick, fmt.Sprintf("no button or link matches %q", target.Description))
}

// forceClick clicks even when the element looks non-interactive, but refuses
// genuinely disabled controls.
func forceClick(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
	disabled, err := s.IsDisabled(ctx, target.Locator)
	if err != nil {
		return fail(TacticForceClick, fmt.Sprintf("locator %q not present", target.Locator))
	}
	if disabled {
		return fail(TacticForceClick, fmt.Sprintf("element %q is disabled", target.Locator))
	}
	if err := s.Click(ctx, target.Locator); err != nil {
		return fail(TacticForceClick, fmt.Sprintf("click: %v", err))
	}
	return success(TacticForceClick, s)
}

// scriptClick dispatches el.click() directly, skipping hit testing entirely.
func scriptClick(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
	script := fmt.Sprintf(
		`(() => { const el = document.querySelector(%q); if (!el) return 'missing'; el.click(); return 'clicked'; })()`,
		target.Locator)
	res, err := s.Evaluate(ctx, script)
	if err != nil {
		return fail(TacticScriptClick, fmt.Sprintf("evaluate: %v", err))
	}
	if res != "clicked" {
		return fail(TacticScriptClick, fmt.Sprintf("locator %q not present", target.Locator))
	}
	return success(TacticScriptClick, s)
}

func scrollClick(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
	if err := s.ScrollTo(ctx, target.Locator); err != nil {
		return fail(TacticScrollClick, fmt.Sprintf("scroll: %v", err))
	}
	if err := s.Click(ctx, target.Locator); err != nil {
		return fail(TacticScrollClick, fmt.Sprintf("click after scroll: %v", err))
	}
	return success(TacticScrollClick, s)
}

func focusEnter(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
	if err := s.Focus(ctx, target.Locator); err != nil {
		return fail(TacticFocusEnter, fmt.Sprintf("focus: %v", err))
	}
	if err := s.PressKey(ctx, "Enter"); err != nil {
		return fail(TacticFocusEnter, fmt.Sprintf("enter: %v", err))
	}
	return success(TacticFocusEnter, s)
}

// extendedWait polls for the element before clicking, for controls rendered
// late by scripts.
func extendedWait(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
	deadline := time.Now().Add(8 * time.Second)
	for {
		if ok, err := s.Exists(ctx, target.Locator); err == nil && ok {
			break
		}
		if time.Now().After(deadline) {
			return fail(TacticExtendedWait, fmt.Sprintf("element %q never appeared", target.Locator))
		}
		select {
		case <-time.After(250 * time.Millisecond):
		case <-ctx.Done():
			return fail(TacticExtendedWait, ctx.Err().Error())
		}
	}
	if err := s.Click(ctx, target.Locator); err != nil {
		return fail(TacticExtendedWait, fmt.Sprintf("click: %v", err))
	}
	return success(TacticExtendedWait, s)
}

func doubleClick(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
	if err := s.DoubleClick(ctx, target.Locator); err != nil {
		return fail(TacticDoubleClick, fmt.Sprintf("double click: %v", err))
	}
	return success(TacticDoubleClick, s)
}

func hoverClick(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
	if err := s.Hover(ctx, target.Locator); err != nil {
		return fail(TacticHoverClick, fmt.Sprintf("hover: %v", err))
	}
	if err := s.Click(ctx, target.Locator); err != nil {
		return fail(TacticHoverClick, fmt.Sprintf("click after hover: %v", err))
	}
	return success(TacticHoverClick, s)
}

// pathText matches the description against elements by XPath text search,
// reaching nodes CSS text matching misses (spans inside buttons, nested
// anchors).
func pathText(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
	needle := strings.ToLower(target.Description)
	script := fmt.Sprintf(
		`(() => { const xp = "//*[contains(translate(text(), 'ABCDEFGHIJKLMNOPQRSTUVWXYZ', 'abcdefghijklmnopqrstuvwxyz'), %q)]"; const r = document.evaluate(xp, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null); const el = r.singleNodeValue; if (!el) return 'missing'; (el.closest('a,button') || el).click(); return 'clicked'; })()`,
		needle)
	res, err := s.Evaluate(ctx, script)
	if err != nil {
		return fail(TacticPathText, fmt.Sprintf("evaluate: %v", err))
	}
	if res != "clicked" {
		return fail(TacticPathText, fmt.Sprintf("no text node contains %q", target.Description))
	}
	return success(TacticPathText, s)
}

// syntheticEvent dispatches a full pointerdown/mousedown/mouseup/click event
// sequence, for handlers that ignore el.click().
func syntheticEvent(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
	script := fmt.Sprintf(
		`(() => { const el = document.querySelector(%q); if (!el) return 'missing'; for (const type of ['pointerdown','mousedown','mouseup','click']) { el.dispatchEvent(new MouseEvent(type, {bubbles: true, cancelable: true, view: window})); } return 'clicked'; })()`,
		target.Locator)
	res, err := s.Evaluate(ctx, script)
	if err != nil {
		return fail(TacticSyntheticEvent, fmt.Sprintf("evaluate: %v", err))
	}
	if res != "clicked" {
		return fail(TacticSyntheticEvent, fmt.Sprintf("locator %q not present", target.Locator))
	}
	return success(TacticSyntheticEvent, s)
}

// coordinateClick scrolls, screenshots, and clicks wherever vision points.
func coordinateClick(vision tactics.VisionAdvisor) func(context.Context, surface.Surface, schemas.ActionTarget) schemas.StrategyOutcome {
	return func(ctx context.Context, s surface.Surface, target schemas.ActionTarget) schemas.StrategyOutcome {
		if target.Locator != "" {
			_ = s.ScrollTo(ctx, target.Locator)
		}
		png, err := s.Screenshot(ctx)
		if err != nil {
			return fail(TacticCoordinate, fmt.Sprintf("screenshot: %v", err))
		}
		hint, err := vision.Locate(ctx, png, target.Description)
		if err != nil {
			return fail(TacticCoordinate, fmt.Sprintf("vision: %v", err))
		}
		if !hint.Found || (hint.X == 0 && hint.Y == 0) {
			return fail(TacticCoordinate, "vision produced no coordinates")
		}
		if err := s.ClickAt(ctx, hint.X, hint.Y); err != nil {
			return fail(TacticCoordinate, fmt.Sprintf("click at (%.0f,%.0f): %v", hint.X, hint.Y, err))
		}
		return success(TacticCoordinate, s)
	}
}
