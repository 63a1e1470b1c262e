package modelrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kiltro-dev/taskforge/api/schemas"
	"github.com/kiltro-dev/taskforge/internal/tactics"
)

const visionSystemPrompt = `You locate UI elements in screenshots of web pages.
Given a screenshot and a description of an element, respond with a JSON object:
{"found": bool, "selector": "css selector if inferable", "x": number, "y": number}
Coordinates are pixels from the top-left of the screenshot. When unsure, set found to false.`

// VisionAdvisor turns the router's vision category into the tactic sets'
// element-location capability.
type VisionAdvisor struct {
	router *Router
	userID string
}

// NewVisionAdvisor binds a router and a user whose budget vision calls
// charge against.
func NewVisionAdvisor(router *Router, userID string) *VisionAdvisor {
	return &VisionAdvisor{router: router, userID: userID}
}

func (v *VisionAdvisor) Locate(ctx context.Context, screenshot []byte, description string) (tactics.VisionHint, error) {
	res := v.router.Route(ctx, visionRequest(v.userID, screenshot, description))
	if res.Degraded {
		return tactics.VisionHint{}, fmt.Errorf("no vision provider available")
	}

	var hint tactics.VisionHint
	if err := json.Unmarshal([]byte(extractJSON(res.Content)), &hint); err != nil {
		return tactics.VisionHint{}, fmt.Errorf("unparseable vision response: %w", err)
	}
	return hint, nil
}

func visionRequest(userID string, screenshot []byte, description string) schemas.ModelRequest {
	return schemas.ModelRequest{
		Category:     schemas.CategoryVision,
		UserID:       userID,
		SystemPrompt: visionSystemPrompt,
		Prompt:       "Locate this element: " + description,
		ImagePNG:     screenshot,
		ForceJSON:    true,
	}
}

// extractJSON strips markdown fences models wrap JSON in despite
// instructions.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if start := strings.Index(content, "{"); start >= 0 {
		if end := strings.LastIndex(content, "}"); end > start {
			return content[start : end+1]
		}
	}
	return content
}
