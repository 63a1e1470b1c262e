// Package verifier independently confirms that a completed action sequence
// actually achieved its goal. Three stages run in cost order: phrase
// self-check, extractable-evidence check, and a model-backed smart review
// gated behind the cheaper two.
package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/kiltro-dev/taskforge/api/schemas"
	"github.com/kiltro-dev/taskforge/internal/config"
	"github.com/kiltro-dev/taskforge/internal/surface"
)

// mixedSignalCap limits self-check confidence when success and error phrases
// appear together. Policy constant, tune freely.
const mixedSignalCap = 40

// combinedEscalationBar gates smart review: stages one and two must both
// land under it before a model call is worth the spend.
const combinedEscalationBar = 90

// ModelReviewer is the slice of the routing layer smart review needs.
type ModelReviewer interface {
	Route(ctx context.Context, req schemas.ModelRequest) schemas.ModelResult
}

// Verifier runs the three-stage check.
type Verifier struct {
	log    *zap.Logger
	cfg    config.VerifierConfig
	models ModelReviewer
}

// New builds a verifier. A nil reviewer disables smart review; the cheaper
// stages still run.
func New(logger *zap.Logger, cfg config.VerifierConfig, models ModelReviewer) *Verifier {
	return &Verifier{log: logger.Named("verifier"), cfg: cfg, models: models}
}

// Evidence captures what the verifier may inspect: the surface after the
// final action plus any response text the task produced.
type Evidence struct {
	Surface      surface.Surface
	ResponseText string
	UserID       string
}

// Verify produces the final verdict for a completed task. If smart review
// runs its verdict is authoritative; otherwise the better of the first two
// stages is used, subject to the pass bar.
func (v *Verifier) Verify(ctx context.Context, taskType schemas.TaskType, ev Evidence) schemas.VerificationVerdict {
	pageText := ""
	location := ""
	if ev.Surface != nil {
		if t, err := ev.Surface.ReadText(ctx); err == nil {
			pageText = t
		}
		location = ev.Surface.Location()
	}
	combined := pageText + "\n" + ev.ResponseText

	selfVerdict := v.selfCheck(taskType, combined)
	if selfVerdict.Confidence >= v.selfCheckThreshold() {
		return v.finalize(selfVerdict)
	}

	evVerdict := v.evidenceCheck(combined, location)
	if evVerdict.Confidence >= v.evidenceThreshold() {
		return v.finalize(evVerdict)
	}

	best := selfVerdict
	if evVerdict.Confidence > best.Confidence {
		best = evVerdict
	}

	if best.Confidence < combinedEscalationBar && v.models != nil && ev.Surface != nil {
		if smart, ok := v.smartReview(ctx, taskType, ev); ok {
			return v.finalize(smart)
		}
	}

	return v.finalize(best)
}

func (v *Verifier) selfCheckThreshold() int {
	if v.cfg.SelfCheckThreshold > 0 {
		return v.cfg.SelfCheckThreshold
	}
	return 95
}

func (v *Verifier) evidenceThreshold() int {
	if v.cfg.EvidenceThreshold > 0 {
		return v.cfg.EvidenceThreshold
	}
	return 90
}

func (v *Verifier) passBar() int {
	if v.cfg.PassBar > 0 {
		return v.cfg.PassBar
	}
	return 70
}

// finalize applies the pass bar. A verdict under the bar never reports
// passed, whatever the stage concluded.
func (v *Verifier) finalize(verdict schemas.VerificationVerdict) schemas.VerificationVerdict {
	if verdict.Confidence < v.passBar() {
		verdict.Passed = false
	}
	return verdict
}

// selfCheck scans for task-type phrase lists. Confidence scales with the
// number of distinct success phrases matched; mixed signals cap at
// mixedSignalCap and favor the larger count.
func (v *Verifier) selfCheck(taskType schemas.TaskType, text string) schemas.VerificationVerdict {
	lower := strings.ToLower(text)
	successHits := countMatches(lower, v.phrases(v.cfg.SuccessPhrases, taskType))
	errorHits := countMatches(lower, v.phrases(v.cfg.ErrorPhrases, taskType))

	verdict := schemas.VerificationVerdict{Method: schemas.MethodSelfCheck}
	switch {
	case successHits > 0 && errorHits > 0:
		verdict.Passed = successHits > errorHits
		verdict.Confidence = mixedSignalCap
		verdict.Evidence = fmt.Sprintf("mixed signals: %d success vs %d error phrases", successHits, errorHits)
	case successHits > 0:
		conf := 60 + successHits*15
		if conf > 95 {
			conf = 95
		}
		verdict.Passed = true
		verdict.Confidence = conf
		verdict.Evidence = fmt.Sprintf("%d success phrases matched", successHits)
	case errorHits > 0:
		conf := 60 + errorHits*15
		if conf > 95 {
			conf = 95
		}
		verdict.Confidence = conf
		verdict.Evidence = fmt.Sprintf("%d error phrases matched", errorHits)
	default:
		verdict.Confidence = 0
		verdict.Evidence = "no known phrases on the page"
	}
	return verdict
}

func (v *Verifier) phrases(m map[schemas.TaskType][]string, taskType schemas.TaskType) []string {
	if list, ok := m[taskType]; ok {
		return list
	}
	return m[schemas.TaskTypeGeneric]
}

func countMatches(lower string, phrases []string) int {
	n := 0
	for _, p := range phrases {
		if strings.Contains(lower, strings.ToLower(p)) {
			n++
		}
	}
	return n
}

var confirmationCodePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:confirmation|booking|order|reference|reservation)\s*(?:number|code|id|#)?[:#\s]\s*([A-Z0-9][A-Z0-9-]{4,})`),
	regexp.MustCompile(`\b([A-Z]{2,4}-?\d{5,})\b`),
	regexp.MustCompile(`(?i)#\s?(\d{6,})\b`),
}

// evidenceCheck looks for concrete, extractable proof: confirmation codes in
// the text or success markers in the final URL. Hard to fake accidentally,
// so a match carries high confidence.
func (v *Verifier) evidenceCheck(text, location string) schemas.VerificationVerdict {
	verdict := schemas.VerificationVerdict{Method: schemas.MethodEvidence}

	for _, re := range confirmationCodePatterns {
		for _, m := range re.FindAllStringSubmatch(text, 4) {
			code := m[len(m)-1]
			// Words like "number" match the shape; a real code has a digit.
			if !strings.ContainsAny(code, "0123456789") {
				continue
			}
			verdict.Passed = true
			verdict.Confidence = 95
			verdict.Evidence = "confirmation code " + code
			return verdict
		}
	}

	markers := v.cfg.SuccessURLMarkers
	if len(markers) == 0 {
		markers = []string{"thank-you", "thankyou", "confirmation", "receipt", "success", "order-complete"}
	}
	lowerLoc := strings.ToLower(location)
	for _, marker := range markers {
		if strings.Contains(lowerLoc, marker) {
			verdict.Passed = true
			verdict.Confidence = 90
			verdict.Evidence = fmt.Sprintf("final URL contains %q", marker)
			return verdict
		}
	}

	verdict.Confidence = 0
	verdict.Evidence = "no extractable proof found"
	return verdict
}

type smartReviewResponse struct {
	Success    bool   `json:"success"`
	Confidence int    `json:"confidence"`
	Reason     string `json:"reason"`
}

const smartReviewSystem = `You review screenshots of web pages to judge whether an automated task completed.
Respond with a JSON object: {"success": bool, "confidence": 0-100, "reason": "short explanation"}.
Be skeptical: an unchanged form or a generic page is not completion.`

// smartReview sends the screenshot and task context to the routing layer.
// Returns ok=false when no usable judgment came back; the cheaper stages'
// verdict then stands.
func (v *Verifier) smartReview(ctx context.Context, taskType schemas.TaskType, ev Evidence) (schemas.VerificationVerdict, bool) {
	png, err := ev.Surface.Screenshot(ctx)
	if err != nil {
		v.log.Debug("Screenshot for smart review failed", zap.Error(err))
		return schemas.VerificationVerdict{}, false
	}

	res := v.models.Route(ctx, schemas.ModelRequest{
		Category:     schemas.CategoryValidation,
		UserID:       ev.UserID,
		SystemPrompt: smartReviewSystem,
		Prompt:       fmt.Sprintf("Task type: %s. Did this task complete successfully?", taskType),
		ImagePNG:     png,
		ForceJSON:    true,
	})
	if res.Degraded {
		v.log.Debug("Smart review degraded, keeping cheaper verdict")
		return schemas.VerificationVerdict{}, false
	}

	var parsed smartReviewResponse
	if err := json.Unmarshal([]byte(extractJSON(res.Content)), &parsed); err != nil {
		v.log.Warn("Unparseable smart review response", zap.Error(err))
		return schemas.VerificationVerdict{}, false
	}

	return schemas.VerificationVerdict{
		Passed:     parsed.Success,
		Confidence: clampConfidence(parsed.Confidence),
		Method:     schemas.MethodSmartReview,
		Evidence:   parsed.Reason,
	}, true
}

func clampConfidence(c int) int {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if start := strings.Index(content, "{"); start >= 0 {
		if end := strings.LastIndex(content, "}"); end > start {
			return content[start : end+1]
		}
	}
	return content
}
