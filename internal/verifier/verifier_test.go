package verifier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kiltro-dev/taskforge/api/schemas"
	"github.com/kiltro-dev/taskforge/internal/config"
	"github.com/kiltro-dev/taskforge/internal/surface/surfacetest"
)

func testConfig() config.VerifierConfig {
	return config.VerifierConfig{
		SelfCheckThreshold: 95,
		EvidenceThreshold:  90,
		PassBar:            70,
		SuccessPhrases:     config.DefaultSuccessPhrases(),
		ErrorPhrases:       config.DefaultErrorPhrases(),
		SuccessURLMarkers:  []string{"thank-you", "confirmation", "receipt"},
	}
}

type scriptedReviewer struct {
	result schemas.ModelResult
	calls  int
}

func (s *scriptedReviewer) Route(ctx context.Context, req schemas.ModelRequest) schemas.ModelResult {
	s.calls++
	return s.result
}

func pageSurface(url, text string) *surfacetest.Fake {
	fake := surfacetest.New()
	fake.SetPage(&surfacetest.Page{URL: url, Text: text})
	return fake
}

func TestSelfCheck(t *testing.T) {
	v := New(zap.NewNop(), testConfig(), nil)

	t.Run("multiple success phrases push confidence toward the cap", func(t *testing.T) {
		verdict := v.selfCheck(schemas.TaskTypeBooking,
			"Booking confirmed! Your reservation number is ABC-12345. See your itinerary below. Confirmation number sent by email.")
		assert.True(t, verdict.Passed)
		assert.Equal(t, 95, verdict.Confidence)
		assert.Equal(t, schemas.MethodSelfCheck, verdict.Method)
	})

	t.Run("mixed signals cap at forty and favor the larger count", func(t *testing.T) {
		verdict := v.selfCheck(schemas.TaskTypeBooking,
			"Confirmation pending. Your reservation number will arrive shortly. Some dates were not available.")
		assert.Equal(t, 40, verdict.Confidence)
		assert.True(t, verdict.Passed, "two success phrases vs one error phrase")
	})

	t.Run("error phrases alone fail", func(t *testing.T) {
		verdict := v.selfCheck(schemas.TaskTypeBooking, "Sorry, this date is sold out. No availability.")
		assert.False(t, verdict.Passed)
		assert.GreaterOrEqual(t, verdict.Confidence, 70)
	})

	t.Run("idempotent over the same text", func(t *testing.T) {
		text := "Booking confirmed, confirmation number 998877"
		first := v.selfCheck(schemas.TaskTypeBooking, text)
		second := v.selfCheck(schemas.TaskTypeBooking, text)
		assert.Equal(t, first, second)
	})
}

func TestEvidenceCheck(t *testing.T) {
	v := New(zap.NewNop(), testConfig(), nil)

	t.Run("confirmation code yields 95", func(t *testing.T) {
		verdict := v.evidenceCheck("Your order number: XK-882341. Thanks!", "https://example.com/done")
		assert.True(t, verdict.Passed)
		assert.Equal(t, 95, verdict.Confidence)
		assert.Contains(t, verdict.Evidence, "XK-882341")
	})

	t.Run("success URL marker yields 90", func(t *testing.T) {
		verdict := v.evidenceCheck("All done", "https://example.com/checkout/thank-you")
		assert.True(t, verdict.Passed)
		assert.Equal(t, 90, verdict.Confidence)
	})

	t.Run("nothing extractable yields zero", func(t *testing.T) {
		verdict := v.evidenceCheck("Please review your cart", "https://example.com/cart")
		assert.False(t, verdict.Passed)
		assert.Zero(t, verdict.Confidence)
	})
}

func TestVerify(t *testing.T) {
	ctx := context.Background()

	t.Run("strong self-check never escalates", func(t *testing.T) {
		reviewer := &scriptedReviewer{}
		v := New(zap.NewNop(), testConfig(), reviewer)
		s := pageSurface("https://example.com/done",
			"Booking confirmed! Your reservation number is ABC-12345. Itinerary and confirmation number emailed.")

		verdict := v.Verify(ctx, schemas.TaskTypeBooking, Evidence{Surface: s})
		assert.True(t, verdict.Passed)
		assert.Equal(t, schemas.MethodSelfCheck, verdict.Method)
		assert.Zero(t, reviewer.calls, "model stage must stay gated")
	})

	t.Run("evidence outranks a weak self-check", func(t *testing.T) {
		v := New(zap.NewNop(), testConfig(), nil)
		s := pageSurface("https://example.com/receipt", "Reference: QQ-443210")

		verdict := v.Verify(ctx, schemas.TaskTypeGeneric, Evidence{Surface: s})
		assert.True(t, verdict.Passed)
		assert.Equal(t, schemas.MethodEvidence, verdict.Method)
		assert.GreaterOrEqual(t, verdict.Confidence, 90)
	})

	t.Run("smart review is authoritative when it runs", func(t *testing.T) {
		reviewer := &scriptedReviewer{result: schemas.ModelResult{
			Content: `{"success": true, "confidence": 85, "reason": "order summary visible"}`,
		}}
		v := New(zap.NewNop(), testConfig(), reviewer)
		s := pageSurface("https://example.com/account/orders", "Recent orders")

		verdict := v.Verify(ctx, schemas.TaskTypePurchase, Evidence{Surface: s, UserID: "user-1"})
		require.Equal(t, 1, reviewer.calls)
		assert.True(t, verdict.Passed)
		assert.Equal(t, schemas.MethodSmartReview, verdict.Method)
		assert.Equal(t, 85, verdict.Confidence)
	})

	t.Run("degraded review keeps the cheaper verdict and stays below the bar", func(t *testing.T) {
		reviewer := &scriptedReviewer{result: schemas.ModelResult{Degraded: true, Content: `{"degraded": true}`}}
		v := New(zap.NewNop(), testConfig(), reviewer)
		s := pageSurface("https://example.com/cart", "Please review your cart")

		verdict := v.Verify(ctx, schemas.TaskTypePurchase, Evidence{Surface: s})
		assert.False(t, verdict.Passed)
		assert.Less(t, verdict.Confidence, 70)
	})

	t.Run("ambiguity is never upgraded to success", func(t *testing.T) {
		// Mixed signals cap at 40; with smart review unavailable the final
		// verdict must fail the pass bar even though success phrases led.
		v := New(zap.NewNop(), testConfig(), nil)
		s := pageSurface("https://example.com/booking",
			"Confirmation pending, reservation number to follow. Selected dates not available.")

		verdict := v.Verify(ctx, schemas.TaskTypeBooking, Evidence{Surface: s})
		assert.False(t, verdict.Passed)
		assert.Equal(t, 40, verdict.Confidence)
	})
}
