package payments

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"
)

const testWebhookSecret = "whsec_test"

func signed(t *testing.T, payload string) string {
	t.Helper()
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return sp.Header
}

func TestStripe_ParseWebhook_CheckoutCompleted(t *testing.T) {
	s := NewStripe("sk_test", testWebhookSecret, 0)
	payload := `{
		"id": "evt_1",
		"object": "event",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_1",
			"object": "checkout.session",
			"payment_intent": "pi_1",
			"amount_total": 1500,
			"currency": "usd",
			"customer_details": {"email": "buyer@example.com"},
			"metadata": {"paymentId": "p1", "listingId": "likenft1book"}
		}}
	}`

	ev, err := s.ParseWebhook([]byte(payload), signed(t, payload))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, EventCheckoutCompleted, ev.Type)
	require.NotNil(t, ev.Session)
	assert.Equal(t, CompletedSession{
		ID:              "cs_1",
		PaymentIntentID: "pi_1",
		AmountTotal:     1500,
		Currency:        "usd",
		Email:           "buyer@example.com",
		Metadata:        map[string]string{"paymentId": "p1", "listingId": "likenft1book"},
	}, *ev.Session)
}

func TestStripe_ParseWebhook_OtherEventHasNoSession(t *testing.T) {
	s := NewStripe("sk_test", testWebhookSecret, 0)
	payload := `{"id": "evt_2", "object": "event", "type": "charge.refunded", "data": {"object": {}}}`

	ev, err := s.ParseWebhook([]byte(payload), signed(t, payload))
	require.NoError(t, err)
	assert.Equal(t, "charge.refunded", ev.Type)
	assert.Nil(t, ev.Session)
}

func TestStripe_ParseWebhook_BadSignature(t *testing.T) {
	s := NewStripe("sk_test", testWebhookSecret, 0)
	_, err := s.ParseWebhook([]byte(`{"id":"evt_3"}`), "t=1,v1=deadbeef")
	assert.Error(t, err)
}
