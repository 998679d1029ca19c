package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"mensajia-wa-inbox/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyWebhook(t *testing.T) {
	challenge, ok := VerifyWebhook("subscribe", "secret", "12345", "secret")
	assert.True(t, ok)
	assert.Equal(t, "12345", challenge)

	_, ok = VerifyWebhook("subscribe", "wrong", "12345", "secret")
	assert.False(t, ok)

	_, ok = VerifyWebhook("unsubscribe", "secret", "12345", "secret")
	assert.False(t, ok)

	// Empty tokens never match, even against an empty expectation.
	_, ok = VerifyWebhook("subscribe", "", "12345", "")
	assert.False(t, ok)
}

const samplePayload = `{
	"entry": [{
		"id": "ENTRY_ID",
		"changes": [{
			"field": "messages",
			"value": {
				"messaging_product": "whatsapp",
				"metadata": {"phone_number_id": "123456"},
				"contacts": [{"profile": {"name": "Juan"}, "wa_id": "5491125367148"}],
				"messages": [
					{"from": "5491125367148", "id": "wamid.TEXT", "timestamp": "1714000000", "type": "text", "text": {"body": "hola"}},
					{"from": "5491125367148", "id": "wamid.IMG", "timestamp": "1714000001", "type": "image"}
				]
			}
		}]
	}]
}`

func TestParseWebhookPayload(t *testing.T) {
	var payload WebhookPayload
	require.NoError(t, json.Unmarshal([]byte(samplePayload), &payload))

	incoming := ParseWebhookPayload(&payload)
	require.Len(t, incoming, 1) // image is ignored

	msg := incoming[0]
	assert.Equal(t, "5491125367148", msg.From)
	assert.Equal(t, "wamid.TEXT", msg.WAMessageID)
	assert.EqualValues(t, 1714000000, msg.Timestamp)
	assert.Equal(t, "hola", msg.Text)
	assert.Equal(t, "Juan", msg.ContactNameHint)
	assert.Equal(t, "123456", msg.RoutingID)
}

func TestParseWebhookPayloadStatusDelivery(t *testing.T) {
	// Status-only deliveries have no messages array; nothing comes out.
	var payload WebhookPayload
	require.NoError(t, json.Unmarshal([]byte(`{"entry":[{"changes":[{"field":"messages","value":{}}]}]}`), &payload))

	assert.Empty(t, ParseWebhookPayload(&payload))
}

func cloudBot() *models.BotConfig {
	phoneNumberID := "123456"
	token := "cloud-token"
	return &models.BotConfig{
		ID:                    "bot-1",
		WhatsAppPhoneNumberID: &phoneNumberID,
		WhatsAppAPIToken:      &token,
	}
}

func TestSendText(t *testing.T) {
	var gotAuth string
	var gotBody map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/123456/messages", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"messages": []map[string]string{{"id": "wamid.OUT"}},
		})
	}))
	defer server.Close()

	api := NewCloudAPI(server.URL)
	ref, err := api.SendText(context.Background(), cloudBot(), "+54 9 11 2536-7148", "hola")
	require.NoError(t, err)

	assert.Equal(t, "wamid.OUT", ref)
	assert.Equal(t, "Bearer cloud-token", gotAuth)
	assert.Equal(t, "541125367148", gotBody["to"]) // normalized destination
	assert.Equal(t, "whatsapp", gotBody["messaging_product"])
}

func TestSendTextProviderFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"invalid recipient"}}`))
	}))
	defer server.Close()

	api := NewCloudAPI(server.URL)
	ref, err := api.SendText(context.Background(), cloudBot(), "541125367148", "hola")

	// Provider rejection is reported as an empty ref, not an error.
	require.NoError(t, err)
	assert.Empty(t, ref)
}

func TestSendTextMissingCredentials(t *testing.T) {
	api := NewCloudAPI("")
	_, err := api.SendText(context.Background(), &models.BotConfig{ID: "bot-1"}, "541125367148", "hola")
	assert.Error(t, err)
}
