package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"mensajia-wa-inbox/models"
	"mensajia-wa-inbox/services"
)

const defaultGraphAPIURL = "https://graph.facebook.com/v21.0"

// CloudAPI is the Meta WhatsApp Cloud channel adapter: webhook payload
// parsing inbound, graph API sends outbound.
type CloudAPI struct {
	apiURL string
	client *http.Client
}

// NewCloudAPI creates the adapter. apiURL overrides the graph endpoint
// (tests point it at a local server); empty means production.
func NewCloudAPI(apiURL string) *CloudAPI {
	if apiURL == "" {
		apiURL = defaultGraphAPIURL
	}
	return &CloudAPI{
		apiURL: apiURL,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// SendText delivers a text message using the bot's cloud credentials.
// Returns the provider message id, or an empty id on provider-reported
// failure (logged, non-fatal).
func (c *CloudAPI) SendText(ctx context.Context, bot *models.BotConfig, to, body string) (string, error) {
	if bot.WhatsAppPhoneNumberID == nil || bot.WhatsAppAPIToken == nil {
		return "", fmt.Errorf("bot %s has no cloud credentials", bot.ID)
	}

	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                services.NormalizePhone(to, services.DefaultNormalizers),
		"type":              "text",
		"text":              map[string]string{"body": body},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal send payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.apiURL, *bot.WhatsAppPhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+*bot.WhatsAppAPIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("cloud send failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		log.Printf("[CloudAPI] Send failed (%d): %s", resp.StatusCode, errBody)
		return "", nil
	}

	var result struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode send response: %w", err)
	}
	if len(result.Messages) == 0 {
		return "", nil
	}
	return result.Messages[0].ID, nil
}

// VerifyWebhook implements the Meta verification handshake: echo the
// challenge when the shared verify token matches.
func VerifyWebhook(mode, token, challenge, expectedToken string) (string, bool) {
	if mode == "subscribe" && token != "" && token == expectedToken {
		return challenge, true
	}
	return "", false
}

// Webhook payload structures, per the Cloud API shape.
type webhookMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
}

type webhookChange struct {
	Value struct {
		MessagingProduct string `json:"messaging_product"`
		Metadata         struct {
			PhoneNumberID string `json:"phone_number_id"`
		} `json:"metadata"`
		Contacts []struct {
			Profile struct {
				Name string `json:"name"`
			} `json:"profile"`
			WaID string `json:"wa_id"`
		} `json:"contacts"`
		Messages []webhookMessage `json:"messages"`
	} `json:"value"`
	Field string `json:"field"`
}

// WebhookPayload is the raw delivery body from Meta.
type WebhookPayload struct {
	Entry []struct {
		ID      string          `json:"id"`
		Changes []webhookChange `json:"changes"`
	} `json:"entry"`
}

// ParseWebhookPayload extracts zero or more canonical incoming messages.
// Non-text message types and status deliveries are ignored.
func ParseWebhookPayload(payload *WebhookPayload) []services.IncomingMessage {
	var out []services.IncomingMessage

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			value := change.Value
			if len(value.Messages) == 0 {
				continue
			}

			for _, msg := range value.Messages {
				if msg.Type != "text" || msg.Text == nil || msg.Text.Body == "" {
					continue
				}

				name := ""
				for _, contact := range value.Contacts {
					if contact.WaID == msg.From {
						name = contact.Profile.Name
						break
					}
				}

				out = append(out, services.IncomingMessage{
					From:            msg.From,
					WAMessageID:     msg.ID,
					Timestamp:       parseEpoch(msg.Timestamp),
					Text:            msg.Text.Body,
					ContactNameHint: name,
					RoutingID:       value.Metadata.PhoneNumberID,
				})
			}
		}
	}

	return out
}

func parseEpoch(s string) int64 {
	var epoch int64
	fmt.Sscanf(s, "%d", &epoch)
	if epoch == 0 {
		epoch = time.Now().Unix()
	}
	return epoch
}
