package messaging

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/lobikohealth/LobikoPipe/internal/models"
	"github.com/lobikohealth/LobikoPipe/internal/twiliowhatsapp"
)

const testWebhookURL = "https://lobiko.example/webhooks/twilio"

func postForm(t *testing.T, h http.HandlerFunc, form url.Values, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set(TwilioSignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

// twilioSignature computes X-Twilio-Signature the way Twilio does.
func twilioSignature(authToken, webhookURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(webhookURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestTwilioWebhookText(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	defer svc.Stop()

	rec := postForm(t, svc.TwilioWebhookHandler, url.Values{
		"From":       {"whatsapp:+243810000001"},
		"Body":       {"Bonjour"},
		"MessageSid": {"SM123"},
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<Response></Response>") {
		t.Errorf("Expected empty TwiML, got %q", rec.Body.String())
	}

	r := <-svc.Responses()
	if r.From != "+243810000001" || r.Body != "Bonjour" || r.MessageID != "SM123" || r.Channel != models.ChannelTwilio {
		t.Errorf("Unexpected response %+v", r)
	}
}

func TestTwilioWebhookMedia(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	defer svc.Stop()

	rec := postForm(t, svc.TwilioWebhookHandler, url.Values{
		"From":              {"whatsapp:+243810000001"},
		"Body":              {"mes analyses"},
		"MessageSid":        {"MM9"},
		"NumMedia":          {"2"},
		"MediaUrl0":         {"https://api.twilio.com/media/0"},
		"MediaContentType0": {"image/jpeg"},
		"MediaUrl1":         {"https://api.twilio.com/media/1"},
		"MediaContentType1": {"application/pdf"},
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	first, second := <-svc.Responses(), <-svc.Responses()
	if first.Media == nil || first.Media.Type != models.MediaTypeImage || first.Media.Ref != "https://api.twilio.com/media/0" {
		t.Errorf("Unexpected first media %+v", first.Media)
	}
	if first.Media != nil && first.Media.Caption != "mes analyses" {
		t.Errorf("Expected caption on first attachment, got %q", first.Media.Caption)
	}
	if first.Body != "" {
		t.Errorf("Expected no body on media response, got %q", first.Body)
	}
	if second.Media == nil || second.Media.Type != models.MediaTypeDocument || second.MessageID != "MM9/1" {
		t.Errorf("Unexpected second response %+v", second)
	}
}

func TestTwilioWebhookMissingFields(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	defer svc.Stop()

	cases := []url.Values{
		{"Body": {"Bonjour"}},
		{"From": {"whatsapp:+243810000001"}},
		{"From": {"whatsapp:+243810000001"}, "NumMedia": {"1"}},
	}
	for _, form := range cases {
		if rec := postForm(t, svc.TwilioWebhookHandler, form, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 for %v, got %d", form, rec.Code)
		}
	}
}

func TestTwilioWebhookSignature(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), WithTwilioSignatureValidation("secret-token", testWebhookURL))
	defer svc.Stop()

	form := url.Values{"From": {"whatsapp:+243810000001"}, "Body": {"oui"}, "MessageSid": {"SM1"}}

	if rec := postForm(t, svc.TwilioWebhookHandler, form, "bm90LWEtc2lnbmF0dXJl"); rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for bad signature, got %d", rec.Code)
	}
	if rec := postForm(t, svc.TwilioWebhookHandler, form, ""); rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without signature, got %d", rec.Code)
	}

	rec := postForm(t, svc.TwilioWebhookHandler, form, twilioSignature("secret-token", testWebhookURL, form))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for valid signature, got %d", rec.Code)
	}
	if r := <-svc.Responses(); r.Body != "oui" {
		t.Errorf("Expected signed message emitted, got %+v", r)
	}
}

func TestTwilioSendMessage(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)

	if err := svc.SendMessage(context.Background(), "+243 81 000 0001", "Bonjour"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].To != "243810000001" || sent[0].Body != "Bonjour" {
		t.Errorf("Unexpected sent messages %+v", sent)
	}
	if r := <-svc.Receipts(); r.Status != models.MessageStatusSent || r.To != "243810000001" {
		t.Errorf("Unexpected receipt %+v", r)
	}

	if err := svc.SendMessage(context.Background(), "12", "x"); err == nil {
		t.Error("Expected invalid recipient rejected")
	}

	svc.Stop()
	if err := svc.SendMessage(context.Background(), "+243810000001", "x"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("Expected ErrServiceStopped, got %v", err)
	}
}

func TestTwilioWebhookUnavailableWhenNotQueued(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	svc.Stop()

	rec := postForm(t, svc.TwilioWebhookHandler, url.Values{
		"From":       {"whatsapp:+243810000001"},
		"Body":       {"Bonjour"},
		"MessageSid": {"SM124"},
	}, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 so Twilio redelivers, got %d", rec.Code)
	}
}
