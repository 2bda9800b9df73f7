package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/inletmail/inletmail/internal/config"
	"github.com/inletmail/inletmail/internal/confirm"
	"github.com/inletmail/inletmail/internal/ingest"
	"github.com/inletmail/inletmail/internal/objstore"
	"github.com/inletmail/inletmail/internal/store"
)

const rawMessage = "From: ala@example.pl\r\n" +
	"To: help@example.com\r\n" +
	"Subject: hello\r\n" +
	"Message-ID: <m-1@mail.example.pl>\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"body text\r\n"

type testEnv struct {
	server  *Server
	store   *store.Store
	objects *objstore.Memory
}

func newTestServer(t *testing.T, apiKey string) *testEnv {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	objects := objstore.NewMemory()
	coordinator := ingest.NewCoordinator(st, objects, nil, ingest.Options{
		DefaultBucket: "inbound-bucket",
		KeyPrefix:     "inbound/",
	})
	confirmer := confirm.NewService(st, nil)

	cfg := &config.Config{}
	cfg.Server.APIPort = 8080
	cfg.Server.APIKey = apiKey

	srv := NewServer(cfg, st, coordinator, confirmer, nil, nil)
	return &testEnv{server: srv, store: st, objects: objects}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func pushBody(messageID string) string {
	n := ingest.Notification{
		Mail:    ingest.Mail{MessageID: messageID},
		Content: base64.StdEncoding.EncodeToString([]byte(rawMessage)),
	}
	b, _ := json.Marshal(n)
	return string(b)
}

func TestHealth(t *testing.T) {
	env := newTestServer(t, "")
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestLegacyInboundIsNoOp(t *testing.T) {
	env := newTestServer(t, "")
	rec := env.do(t, http.MethodPost, "/email/inbound", `{"whatever":true}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeBody(t, rec)["status"]; got != "ignored" {
		t.Errorf("status field = %v", got)
	}
	emails, _ := env.store.ListInbound(store.ListOptions{})
	if len(emails) != 0 {
		t.Errorf("legacy route ingested %d rows", len(emails))
	}
}

func TestSubscriptionConfirmation(t *testing.T) {
	env := newTestServer(t, "")

	var visited atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		visited.Add(1)
	}))
	defer upstream.Close()

	body := fmt.Sprintf(`{"Type":"SubscriptionConfirmation","SubscribeURL":%q,"Token":"tok"}`, upstream.URL)
	rec := env.do(t, http.MethodPost, "/email/inbound/s3", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	if visited.Load() != 1 {
		t.Errorf("SubscribeURL visited %d times", visited.Load())
	}
}

func TestWrappedNotification(t *testing.T) {
	env := newTestServer(t, "")

	wrapped, _ := json.Marshal(map[string]string{
		"Type":    "Notification",
		"Message": pushBody("m-1@mail.example.pl"),
	})
	rec := env.do(t, http.MethodPost, "/email/inbound/s3", string(wrapped), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}

	emails, _ := env.store.ListInbound(store.ListOptions{})
	if len(emails) != 1 || emails[0].MessageID != "m-1@mail.example.pl" {
		t.Errorf("emails = %+v", emails)
	}
}

func TestRawDeliveryNotification(t *testing.T) {
	env := newTestServer(t, "")

	hdr := http.Header{}
	hdr.Set("X-Amz-Sns-Rawdelivery", "true")
	rec := env.do(t, http.MethodPost, "/email/inbound/s3", pushBody("m-raw@mail.example.pl"), hdr)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	if _, err := env.store.FindInboundByMessageID("m-raw@mail.example.pl"); err != nil {
		t.Errorf("raw notification not ingested: %v", err)
	}
}

func TestObjectCreatedEvent(t *testing.T) {
	env := newTestServer(t, "")
	env.objects.Put("inbound-bucket", "inbound/key with spaces", []byte(rawMessage))

	// Event keys arrive URL-encoded.
	body := `{"Records":[{"s3":{"bucket":{"name":"inbound-bucket"},"object":{"key":"inbound%2Fkey+with+spaces"}}}]}`
	rec := env.do(t, http.MethodPost, "/email/inbound/s3", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}

	email, err := env.store.FindInboundByObjectKey("inbound/key with spaces")
	if err != nil {
		t.Fatalf("object event not ingested: %v", err)
	}
	if email.BodyText == "" {
		t.Error("BodyText empty")
	}
}

func TestManualReplay(t *testing.T) {
	env := newTestServer(t, "")
	env.objects.Put("inbound-bucket", "inbound/k9", []byte(rawMessage))

	rec := env.do(t, http.MethodPost, "/email/inbound/s3", `{"bucket":"inbound-bucket","key":"inbound/k9"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	if _, err := env.store.FindInboundByObjectKey("inbound/k9"); err != nil {
		t.Errorf("manual replay not ingested: %v", err)
	}
}

func TestMalformedBodyRejected(t *testing.T) {
	env := newTestServer(t, "")
	rec := env.do(t, http.MethodPost, "/email/inbound/s3", "{not json", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/email/inbound/s3", `{"unrelated":1}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unrecognized shape status = %d, want 400", rec.Code)
	}
}

func TestDuplicatePushReturns200(t *testing.T) {
	env := newTestServer(t, "")
	body := pushBody("dup@mail.example.pl")
	hdr := http.Header{}
	hdr.Set("X-Amz-Sns-Rawdelivery", "true")

	env.do(t, http.MethodPost, "/email/inbound/s3", body, hdr)
	rec := env.do(t, http.MethodPost, "/email/inbound/s3", body, hdr)
	if rec.Code != http.StatusOK {
		t.Errorf("duplicate status = %d, want 200 to stop upstream retries", rec.Code)
	}
	if msg := decodeBody(t, rec)["message"]; !strings.Contains(msg.(string), "duplicate") {
		t.Errorf("message = %v", msg)
	}
}

func TestDeliveryConfirmation(t *testing.T) {
	env := newTestServer(t, "")

	inboundID, _ := env.store.InsertInboundEmail(&store.InboundEmail{MessageID: "m-1", From: "a@x.com", To: "b@y.com"})
	sub := &store.WebhookSubscription{ServiceName: "helpdesk", WebhookURL: "https://x.com/api/email/webhook"}
	env.store.SaveSubscription(sub)
	env.store.InsertDelivery(&store.WebhookDelivery{InboundEmailID: inboundID, SubscriptionID: sub.ID, HTTPStatus: 200})

	body := fmt.Sprintf(`{"inboundEmailId":%d,"subscriptionId":%d,"status":"delivered","ticketId":"T-1"}`, inboundID, sub.ID)
	rec := env.do(t, http.MethodPost, "/email/inbound/delivery-confirmation", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}

	d, _ := env.store.FindDelivery(inboundID, sub.ID)
	if d.Status != store.DeliveryDelivered || d.TicketID != "T-1" {
		t.Errorf("delivery = %+v", d)
	}

	// Confirming a missing pair is a 404.
	rec = env.do(t, http.MethodPost, "/email/inbound/delivery-confirmation",
		fmt.Sprintf(`{"inboundEmailId":%d,"subscriptionId":999,"status":"delivered"}`, inboundID), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing pair status = %d, want 404", rec.Code)
	}
}

func TestAdminAuth(t *testing.T) {
	env := newTestServer(t, "sekrit")

	rec := env.do(t, http.MethodGet, "/email/inbound", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", rec.Code)
	}

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer sekrit")
	rec = env.do(t, http.MethodGet, "/email/inbound", "", hdr)
	if rec.Code != http.StatusOK {
		t.Errorf("bearer auth status = %d, want 200", rec.Code)
	}

	hdr = http.Header{}
	hdr.Set("X-API-Key", "sekrit")
	rec = env.do(t, http.MethodGet, "/email/inbound", "", hdr)
	if rec.Code != http.StatusOK {
		t.Errorf("x-api-key auth status = %d, want 200", rec.Code)
	}

	// Ingress stays open: the upstream cannot send our key.
	rec = env.do(t, http.MethodPost, "/email/inbound", "{}", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("ingress status = %d, want 200 without auth", rec.Code)
	}
}

func TestListAndGetInbound(t *testing.T) {
	env := newTestServer(t, "")
	hdr := http.Header{}
	hdr.Set("X-Amz-Sns-Rawdelivery", "true")
	env.do(t, http.MethodPost, "/email/inbound/s3", pushBody("m-1@mail.example.pl"), hdr)

	rec := env.do(t, http.MethodGet, "/email/inbound?listOnly=1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	out := decodeBody(t, rec)
	if out["count"].(float64) != 1 {
		t.Errorf("count = %v", out["count"])
	}
	row := out["data"].([]any)[0].(map[string]any)
	if _, hasBody := row["bodyText"]; hasBody {
		t.Error("listOnly row carries bodyText")
	}

	id := int64(row["id"].(float64))
	rec = env.do(t, http.MethodGet, fmt.Sprintf("/email/inbound/%d", id), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	data := decodeBody(t, rec)["data"].(map[string]any)
	if data["bodyText"] == "" {
		t.Error("detail view missing bodyText")
	}

	rec = env.do(t, http.MethodGet, "/email/inbound/99999", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing id status = %d, want 404", rec.Code)
	}
}

func TestReparseEndpoint(t *testing.T) {
	env := newTestServer(t, "")
	hdr := http.Header{}
	hdr.Set("X-Amz-Sns-Rawdelivery", "true")
	env.do(t, http.MethodPost, "/email/inbound/s3", pushBody("m-1@mail.example.pl"), hdr)

	email, _ := env.store.FindInboundByMessageID("m-1@mail.example.pl")
	env.store.UpdateInboundParsed(email.ID, email.Subject, "", "", nil, nil)

	rec := env.do(t, http.MethodPost, fmt.Sprintf("/email/inbound/%d/reparse", email.ID), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reparse status = %d body %s", rec.Code, rec.Body.String())
	}

	email, _ = env.store.GetInbound(email.ID)
	if !strings.Contains(email.BodyText, "body text") {
		t.Errorf("BodyText = %q after reparse", email.BodyText)
	}
}

func TestUndeliveredEndpoint(t *testing.T) {
	env := newTestServer(t, "")
	inboundID, _ := env.store.InsertInboundEmail(&store.InboundEmail{MessageID: "m-1", From: "a@x.com", To: "b@y.com"})
	sub := &store.WebhookSubscription{ServiceName: "helpdesk", WebhookURL: "https://x.com/api/email/webhook"}
	env.store.SaveSubscription(sub)
	env.store.InsertDelivery(&store.WebhookDelivery{InboundEmailID: inboundID, SubscriptionID: sub.ID, HTTPStatus: 200})

	rec := env.do(t, http.MethodGet, "/email/inbound/undelivered", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	data := decodeBody(t, rec)["data"].([]any)
	if len(data) != 1 {
		t.Errorf("undelivered rows = %d", len(data))
	}
}
