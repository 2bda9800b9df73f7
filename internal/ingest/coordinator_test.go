package ingest

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"testing"

	"github.com/inletmail/inletmail/internal/objstore"
	"github.com/inletmail/inletmail/internal/store"
)

const rawMessage = "From: Ala Kowalska <ala@example.pl>\r\n" +
	"To: help@example.com\r\n" +
	"Subject: =?UTF-8?Q?Nap=C5=82yw_Klient=C3=B3w_ze_strony?=\r\n" +
	"Message-ID: <abc-123@mail.example.pl>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Dzien dobry\r\n"

type fakeDeliverer struct {
	mu    sync.Mutex
	calls []int64
}

func (f *fakeDeliverer) DeliverToSubscriptions(_ context.Context, email *store.InboundEmail) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, email.ID)
}

func (f *fakeDeliverer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *store.Store, *objstore.Memory, *fakeDeliverer) {
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
	deliverer := &fakeDeliverer{}
	c := NewCoordinator(st, objects, deliverer, Options{
		DefaultBucket: "inbound-bucket",
		KeyPrefix:     "inbound/",
	})
	return c, st, objects, deliverer
}

func TestNormalizeMessageID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"<abc@example.com>", "abc@example.com"},
		{"  <abc@example.com>  ", "abc@example.com"},
		{"abc@example.com", "abc@example.com"},
		{"< abc >", "abc"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeMessageID(tt.in); got != tt.want {
			t.Errorf("NormalizeMessageID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAcceptPushNotificationInline(t *testing.T) {
	c, st, _, deliverer := newTestCoordinator(t)

	n := &Notification{
		Mail: Mail{
			MessageID:     "<abc-123@mail.example.pl>",
			CommonHeaders: CommonHeaders{Subject: "Napływ Klientów ze strony"},
		},
		Content: base64.StdEncoding.EncodeToString([]byte(rawMessage)),
	}
	res, err := c.AcceptPushNotification(context.Background(), n)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if res.Duplicate || res.ParseFailed {
		t.Fatalf("unexpected result: %+v", res)
	}

	email, err := st.GetInbound(res.ID)
	if err != nil {
		t.Fatalf("get inbound: %v", err)
	}
	if email.MessageID != "abc-123@mail.example.pl" {
		t.Errorf("MessageID = %q", email.MessageID)
	}
	if email.From != "ala@example.pl" || email.To != "help@example.com" {
		t.Errorf("addresses = %q / %q", email.From, email.To)
	}
	if email.Subject != "Napływ Klientów ze strony" {
		t.Errorf("Subject = %q", email.Subject)
	}
	if email.Status != store.StatusProcessed {
		t.Errorf("Status = %q", email.Status)
	}
	if deliverer.count() != 1 {
		t.Errorf("fan-out calls = %d, want 1", deliverer.count())
	}
}

func TestAcceptPushNotificationFetchesFromObjectStore(t *testing.T) {
	c, st, objects, _ := newTestCoordinator(t)
	objects.Put("inbound-bucket", "inbound/abc-123@mail.example.pl", []byte(rawMessage))

	// No content and no receipt action: key reconstructed from defaults.
	n := &Notification{Mail: Mail{MessageID: "abc-123@mail.example.pl"}}
	res, err := c.AcceptPushNotification(context.Background(), n)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	email, _ := st.GetInbound(res.ID)
	if email.ObjectKey != "inbound/abc-123@mail.example.pl" {
		t.Errorf("ObjectKey = %q", email.ObjectKey)
	}
	if email.BodyText == "" {
		t.Error("BodyText empty after object-store fetch")
	}
}

func TestDualPathDedup(t *testing.T) {
	c, st, objects, deliverer := newTestCoordinator(t)
	const key = "inbound/abc-123@mail.example.pl"
	objects.Put("inbound-bucket", key, []byte(rawMessage))

	n := &Notification{
		Mail:    Mail{MessageID: "abc-123@mail.example.pl"},
		Receipt: Receipt{Action: Action{BucketName: "inbound-bucket", ObjectKey: key}},
	}
	first, err := c.AcceptPushNotification(context.Background(), n)
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	// The object-created event for the same key arrives later. Expected:
	// same row, refreshed in place, no second fan-out.
	results, err := c.AcceptObjectCreatedEvent(context.Background(),
		[]ObjectRecord{{Bucket: "inbound-bucket", Key: key}})
	if err != nil {
		t.Fatalf("object event: %v", err)
	}
	if len(results) != 1 || !results[0].Refreshed || results[0].ID != first.ID {
		t.Errorf("results = %+v, want refresh of id %d", results, first.ID)
	}

	emails, _ := st.ListInbound(store.ListOptions{})
	if len(emails) != 1 {
		t.Errorf("inbound rows = %d, want 1", len(emails))
	}
	if deliverer.count() != 1 {
		t.Errorf("fan-out calls = %d, want 1", deliverer.count())
	}
}

func TestObjectCreatedEventIngestsNewMessage(t *testing.T) {
	c, _, objects, deliverer := newTestCoordinator(t)
	objects.Put("inbound-bucket", "inbound/k1", []byte(rawMessage))

	results, err := c.AcceptObjectCreatedEvent(context.Background(),
		[]ObjectRecord{{Bucket: "inbound-bucket", Key: "inbound/k1"}})
	if err != nil {
		t.Fatalf("object event: %v", err)
	}
	if len(results) != 1 || results[0].Duplicate || results[0].Refreshed {
		t.Fatalf("results = %+v", results)
	}
	if deliverer.count() != 1 {
		t.Errorf("fan-out calls = %d, want 1", deliverer.count())
	}
}

func TestDuplicatePushIgnored(t *testing.T) {
	c, _, _, deliverer := newTestCoordinator(t)

	n := &Notification{
		Mail:    Mail{MessageID: "abc-123@mail.example.pl"},
		Content: base64.StdEncoding.EncodeToString([]byte(rawMessage)),
	}
	if _, err := c.AcceptPushNotification(context.Background(), n); err != nil {
		t.Fatalf("first: %v", err)
	}
	res, err := c.AcceptPushNotification(context.Background(), n)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !res.Duplicate {
		t.Error("second push not reported as duplicate")
	}
	if deliverer.count() != 1 {
		t.Errorf("fan-out calls = %d, want 1", deliverer.count())
	}
}

func TestParseFailurePersistsFailedRow(t *testing.T) {
	c, st, _, deliverer := newTestCoordinator(t)

	n := &Notification{
		Mail: Mail{
			MessageID:     "broken@example.com",
			Source:        "sender@example.com",
			CommonHeaders: CommonHeaders{Subject: "Broken"},
		},
		// Headers with no body separator: unparseable.
		Content: base64.StdEncoding.EncodeToString([]byte("From: x@example.com\r\nSubject: no body")),
	}
	res, err := c.AcceptPushNotification(context.Background(), n)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !res.ParseFailed {
		t.Fatal("expected parse failure")
	}

	email, _ := st.GetInbound(res.ID)
	if email.Status != store.StatusFailed || email.Error == "" {
		t.Errorf("Status = %q, Error = %q", email.Status, email.Error)
	}
	if email.Subject != "Broken" {
		t.Errorf("Subject = %q", email.Subject)
	}
	if deliverer.count() != 0 {
		t.Errorf("fan-out calls = %d, want 0 for failed parse", deliverer.count())
	}
}

func TestReprocessInboundNoFanOut(t *testing.T) {
	c, st, _, deliverer := newTestCoordinator(t)

	n := &Notification{
		Mail:    Mail{MessageID: "abc-123@mail.example.pl"},
		Content: base64.StdEncoding.EncodeToString([]byte(rawMessage)),
	}
	res, err := c.AcceptPushNotification(context.Background(), n)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Simulate a row whose parse went wrong: blank the body.
	if err := st.UpdateInboundParsed(res.ID, "Napływ Klientów ze strony", "", "", nil, nil); err != nil {
		t.Fatalf("blank body: %v", err)
	}

	rres, err := c.ReprocessInbound(context.Background(), res.ID)
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if !rres.Refreshed {
		t.Error("reprocess did not report refresh")
	}

	email, _ := st.GetInbound(res.ID)
	if !strings.Contains(email.BodyText, "Dzien dobry") {
		t.Errorf("BodyText = %q, want repopulated", email.BodyText)
	}
	if deliverer.count() != 1 {
		t.Errorf("fan-out calls = %d, want 1 (reprocess must not fan out)", deliverer.count())
	}
}

func TestStoredEnvelopeRetainsRawContent(t *testing.T) {
	c, st, _, _ := newTestCoordinator(t)

	n := &Notification{Mail: Mail{MessageID: "abc-123@mail.example.pl"}}
	n.Content = base64.StdEncoding.EncodeToString([]byte(rawMessage))
	res, err := c.AcceptPushNotification(context.Background(), n)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	email, _ := st.GetInbound(res.ID)
	raw, err := c.rawContent(context.Background(), email)
	if err != nil {
		t.Fatalf("raw content: %v", err)
	}
	if string(raw) != rawMessage {
		t.Error("stored envelope does not round-trip the original bytes")
	}
}
