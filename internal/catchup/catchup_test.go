package catchup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/inletmail/inletmail/internal/ingest"
	"github.com/inletmail/inletmail/internal/objstore"
	"github.com/inletmail/inletmail/internal/store"
)

func message(id string) []byte {
	return []byte(fmt.Sprintf("From: ala@example.pl\r\n"+
		"To: help@example.com\r\n"+
		"Subject: hello\r\n"+
		"Message-ID: <%s@mail.example.pl>\r\n"+
		"Content-Type: text/plain\r\n"+
		"\r\n"+
		"body\r\n", id))
}

func newTestRunner(t *testing.T, opts Options) (*Runner, *store.Store, *objstore.Memory) {
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
	coordinator := ingest.NewCoordinator(st, objects, nil, ingest.Options{DefaultBucket: opts.Bucket})
	return NewRunner(st, objects, coordinator, nil, opts), st, objects
}

func TestRunOnceIngestsMissingKeys(t *testing.T) {
	r, st, objects := newTestRunner(t, Options{Bucket: "b", Prefix: "inbound/"})
	objects.Put("b", "inbound/k1", message("m1"))
	objects.Put("b", "inbound/k2", message("m2"))
	objects.Put("b", "elsewhere/k3", message("m3")) // outside prefix

	stats, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if stats.Listed != 2 || stats.Ingested != 2 || stats.Skipped != 0 {
		t.Errorf("stats = %+v", stats)
	}

	emails, _ := st.ListInbound(store.ListOptions{})
	if len(emails) != 2 {
		t.Errorf("inbound rows = %d, want 2", len(emails))
	}
}

func TestRunOnceSkipsProcessedKeys(t *testing.T) {
	r, _, objects := newTestRunner(t, Options{Bucket: "b", Prefix: "inbound/"})
	objects.Put("b", "inbound/k1", message("m1"))

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	stats, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if stats.Skipped != 1 || stats.Ingested != 0 {
		t.Errorf("second run stats = %+v", stats)
	}
}

func TestRunOnceRespectsMaxKeys(t *testing.T) {
	r, _, objects := newTestRunner(t, Options{Bucket: "b", Prefix: "inbound/", MaxKeys: 2})
	for _, k := range []string{"k1", "k2", "k3", "k4"} {
		objects.Put("b", "inbound/"+k, message(k))
	}

	stats, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if stats.Listed != 2 {
		t.Errorf("Listed = %d, want 2", stats.Listed)
	}
}

func TestRunOnceOnlyLastHours(t *testing.T) {
	r, _, objects := newTestRunner(t, Options{Bucket: "b", Prefix: "inbound/", OnlyLastHours: 1})
	objects.PutAt("b", "inbound/old", message("old"), time.Now().Add(-3*time.Hour))
	objects.Put("b", "inbound/new", message("new"))

	stats, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if stats.Listed != 1 || stats.Ingested != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRunOnceIsolatesPerKeyFailures(t *testing.T) {
	r, st, objects := newTestRunner(t, Options{Bucket: "b", Prefix: "inbound/"})
	objects.Put("b", "inbound/bad", []byte("Subject: no separator"))
	objects.Put("b", "inbound/good", message("good"))

	stats, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	// The malformed object still persists a failed row through ingest, so
	// both count as ingested; a missing object would count as Failed.
	if stats.Ingested != 2 {
		t.Errorf("stats = %+v", stats)
	}
	failed, _ := st.ListInbound(store.ListOptions{Status: store.StatusFailed})
	if len(failed) != 1 {
		t.Errorf("failed rows = %d, want 1", len(failed))
	}
}

func TestDisabledRunnerDoesNotSchedule(t *testing.T) {
	r, _, _ := newTestRunner(t, Options{Bucket: "b", Disabled: true})
	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(r.cron.Entries()) != 0 {
		t.Errorf("cron entries = %d, want 0 when disabled", len(r.cron.Entries()))
	}
	r.Stop()
}

func TestUnprocessedKeys(t *testing.T) {
	r, _, objects := newTestRunner(t, Options{Bucket: "b", Prefix: "inbound/"})
	objects.Put("b", "inbound/k1", message("m1"))
	objects.Put("b", "inbound/k2", message("m2"))

	if _, err := r.coordinator.AcceptObjectCreatedEvent(context.Background(),
		[]ingest.ObjectRecord{{Bucket: "b", Key: "inbound/k1"}}); err != nil {
		t.Fatalf("ingest k1: %v", err)
	}

	missing, err := r.UnprocessedKeys(context.Background(), 10)
	if err != nil {
		t.Fatalf("unprocessed: %v", err)
	}
	if len(missing) != 1 || missing[0] != "inbound/k2" {
		t.Errorf("missing = %v", missing)
	}
}
