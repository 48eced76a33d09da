package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dunamismax/roomseg/internal/domain"
)

func testClient(attempts int) *Client {
	return NewClient(Config{
		SigningSecret:  "test-secret",
		Timeout:        2 * time.Second,
		MaxAttempts:    attempts,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	})
}

func testEvent(url string) domain.JobEvent {
	return domain.JobEvent{
		Type:       domain.EventJobCompleted,
		JobID:      "job-1",
		OwnerID:    "owner-1",
		Status:     domain.JobStatusDone,
		ResultKey:  "results/result_job-1.png",
		WebhookURL: url,
		OccurredAt: time.Now().UTC(),
	}
}

func TestDeliverAddsSigningHeaders(t *testing.T) {
	var (
		gotSig  string
		gotTS   string
		gotEvt  string
		gotBody []byte
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderSignature)
		gotTS = r.Header.Get(HeaderTimestamp)
		gotEvt = r.Header.Get(HeaderEvent)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := testClient(1).Deliver(context.Background(), testEvent(srv.URL)); err != nil {
		t.Fatalf("deliver returned error: %v", err)
	}

	if gotTS == "" {
		t.Fatal("expected timestamp header")
	}
	if !Verify("test-secret", gotTS, gotBody, gotSig) {
		t.Fatalf("signature %q does not verify", gotSig)
	}
	if gotEvt != domain.EventJobCompleted {
		t.Fatalf("expected event header job.completed, got %q", gotEvt)
	}

	var decoded domain.JobEvent
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.JobID != "job-1" {
		t.Fatalf("expected job-1 in body, got %q", decoded.JobID)
	}
}

func TestDeliverRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := testClient(3).Deliver(context.Background(), testEvent(srv.URL)); err != nil {
		t.Fatalf("deliver returned error: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestDeliverStopsOnClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	if err := testClient(3).Deliver(context.Background(), testEvent(srv.URL)); err == nil {
		t.Fatal("expected delivery error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestDeliverWithoutURLIsNoop(t *testing.T) {
	if err := testClient(1).Deliver(context.Background(), testEvent("")); err != nil {
		t.Fatalf("deliver returned error: %v", err)
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	sig := Sign("test-secret", "1700000000", []byte(`{"job_id":"a"}`))
	if Verify("test-secret", "1700000000", []byte(`{"job_id":"b"}`), sig) {
		t.Fatal("expected tampered body to fail verification")
	}
}
