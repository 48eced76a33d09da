package segment

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRemote_SendsMultipartFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("read form file: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(append([]byte("annotated:"), data...))
	}))
	defer srv.Close()

	out, err := NewRemote(srv.URL, time.Second).Segment(context.Background(), []byte("photo"))
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	if string(out) != "annotated:photo" {
		t.Fatalf("unexpected response body %q", out)
	}
}

func TestRemote_FailsOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := NewRemote(srv.URL, time.Second).Segment(context.Background(), []byte("photo")); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestRemote_FailsOnEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if _, err := NewRemote(srv.URL, time.Second).Segment(context.Background(), []byte("photo")); err == nil {
		t.Fatal("expected error for empty body")
	}
}

func TestRemote_RespectsContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		_, _ = w.Write([]byte("late"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := NewRemote(srv.URL, 5*time.Second).Segment(ctx, []byte("photo")); err == nil {
		t.Fatal("expected deadline error")
	}
}
