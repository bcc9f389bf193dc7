package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scribelab/scribed/internal/config"
	"github.com/scribelab/scribed/internal/segment"
)

func writeAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "segment-0.wav")
	if err := os.WriteFile(path, []byte("RIFFfakewav"), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	return path
}

func testSegment(t *testing.T) segment.Segment {
	return segment.Segment{
		SessionID: "3e9f0a1c-9f52-4f5e-bb0e-2a4f6f9d21aa",
		Index:     4,
		AudioPath: writeAudio(t),
		Status:    segment.StatusUploading,
	}
}

func newClient(endpoint string) Client {
	return NewHTTPClient(config.RemoteConfig{
		Endpoint:      endpoint,
		Token:         "secret-token",
		UploadTimeout: 5000,
	})
}

func TestUploadWireContract(t *testing.T) {
	var gotAuth, gotSession, gotIndex string
	var gotAudio []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		gotSession = r.FormValue("session_id")
		gotIndex = r.FormValue("segment_index")
		file, _, err := r.FormFile("audio_file")
		if err != nil {
			t.Errorf("audio_file missing: %v", err)
		} else {
			buf := make([]byte, 32)
			n, _ := file.Read(buf)
			gotAudio = buf[:n]
			file.Close()
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success": true, "data": {"transcript_text": "the quick brown fox"}}`))
	}))
	defer srv.Close()

	result, err := newClient(srv.URL).Upload(context.Background(), testSegment(t))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if result.Transcript != "the quick brown fox" {
		t.Fatalf("unexpected transcript: %q", result.Transcript)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("unexpected auth header: %q", gotAuth)
	}
	if gotSession != "3e9f0a1c-9f52-4f5e-bb0e-2a4f6f9d21aa" {
		t.Fatalf("unexpected session_id: %q", gotSession)
	}
	if gotIndex != "4" {
		t.Fatalf("unexpected segment_index: %q", gotIndex)
	}
	if string(gotAudio) != "RIFFfakewav" {
		t.Fatalf("unexpected audio payload: %q", gotAudio)
	}
}

func TestUploadEnvelopeErrorCodes(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		retryable bool
		code      string
	}{
		{"rate limit", 429, `{"success": false, "error": {"code": "RATE_LIMIT_EXCEEDED", "message": "slow down"}}`, true, CodeRateLimitExceeded},
		{"unavailable", 503, `{"success": false, "error": {"code": "SERVICE_UNAVAILABLE", "message": "maintenance"}}`, true, CodeServiceUnavailable},
		{"timeout", 504, `{"success": false, "error": {"code": "PROCESSING_TIMEOUT", "message": "too slow"}}`, true, CodeProcessingTimeout},
		{"bad token", 401, `{"success": false, "error": {"code": "INVALID_TOKEN", "message": "expired"}}`, false, CodeInvalidToken},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := newClient(srv.URL).Upload(context.Background(), testSegment(t))
			var ue *Error
			if !errors.As(err, &ue) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if ue.Code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, ue.Code)
			}
			if ue.Retryable != tc.retryable {
				t.Fatalf("expected retryable=%v, got %v", tc.retryable, ue.Retryable)
			}
		})
	}
}

func TestUploadBareStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{500, true},
		{503, true},
		{429, true},
		{400, false},
		{401, false},
		{403, false},
		{404, false},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte("not json"))
		}))

		_, err := newClient(srv.URL).Upload(context.Background(), testSegment(t))
		srv.Close()

		var ue *Error
		if !errors.As(err, &ue) {
			t.Fatalf("status %d: expected *Error, got %v", tc.status, err)
		}
		if ue.Retryable != tc.retryable {
			t.Fatalf("status %d: expected retryable=%v", tc.status, tc.retryable)
		}
	}
}

func TestUploadTransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	_, err := newClient(srv.URL).Upload(context.Background(), testSegment(t))
	if err == nil {
		t.Fatal("expected transport error")
	}
	if !Retryable(err) {
		t.Fatalf("transport errors must be retryable: %v", err)
	}
}

func TestUploadTimeoutIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewHTTPClient(config.RemoteConfig{Endpoint: srv.URL, Token: "t", UploadTimeout: 20})
	_, err := c.Upload(context.Background(), testSegment(t))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !Retryable(err) {
		t.Fatalf("timeouts must be retryable: %v", err)
	}
}
