package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Only-tech/agglo-transcribe/internal/audio"
	"github.com/Only-tech/agglo-transcribe/internal/transcript"
	"github.com/Only-tech/agglo-transcribe/internal/transcription"
	"github.com/Only-tech/agglo-transcribe/internal/window"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	c, err := New(Config{ServerURL: ts.URL, UserID: "alice", UserName: "Alice", Timeout: 5 * time.Second}, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"empty url", Config{UserID: "alice"}},
		{"empty user", Config{ServerURL: "http://localhost:8080"}},
		{"bad scheme", Config{ServerURL: "ftp://localhost", UserID: "alice"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.config, nil); err == nil {
				t.Error("Expected error but got none")
			}
		})
	}
}

func TestSubmitChunk(t *testing.T) {
	var gotFields map[string]string
	var gotUser, gotMime string

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chunk" || r.Method != http.MethodPost {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotUser = r.Header.Get("X-User-Id")
		r.ParseMultipartForm(1 << 20)
		gotFields = map[string]string{
			"meetingId": r.FormValue("meetingId"),
			"sessionId": r.FormValue("sessionId"),
		}
		_, header, err := r.FormFile("audio")
		if err != nil {
			t.Errorf("Missing audio part: %v", err)
		} else {
			gotMime = header.Header.Get("Content-Type")
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "e1", "text": "hello"})
	})

	result, err := c.SubmitChunk(context.Background(), "m1", "s1", []byte("RIFF"), "w.wav", "audio/wav")
	if err != nil {
		t.Fatalf("SubmitChunk failed: %v", err)
	}
	if result == nil || result.ID != "e1" || result.Text != "hello" {
		t.Errorf("Unexpected result: %+v", result)
	}
	if gotUser != "alice" || gotFields["meetingId"] != "m1" || gotFields["sessionId"] != "s1" || gotMime != "audio/wav" {
		t.Errorf("Unexpected request: user=%s fields=%v mime=%s", gotUser, gotFields, gotMime)
	}
}

func TestSubmitChunkNullTranscription(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"transcription":null}`)
	})

	result, err := c.SubmitChunk(context.Background(), "m1", "s1", []byte("x"), "w.wav", "audio/wav")
	if err != nil {
		t.Fatalf("SubmitChunk failed: %v", err)
	}
	if result != nil {
		t.Errorf("Expected nil result, got %+v", result)
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, transcript.ErrInvalidInput},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, transcript.ErrForbidden},
		{http.StatusNotFound, transcript.ErrNotFound},
		{http.StatusServiceUnavailable, transcription.ErrEngineUnavailable},
		{http.StatusBadGateway, transcription.ErrEngineError},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, `{"error":"nope"}`)
			})

			_, err := c.EditEntry(context.Background(), "e1", "text")
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	_, err := c.ListEntries(context.Background(), "m1")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError {
		t.Errorf("Expected StatusError 500, got %v", err)
	}
	if stats := c.GetStats(); stats.Failures != 1 {
		t.Errorf("Expected 1 failure, got %d", stats.Failures)
	}
}

func TestListAndEditEntries(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/entries":
			if r.URL.Query().Get("meetingId") != "m1" {
				t.Errorf("Unexpected meetingId %q", r.URL.Query().Get("meetingId"))
			}
			io.WriteString(w, `{"entries":[{"id":"e1","text":"a"},{"id":"e2","text":"b"}]}`)
		case r.Method == http.MethodPut && r.URL.Path == "/entries/e1":
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"entry": map[string]interface{}{"id": "e1", "text": body["newText"], "isEdited": true},
			})
		default:
			http.NotFound(w, r)
		}
	})

	entries, err := c.ListEntries(context.Background(), "m1")
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	if len(entries) != 2 || entries[1].ID != "e2" {
		t.Errorf("Unexpected entries: %+v", entries)
	}

	entry, err := c.EditEntry(context.Background(), "e1", "fixed")
	if err != nil {
		t.Fatalf("EditEntry failed: %v", err)
	}
	if entry.Text != "fixed" || !entry.IsEdited {
		t.Errorf("Unexpected entry: %+v", entry)
	}
}

func TestUploadFileAndExport(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/file":
			_, header, err := r.FormFile("audio")
			if err != nil || header.Filename != "meeting.webm" || header.Header.Get("Content-Type") != "audio/webm" {
				t.Errorf("Unexpected upload: %v %+v", err, header)
			}
			io.WriteString(w, `{"id":"e9","text":"whole file"}`)
		case "/entries/export":
			if r.URL.Query().Get("names") != "false" {
				t.Errorf("Expected names=false")
			}
			io.WriteString(w, "a\n\nb")
		}
	})

	path := filepath.Join(t.TempDir(), "meeting.webm")
	os.WriteFile(path, []byte("webm-bytes"), 0644)

	result, err := c.UploadFile(context.Background(), "m1", path)
	if err != nil || result == nil || result.Text != "whole file" {
		t.Fatalf("UploadFile: %+v %v", result, err)
	}

	text, err := c.Export(context.Background(), "m1", false)
	if err != nil || text != "a\n\nb" {
		t.Errorf("Export: %q %v", text, err)
	}

	if _, err := c.UploadFile(context.Background(), "m1", filepath.Join(t.TempDir(), "missing.wav")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestChunkSubmitterEncodesWAV(t *testing.T) {
	var clip []byte
	var filename string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("audio")
		if err != nil {
			t.Errorf("Missing audio part: %v", err)
			return
		}
		defer file.Close()
		clip, _ = io.ReadAll(file)
		filename = header.Filename
		if r.FormValue("sessionId") != "sess-1" {
			t.Errorf("Expected window session id, got %q", r.FormValue("sessionId"))
		}
		io.WriteString(w, `{"id":"e1","text":"spoken"}`)
	})

	submitter := NewChunkSubmitter(c, "m1", 16000, 1, testLogger())
	pcm := make([]byte, 16000*2)
	text, err := submitter.SubmitWindow(context.Background(), window.Window{
		SessionID: "sess-1",
		Index:     3,
		Fragments: 2,
		Payload:   pcm,
	})
	if err != nil || text != "spoken" {
		t.Fatalf("SubmitWindow: %q %v", text, err)
	}
	if !strings.HasPrefix(filename, "window-0003") {
		t.Errorf("Unexpected filename %q", filename)
	}

	buf, err := audio.DecodeWAV(clip)
	if err != nil {
		t.Fatalf("Uploaded clip is not WAV: %v", err)
	}
	if buf.Format.SampleRate != 16000 || len(buf.Data) != 16000 {
		t.Errorf("Unexpected WAV: rate=%d samples=%d", buf.Format.SampleRate, len(buf.Data))
	}
}
