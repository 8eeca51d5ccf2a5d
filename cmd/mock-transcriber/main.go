// Command mock-transcriber serves a canned speech-to-text API for local runs
// of the remote transcription backend.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/Only-tech/agglo-transcribe/internal/audio"
)

type transcriptionResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

type mockHandler struct {
	text   string
	apiKey string
	delay  time.Duration
	logger *slog.Logger
}

func newRouter(h *mockHandler) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/v1/audio/transcriptions", h.transcribe).Methods(http.MethodPost)
	return router
}

func (h *mockHandler) transcribe(w http.ResponseWriter, r *http.Request) {
	if h.apiKey != "" && r.Header.Get("Authorization") != "Bearer "+h.apiKey {
		http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
		return
	}

	if err := r.ParseMultipartForm(25 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	var duration time.Duration
	if info, err := audio.ProbeWAV(bytes.NewReader(data), int64(len(data))); err == nil {
		duration = info.Duration
	}

	h.logger.Info("Transcription request received",
		slog.String("filename", header.Filename),
		slog.Int("bytes", len(data)),
		slog.Duration("duration", duration),
		slog.String("model", r.FormValue("model")),
		slog.String("language", r.FormValue("language")),
	)

	time.Sleep(h.delay)

	language := r.FormValue("language")
	if language == "" {
		language = "en"
	}

	if r.FormValue("response_format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, h.text)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(transcriptionResponse{
		Text:     h.text,
		Language: language,
		Duration: duration.Seconds(),
	})
}

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	text := flag.String("text", "This is a mock transcription.", "Text returned for every request")
	apiKey := flag.String("api-key", "", "Required bearer token, empty accepts any")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	h := &mockHandler{text: *text, apiKey: *apiKey, delay: *delay, logger: logger}

	endpoint := "http://localhost" + *addr
	if !strings.HasPrefix(*addr, ":") {
		endpoint = "http://" + *addr
	}
	logger.Info("Mock transcription server starting",
		slog.String("endpoint", endpoint+"/v1/audio/transcriptions"),
	)

	if err := http.ListenAndServe(*addr, newRouter(h)); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
