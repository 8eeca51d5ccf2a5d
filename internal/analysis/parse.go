package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Only-tech/agglo-transcribe/internal/transcript"
)

var (
	// ErrEmptyResponse is returned when the model produced no text
	ErrEmptyResponse = errors.New("empty analysis response")

	// ErrMalformedResponse is returned when the text is not a JSON object
	ErrMalformedResponse = errors.New("malformed analysis response")

	// ErrNoTranscript is returned when a meeting has nothing to analyze
	ErrNoTranscript = errors.New("no transcript available")
)

// Result is the validated analysis of a meeting transcript
type Result struct {
	Summary     string   `json:"summary"`
	Themes      []string `json:"themes"`
	ActionItems []string `json:"actionItems"`
}

// Model produces free-form analysis text for a transcript. The provider is
// an external collaborator.
type Model interface {
	Analyze(ctx context.Context, fullText string) (string, error)
}

// Parse validates raw model output. Code fences are stripped; fields of the
// wrong type fall back to empty values instead of failing the whole payload.
func Parse(raw string) (Result, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.ReplaceAll(cleaned, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return emptyResult(), ErrEmptyResponse
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return emptyResult(), fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	result := emptyResult()
	if v, ok := payload["summary"]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil {
			result.Summary = strings.TrimSpace(s)
		}
	}
	result.Themes = stringList(payload["themes"])
	result.ActionItems = stringList(payload["actionItems"])
	return result, nil
}

// stringList keeps the non-empty string elements of a JSON array
func stringList(raw json.RawMessage) []string {
	out := []string{}
	if len(raw) == 0 {
		return out
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return out
	}
	for _, item := range items {
		var s string
		if json.Unmarshal(item, &s) == nil && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

func emptyResult() Result {
	return Result{Themes: []string{}, ActionItems: []string{}}
}

// Analyze joins the meeting's entries, asks the model and validates its answer
func Analyze(ctx context.Context, model Model, entries []transcript.Entry) (Result, error) {
	texts := make([]string, 0, len(entries))
	for _, e := range entries {
		if t := strings.TrimSpace(e.Text); t != "" {
			texts = append(texts, t)
		}
	}
	if len(texts) == 0 {
		return emptyResult(), ErrNoTranscript
	}

	raw, err := model.Analyze(ctx, strings.Join(texts, "\n"))
	if err != nil {
		return emptyResult(), fmt.Errorf("analysis model failed: %w", err)
	}
	return Parse(raw)
}
