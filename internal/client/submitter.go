package client

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Only-tech/agglo-transcribe/internal/audio"
	"github.com/Only-tech/agglo-transcribe/internal/window"
)

// ChunkSubmitter uploads sliding windows of raw PCM as WAV chunks
type ChunkSubmitter struct {
	client     *Client
	meetingID  string
	sampleRate int
	channels   int
	logger     *slog.Logger
}

// NewChunkSubmitter creates a submitter for one meeting and capture format
func NewChunkSubmitter(client *Client, meetingID string, sampleRate, channels int, logger *slog.Logger) *ChunkSubmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChunkSubmitter{
		client:     client,
		meetingID:  meetingID,
		sampleRate: sampleRate,
		channels:   channels,
		logger:     logger,
	}
}

// SubmitWindow implements window.Submitter
func (s *ChunkSubmitter) SubmitWindow(ctx context.Context, w window.Window) (string, error) {
	clip, err := audio.EncodePCM(w.Payload, s.sampleRate, s.channels)
	if err != nil {
		return "", fmt.Errorf("failed to encode window %d: %w", w.Index, err)
	}

	result, err := s.client.SubmitChunk(ctx, s.meetingID, w.SessionID, clip,
		fmt.Sprintf("window-%04d.wav", w.Index), "audio/wav")
	if err != nil {
		return "", err
	}
	if result == nil {
		s.logger.Debug("Window produced no transcription",
			slog.Int("index", w.Index),
			slog.Int("fragments", w.Fragments),
		)
		return "", nil
	}
	return result.Text, nil
}
