package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Only-tech/agglo-transcribe/internal/audio"
	"github.com/Only-tech/agglo-transcribe/internal/metrics"
	"github.com/Only-tech/agglo-transcribe/internal/session"
	"github.com/Only-tech/agglo-transcribe/internal/transcript"
	"github.com/Only-tech/agglo-transcribe/internal/transcription"
)

// Converter turns uploaded audio into engine input
type Converter interface {
	Convert(ctx context.Context, in audio.Input) (*audio.Normalized, error)
}

// IngestRequest is one uploaded clip with its provenance
type IngestRequest struct {
	Kind       string // chunk, file or inbox
	MeetingID  string
	AuthorID   string
	AuthorName string
	SessionID  string // optional, chunk uploads only
	Audio      audio.Input
}

// IngestResult is the outcome of a successful ingest. Entry is nil when the
// clip produced no transcription.
type IngestResult struct {
	Entry   *transcript.Entry
	Outcome session.Outcome
}

// PipelineStats contains ingest statistics
type PipelineStats struct {
	Received    uint64 `json:"received"`
	Transcribed uint64 `json:"transcribed"`
	NoSpeech    uint64 `json:"no_speech"`
	TooShort    uint64 `json:"too_short"`
	Failed      uint64 `json:"failed"`
}

// Pipeline runs convert, transcribe and append for every uploaded clip
type Pipeline struct {
	converter Converter
	engine    transcription.Engine
	store     transcript.Store
	sessions  *session.Manager
	metrics   *metrics.Metrics
	logger    *slog.Logger

	received    atomic.Uint64
	transcribed atomic.Uint64
	noSpeech    atomic.Uint64
	tooShort    atomic.Uint64
	failed      atomic.Uint64
}

// NewPipeline creates a new ingest pipeline. sessions may be nil.
func NewPipeline(converter Converter, engine transcription.Engine, store transcript.Store,
	sessions *session.Manager, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		converter: converter,
		engine:    engine,
		store:     store,
		sessions:  sessions,
		metrics:   m,
		logger:    logger,
	}
}

// Ingest converts, transcribes and appends one clip. Too short input and
// silence are not errors; they return a result without an entry.
func (p *Pipeline) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if req.MeetingID == "" || req.AuthorID == "" {
		return nil, fmt.Errorf("%w: meeting and author are required", transcript.ErrInvalidInput)
	}

	p.received.Add(1)
	p.metrics.RecordUpload(req.Kind, len(req.Audio.Data))

	var sess *session.Session
	if req.SessionID != "" && p.sessions != nil {
		s, err := p.sessions.Touch(req.SessionID, req.MeetingID, req.AuthorID)
		if err != nil {
			return nil, err
		}
		sess = s
	}

	logger := p.logger.With(
		slog.String("kind", req.Kind),
		slog.String("meeting_id", req.MeetingID),
		slog.String("author_id", req.AuthorID),
		slog.String("session_id", req.SessionID),
	)

	outcome, entry, err := p.run(ctx, req, logger)
	if sess != nil {
		text := ""
		if entry != nil {
			text = entry.Text
		}
		sess.Record(outcome, text)
	}

	switch outcome {
	case session.OutcomeTranscribed:
		p.transcribed.Add(1)
	case session.OutcomeNoSpeech:
		p.noSpeech.Add(1)
	case session.OutcomeTooShort:
		p.tooShort.Add(1)
	default:
		p.failed.Add(1)
	}

	if err != nil {
		return nil, err
	}
	return &IngestResult{Entry: entry, Outcome: outcome}, nil
}

func (p *Pipeline) run(ctx context.Context, req IngestRequest, logger *slog.Logger) (session.Outcome, *transcript.Entry, error) {
	convStart := time.Now()
	normalized, err := p.converter.Convert(ctx, req.Audio)
	convElapsed := time.Since(convStart).Seconds()
	if err != nil {
		if errors.Is(err, audio.ErrTooShortInput) {
			p.metrics.RecordConversion("too_short", convElapsed)
			logger.Debug("Audio too short, skipping transcription",
				slog.Int("bytes", len(req.Audio.Data)),
			)
			return session.OutcomeTooShort, nil, nil
		}

		outcome := "failed"
		if errors.Is(err, audio.ErrConverterUnavailable) {
			outcome = "unavailable"
		}
		p.metrics.RecordConversion(outcome, convElapsed)
		logger.Error("Audio conversion failed", slog.String("error", err.Error()))
		return session.OutcomeFailed, nil, err
	}
	defer func() {
		if cerr := normalized.Cleanup(); cerr != nil {
			logger.Warn("Failed to remove converted audio", slog.String("error", cerr.Error()))
		}
	}()
	p.metrics.RecordConversion("ok", convElapsed)

	p.metrics.RecordTranscriptionRequest()
	start := time.Now()
	result, err := p.engine.Transcribe(ctx, normalized)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		reason := "error"
		if errors.Is(err, transcription.ErrEngineUnavailable) {
			reason = "unavailable"
		}
		p.metrics.RecordTranscriptionFailure(reason, elapsed)
		logger.Error("Transcription failed",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return session.OutcomeFailed, nil, err
	}

	if result == nil || result.Text == "" {
		p.metrics.RecordTranscriptionNoSpeech(elapsed)
		logger.Debug("No speech detected",
			slog.Duration("audio_duration", normalized.Duration),
		)
		return session.OutcomeNoSpeech, nil, nil
	}
	p.metrics.RecordTranscriptionSuccess(elapsed)

	entry, err := p.store.Append(ctx, req.MeetingID, req.AuthorID, req.AuthorName, result.Text)
	if err != nil {
		logger.Error("Failed to append transcript entry", slog.String("error", err.Error()))
		return session.OutcomeFailed, nil, fmt.Errorf("append entry: %w", err)
	}
	p.metrics.RecordEntryAppended()

	logger.Info("Transcript entry appended",
		slog.String("entry_id", entry.ID),
		slog.Int("text_length", len(entry.Text)),
		slog.String("backend", result.Backend),
		slog.Duration("transcribe_time", result.Elapsed),
	)

	return session.OutcomeTranscribed, &entry, nil
}

// GetStats returns current ingest statistics
func (p *Pipeline) GetStats() PipelineStats {
	return PipelineStats{
		Received:    p.received.Load(),
		Transcribed: p.transcribed.Load(),
		NoSpeech:    p.noSpeech.Load(),
		TooShort:    p.tooShort.Load(),
		Failed:      p.failed.Load(),
	}
}

// EngineStats returns backend specific statistics when the engine exposes them
func (p *Pipeline) EngineStats() interface{} {
	switch e := p.engine.(type) {
	case *transcription.LocalEngine:
		return e.GetStats()
	case *transcription.RemoteClient:
		return e.GetStats()
	}
	return nil
}
