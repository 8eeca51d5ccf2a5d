package livesync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Only-tech/agglo-transcribe/internal/transcript"
)

// Source feeds a View until its context is cancelled
type Source interface {
	Run(ctx context.Context, view *View) error
}

// Lister fetches the ordered transcript of a meeting
type Lister interface {
	ListEntries(ctx context.Context, meetingID string) ([]transcript.Entry, error)
}

// Dialer opens the websocket change feed of a meeting
type Dialer interface {
	DialEntries(ctx context.Context, meetingID string) (*websocket.Conn, error)
}

// Poller reconciles the full transcript on a fixed interval
type Poller struct {
	lister    Lister
	meetingID string
	interval  time.Duration
	logger    *slog.Logger
}

// NewPoller creates a polling source
func NewPoller(lister Lister, meetingID string, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		lister:    lister,
		meetingID: meetingID,
		interval:  interval,
		logger:    logger.With(slog.String("meeting_id", meetingID)),
	}
}

// Run polls immediately and then every interval. Fetch errors are logged
// and retried on the next tick.
func (p *Poller) Run(ctx context.Context, view *View) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.poll(ctx, view)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Poller) poll(ctx context.Context, view *View) {
	entries, err := p.lister.ListEntries(ctx, p.meetingID)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("Failed to fetch transcript", slog.String("error", err.Error()))
		}
		return
	}
	if change := view.Reconcile(entries); !change.Empty() {
		p.logger.Debug("Transcript reconciled",
			slog.Int("inserted", len(change.Inserted)),
			slog.Int("updated", len(change.Updated)),
		)
	}
}

// Subscriber applies pushed change events and resynchronizes with a full
// listing on every (re)connect, since events are dropped while disconnected.
type Subscriber struct {
	dialer    Dialer
	lister    Lister
	meetingID string
	retry     time.Duration
	logger    *slog.Logger
}

// NewSubscriber creates a push source
func NewSubscriber(dialer Dialer, lister Lister, meetingID string, retry time.Duration, logger *slog.Logger) *Subscriber {
	if retry <= 0 {
		retry = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		dialer:    dialer,
		lister:    lister,
		meetingID: meetingID,
		retry:     retry,
		logger:    logger.With(slog.String("meeting_id", meetingID)),
	}
}

// Run keeps a feed connection open until ctx is cancelled
func (s *Subscriber) Run(ctx context.Context, view *View) error {
	backoff := s.retry
	for {
		err := s.session(ctx, view)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			backoff = s.retry
		} else {
			s.logger.Warn("Transcript feed disconnected",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if err != nil && backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// session runs one connection; it returns nil when the server closed normally
func (s *Subscriber) session(ctx context.Context, view *View) error {
	conn, err := s.dialer.DialEntries(ctx, s.meetingID)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	if s.lister != nil {
		entries, err := s.lister.ListEntries(ctx, s.meetingID)
		if err != nil {
			return err
		}
		view.Reconcile(entries)
	}

	s.logger.Info("Transcript feed connected")
	for {
		var event transcript.Event
		if err := conn.ReadJSON(&event); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
				return nil
			}
			return err
		}
		view.Apply(event)
	}
}
