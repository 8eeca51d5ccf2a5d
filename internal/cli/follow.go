package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Only-tech/agglo-transcribe/internal/client"
	"github.com/Only-tech/agglo-transcribe/internal/config"
	"github.com/Only-tech/agglo-transcribe/internal/livesync"
)

// participant holds the identity flags shared by client subcommands
type participant struct {
	meetingID string
	userID    string
	userName  string
}

func (p *participant) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&p.meetingID, "meeting", "m", "", "Meeting id (defaults to client.meeting_id)")
	cmd.Flags().StringVarP(&p.userID, "user", "u", "", "User id (defaults to client.user_id)")
	cmd.Flags().StringVar(&p.userName, "name", "", "Display name (defaults to client.user_name)")
}

// resolve applies the flags over the client configuration
func (p *participant) resolve(cfg config.ClientConfig) (config.ClientConfig, error) {
	if p.meetingID != "" {
		cfg.MeetingID = p.meetingID
	}
	if p.userID != "" {
		cfg.UserID = p.userID
	}
	if p.userName != "" {
		cfg.UserName = p.userName
	}
	if cfg.MeetingID == "" {
		return cfg, fmt.Errorf("meeting id is required (--meeting or client.meeting_id)")
	}
	if cfg.UserID == "" {
		return cfg, fmt.Errorf("user id is required (--user or client.user_id)")
	}
	if cfg.UserName == "" {
		cfg.UserName = cfg.UserID
	}
	return cfg, nil
}

func newAPIClient(cfg config.ClientConfig, logger *slog.Logger) (*client.Client, error) {
	return client.New(client.Config{
		ServerURL: cfg.ServerURL,
		UserID:    cfg.UserID,
		UserName:  cfg.UserName,
		Timeout:   cfg.GetSubmitTimeout(),
	}, logger)
}

// newSyncSource picks polling or the websocket feed
func newSyncSource(cfg config.ClientConfig, api *client.Client, logger *slog.Logger) livesync.Source {
	if cfg.Sync == "websocket" {
		return livesync.NewSubscriber(api, api, cfg.MeetingID, time.Second, logger)
	}
	return livesync.NewPoller(api, cfg.MeetingID, cfg.GetPollInterval(), logger)
}

// transcriptPrinter renders view snapshots as an append-only log
type transcriptPrinter struct {
	mu         sync.Mutex
	out        io.Writer
	printed    map[string]string
	processing bool
}

func newTranscriptPrinter(out io.Writer) *transcriptPrinter {
	return &transcriptPrinter{out: out, printed: make(map[string]string)}
}

func (p *transcriptPrinter) Render(snap livesync.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range snap.Entries {
		prev, seen := p.printed[e.ID]
		switch {
		case !seen:
			fmt.Fprintf(p.out, "[%s] %s: %s  (%s)\n",
				e.Timestamp.Local().Format("15:04:05"), e.AuthorName, e.Text, shortID(e.ID))
		case prev != e.Text:
			fmt.Fprintf(p.out, "[%s] %s (edited): %s  (%s)\n",
				e.Timestamp.Local().Format("15:04:05"), e.AuthorName, e.Text, shortID(e.ID))
		}
		p.printed[e.ID] = e.Text
	}

	if snap.Processing && !p.processing {
		fmt.Fprintln(p.out, "transcribing...")
	}
	p.processing = snap.Processing
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func NewFollowCmd(deps *Dependencies) *cobra.Command {
	var who participant
	var once, names bool

	cmd := &cobra.Command{
		Use:   "follow",
		Short: "Print a meeting transcript as it grows",
		Long:  "Print a meeting transcript live using the configured sync mode.\nUse --once to print the plain-text export and exit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := who.resolve(deps.Config.Client)
			if err != nil {
				return err
			}
			api, err := newAPIClient(cfg, deps.Logger)
			if err != nil {
				return err
			}

			if once {
				text, err := api.Export(cmd.Context(), cfg.MeetingID, names)
				if err != nil {
					return fmt.Errorf("export failed: %w", err)
				}
				fmt.Fprint(cmd.OutOrStdout(), text)
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			printer := newTranscriptPrinter(cmd.OutOrStdout())
			view := livesync.NewView(printer.Render)
			err = newSyncSource(cfg, api, deps.Logger).Run(ctx, view)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	who.register(cmd)
	cmd.Flags().BoolVar(&once, "once", false, "Print the exported transcript and exit")
	cmd.Flags().BoolVar(&names, "names", true, "Include speaker names in the export")

	return cmd
}
