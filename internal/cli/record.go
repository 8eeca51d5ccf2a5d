package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Only-tech/agglo-transcribe/internal/capture"
	"github.com/Only-tech/agglo-transcribe/internal/capture/portaudio"
	"github.com/Only-tech/agglo-transcribe/internal/client"
	"github.com/Only-tech/agglo-transcribe/internal/config"
	"github.com/Only-tech/agglo-transcribe/internal/livesync"
	"github.com/Only-tech/agglo-transcribe/internal/meter"
	"github.com/Only-tech/agglo-transcribe/internal/recorder"
	"github.com/Only-tech/agglo-transcribe/internal/window"
)

const stopTimeout = 10 * time.Second

func NewRecordCmd(deps *Dependencies) *cobra.Command {
	var who participant

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record and transcribe a meeting live",
		Long: "Capture the microphone, submit overlapping windows for transcription and print the shared transcript.\n" +
			"Type pause, resume, status, edit <id> <text> or stop on stdin. Ctrl+C also stops.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := who.resolve(deps.Config.Client)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			device := newCaptureDevice(cfg, deps.Config.Audio.FFmpegPath, deps.Logger)
			return runRecording(ctx, cfg, device, cmd.InOrStdin(), cmd.OutOrStdout(), deps.Logger)
		},
	}

	who.register(cmd)
	return cmd
}

// newCaptureDevice returns the configured microphone backend
func newCaptureDevice(cfg config.ClientConfig, ffmpegPath string, logger *slog.Logger) recorder.Device {
	if cfg.Device == "ffmpeg" {
		return capture.NewFFmpegDevice(capture.FFmpegConfig{
			Command:     ffmpegPath,
			InputFormat: cfg.InputFormat,
			InputDevice: cfg.InputDevice,
		})
	}
	return portaudio.NewDevice(cfg.DeviceIndex, 0, logger)
}

// recording wires one live session: recorder into window buffer, buffer into
// the server, server back into the local view
type recording struct {
	cfg      config.ClientConfig
	api      *client.Client
	recorder *recorder.Recorder
	buffer   *window.Buffer
	view     *livesync.View
	out      io.Writer
	logger   *slog.Logger

	levelMu sync.Mutex
	level   meter.Level
}

func runRecording(ctx context.Context, cfg config.ClientConfig, device recorder.Device,
	in io.Reader, out io.Writer, logger *slog.Logger) error {

	api, err := newAPIClient(cfg, logger)
	if err != nil {
		return err
	}

	r := &recording{cfg: cfg, api: api, out: out, logger: logger}
	r.view = livesync.NewView(newTranscriptPrinter(out).Render)

	submitter := client.NewChunkSubmitter(api, cfg.MeetingID, cfg.SampleRate, cfg.Channels, logger)
	r.buffer = window.New(submitter, window.Config{
		MinFragmentBytes: cfg.MinFragmentBytes,
		SubmitTimeout:    cfg.GetSubmitTimeout(),
		OnPendingChange:  r.view.SetProcessing,
		OnResult:         r.onResult,
	}, logger)

	r.recorder, err = recorder.New(device, recorder.Config{
		Format:  recorder.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels},
		OnLevel: r.onLevel,
		OnStateChange: func(from, to recorder.State) {
			logger.Debug("Recorder state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	}, logger)
	if err != nil {
		return err
	}

	syncCtx, cancelSync := context.WithCancel(ctx)
	var syncWG sync.WaitGroup
	syncWG.Add(1)
	go func() {
		defer syncWG.Done()
		err := newSyncSource(cfg, api, logger).Run(syncCtx, r.view)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Transcript sync stopped", slog.String("error", err.Error()))
		}
	}()
	defer func() {
		cancelSync()
		syncWG.Wait()
	}()

	// The device lives until Stop, not until the signal context ends
	if err := r.recorder.Start(context.WithoutCancel(ctx), cfg.GetInterval(), r.buffer); err != nil {
		return err
	}
	fmt.Fprintf(out, "Recording meeting %s (session %s)\n", cfg.MeetingID, shortID(r.buffer.SessionID()))

	commands := readCommands(in)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-commands:
			if !ok {
				// stdin closed; keep recording until a signal arrives
				commands = nil
				continue
			}
			if r.handleCommand(ctx, line) {
				break loop
			}
		}
	}

	return r.finish()
}

func readCommands(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				lines <- line
			}
		}
	}()
	return lines
}

// onResult surfaces a run of unavailable-engine failures once per run
func (r *recording) onResult(w window.Window, text string, err error) {
	if err == nil || r.cfg.MaxUnavailable <= 0 {
		return
	}
	if n := r.buffer.ConsecutiveUnavailable(); n == r.cfg.MaxUnavailable {
		r.logger.Error("Transcription service unavailable",
			slog.Int("consecutive_failures", n),
			slog.Int("window", w.Index),
		)
		fmt.Fprintf(r.out, "transcription service unavailable for %d windows in a row, still recording\n", n)
	}
}

func (r *recording) onLevel(level meter.Level) {
	r.levelMu.Lock()
	r.level = level
	r.levelMu.Unlock()
}

func (r *recording) printStatus() {
	r.levelMu.Lock()
	level := r.level
	r.levelMu.Unlock()

	stats := r.recorder.MeterStats()
	fmt.Fprintf(r.out, "%s: level %.3f (peak %.3f), sound %.0f%%, %d windows pending, %d fragments\n",
		r.recorder.State(), level.Smoothed, level.Peak, stats.SoundPercentage,
		r.buffer.Pending(), r.recorder.Fragments())
}

// handleCommand runs one stdin command and reports whether to stop
func (r *recording) handleCommand(ctx context.Context, line string) bool {
	fields := strings.SplitN(line, " ", 3)
	switch fields[0] {
	case "stop", "quit":
		return true
	case "pause":
		if !r.recorder.Pause() {
			fmt.Fprintf(r.out, "cannot pause while %s\n", r.recorder.State())
		} else {
			fmt.Fprintln(r.out, "paused")
		}
	case "resume":
		if !r.recorder.Resume() {
			fmt.Fprintf(r.out, "cannot resume while %s\n", r.recorder.State())
		} else {
			fmt.Fprintln(r.out, "recording")
		}
	case "status":
		r.printStatus()
	case "edit":
		if len(fields) < 3 {
			fmt.Fprintln(r.out, "usage: edit <id> <text>")
			return false
		}
		r.edit(ctx, fields[1], fields[2])
	default:
		fmt.Fprintf(r.out, "unknown command %q\n", fields[0])
	}
	return false
}

func (r *recording) edit(ctx context.Context, prefix, text string) {
	var id string
	for _, e := range r.view.Entries() {
		if strings.HasPrefix(e.ID, prefix) {
			id = e.ID
			break
		}
	}
	if id == "" {
		fmt.Fprintf(r.out, "no entry %s\n", prefix)
		return
	}

	if _, ok := r.view.BeginEdit(id); !ok {
		fmt.Fprintf(r.out, "no entry %s\n", prefix)
		return
	}
	if _, err := r.view.CommitEdit(ctx, r.api, id, text); err != nil {
		r.view.CancelEdit(id)
		fmt.Fprintf(r.out, "edit failed: %v\n", err)
	}
}

// finish stops capture, waits for outstanding windows and pulls the final
// transcript once more
func (r *recording) finish() error {
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	stopErr := r.recorder.Stop(stopCtx)

	if pending := r.buffer.Pending(); pending > 0 {
		fmt.Fprintf(r.out, "waiting for %d windows...\n", pending)
	}
	waitCtx, cancelWait := context.WithTimeout(context.Background(), r.cfg.GetSubmitTimeout())
	defer cancelWait()
	if err := r.buffer.Wait(waitCtx); err != nil {
		r.logger.Warn("Gave up waiting for pending windows", slog.Int("pending", r.buffer.Pending()))
	}

	listCtx, cancelList := context.WithTimeout(context.Background(), stopTimeout)
	defer cancelList()
	if entries, err := r.api.ListEntries(listCtx, r.cfg.MeetingID); err == nil {
		r.view.Reconcile(entries)
	}

	stats := r.buffer.GetStats()
	r.logger.Info("Recording finished",
		slog.Uint64("fragments", stats.FragmentsReceived),
		slog.Uint64("windows_submitted", stats.WindowsSubmitted),
		slog.Uint64("windows_succeeded", stats.WindowsSucceeded),
		slog.Uint64("windows_empty", stats.WindowsEmpty),
		slog.Uint64("windows_failed", stats.WindowsFailed),
	)
	fmt.Fprintf(r.out, "stopped: %d windows, %d transcribed\n", stats.WindowsSubmitted, stats.WindowsSucceeded)

	return stopErr
}
