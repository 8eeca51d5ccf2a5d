package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewUploadCmd(deps *Dependencies) *cobra.Command {
	var who participant

	cmd := &cobra.Command{
		Use:   "upload FILE...",
		Short: "Transcribe audio files into a meeting",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := who.resolve(deps.Config.Client)
			if err != nil {
				return err
			}
			api, err := newAPIClient(cfg, deps.Logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var failed int
			for _, path := range args {
				result, err := api.UploadFile(cmd.Context(), cfg.MeetingID, path)
				switch {
				case err != nil:
					failed++
					fmt.Fprintf(out, "%s: failed: %v\n", path, err)
				case result == nil:
					fmt.Fprintf(out, "%s: no transcription\n", path)
				default:
					fmt.Fprintf(out, "%s: %s\n", path, result.Text)
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d uploads failed", failed, len(args))
			}
			return nil
		},
	}

	who.register(cmd)
	return cmd
}
