package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Only-tech/agglo-transcribe/internal/capture/portaudio"
)

func NewDevicesCmd(deps *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List audio input devices",
		Long:  "List PortAudio input devices. Pass the index as client.device_index to record from one.",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := portaudio.ListInputDevices()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(devices) == 0 {
				fmt.Fprintln(out, "No input devices found")
				return nil
			}
			for _, d := range devices {
				marker := " "
				if d.IsDefault {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %2d  %s  (%d ch, %.0f Hz)\n",
					marker, d.Index, d.Name, d.MaxInputChannels, d.DefaultSampleRate)
			}
			return nil
		},
	}

	return cmd
}
