package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/reelpair/reelpair/internal/ffmpeg"
)

func newDoctorCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the encoder and report which render features are available",
		RunE: func(cmd *cobra.Command, args []string) error {
			detector := ffmpeg.NewDetector(ffmpeg.ExecRunner{}, cc.cfg.FFmpegPath, cc.logger)
			caps := detector.Detect(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), doctorReport(caps, cc.cfg.FontFile))
			if !caps.VersionKnown() {
				return errors.New("encoder not usable: version could not be determined")
			}
			return nil
		},
	}
}

func doctorReport(caps ffmpeg.Capabilities, fontFile string) string {
	version := caps.VersionRaw
	if version == "" {
		version = "unknown"
	}
	font := "encoder default"
	if fontFile != "" {
		font = fontFile
		if _, err := os.Stat(fontFile); err != nil {
			font += " (missing)"
		}
	}
	rows := [][]string{
		{"encoder version", version, yesNo(caps.VersionKnown())},
		{"video cross-fade (xfade)", "", yesNo(caps.HasVideoFade)},
		{"audio cross-fade (acrossfade)", "", yesNo(caps.HasAudioFade)},
		{"text overlay (drawtext)", "", yesNo(caps.HasDrawText)},
		{"fade transitions", "requires 4.3+", yesNo(caps.FadeSupported())},
		{"font file", font, ""},
	}
	return renderTable([]string{"Check", "Detail", "Available"}, rows, nil)
}

func yesNo(ok bool) string {
	if ok {
		return "yes"
	}
	return "no"
}
