package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/wav"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/josuekenge/selly-capture/internal/framing"
)

var verifyWav string

var verifyCmd = &cobra.Command{
	Use:   "verify [stream-file|-]",
	Short: "Check a recorded framed stream and optionally compare it with the WAV",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = os.Stdin
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		return verifyStream(cmd.OutOrStdout(), in, verifyWav)
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyWav, "wav", "", "WAV file whose frame count should match the stream")
}

type verifyReport struct {
	Stream    framing.Summary `yaml:"stream"`
	WavFrames *int64          `yaml:"wav_frames,omitempty"`
	WavRate   int             `yaml:"wav_sample_rate,omitempty"`
}

func verifyStream(out io.Writer, in io.Reader, wavPath string) error {
	summary, err := framing.Scan(in)
	if err != nil {
		return fmt.Errorf("scan stream: %w", err)
	}
	report := verifyReport{Stream: summary}

	var problems []error
	if summary.SequenceGaps > 0 {
		problems = append(problems, fmt.Errorf("%d sequence gaps", summary.SequenceGaps))
	}
	if summary.Resyncs > 0 {
		problems = append(problems, fmt.Errorf("%d resyncs, %d bytes skipped", summary.Resyncs, summary.SkippedBytes))
	}
	if summary.Truncated {
		problems = append(problems, errors.New("stream ends with a truncated frame"))
	}

	if wavPath != "" {
		frames, rate, err := wavFrames(wavPath)
		if err != nil {
			return err
		}
		report.WavFrames, report.WavRate = &frames, rate
		if frames != summary.StereoPairs {
			problems = append(problems, fmt.Errorf("wav has %d frames, stream has %d pairs", frames, summary.StereoPairs))
		}
	}

	enc := yaml.NewEncoder(out)
	if err := enc.Encode(report); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return errors.Join(problems...)
}

func wavFrames(path string) (int64, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return 0, 0, fmt.Errorf("decode %s: %w", path, err)
	}
	if d.NumChans != 2 {
		return 0, 0, fmt.Errorf("%s has %d channels, want 2", path, d.NumChans)
	}
	return int64(len(buf.Data) / 2), int(d.SampleRate), nil
}
