package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// RequiredChannels is the only channel count the capture pipeline produces.
const RequiredChannels = 2

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var knownArchiveProviders = map[string]bool{
	"":      true,
	"local": true,
	"s3":    true,
	"azure": true,
	"gcs":   true,
	"b2":    true,
}

// ValidationResult separates errors that must stop startup from ones that
// were corrected or can be ignored.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// ValidateTiered checks the config. Out-of-range tuning values are clamped
// in place and reported as warnings; anything that would make the capture
// meaningless (wrong channel count, no output path) is fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.Channels != RequiredChannels {
		r.Fatals = append(r.Fatals, fmt.Errorf("channels must be %d (stereo), got %d", RequiredChannels, c.Channels))
	}

	if c.OutputPath == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("output_path is required"))
	} else if !filepath.IsAbs(c.OutputPath) {
		r.Fatals = append(r.Fatals, fmt.Errorf("output_path %q must be absolute", c.OutputPath))
	}

	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
		r.Warnings = append(r.Warnings, fmt.Errorf("session_id not set, generated %s", c.SessionID))
	} else if strings.ContainsAny(c.SessionID, `/\`) {
		r.Fatals = append(r.Fatals, fmt.Errorf("session_id %q must not contain path separators", c.SessionID))
	} else {
		for _, ch := range c.SessionID {
			if unicode.IsControl(ch) {
				r.Fatals = append(r.Fatals, fmt.Errorf("session_id contains control characters"))
				break
			}
		}
	}

	if err := validateStreamTarget(c.StreamTarget); err != nil {
		r.Fatals = append(r.Fatals, err)
	}

	if !knownArchiveProviders[strings.ToLower(c.Archive.Provider)] {
		r.Fatals = append(r.Fatals, fmt.Errorf("archive.provider %q is not supported (use local, s3, azure, gcs, b2)", c.Archive.Provider))
	}

	if c.SampleRate < 8000 {
		r.Warnings = append(r.Warnings, fmt.Errorf("sample_rate %d is below minimum 8000, clamping", c.SampleRate))
		c.SampleRate = 8000
	} else if c.SampleRate > 384000 {
		r.Warnings = append(r.Warnings, fmt.Errorf("sample_rate %d exceeds maximum 384000, clamping", c.SampleRate))
		c.SampleRate = 384000
	}

	c.FrameDurationMs = clampInt(&r, "frame_duration_ms", c.FrameDurationMs, 10, 1000)
	c.LoopbackBufferMs = clampInt(&r, "loopback_buffer_ms", c.LoopbackBufferMs, 10, 2000)
	c.IdleSleepMicros = clampInt(&r, "idle_sleep_us", c.IdleSleepMicros, 10, 100000)
	c.WavBatchFrames = clampInt(&r, "wav_batch_frames", c.WavBatchFrames, 1, 192000)

	if c.ChannelCapacity < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("channel_capacity %d is negative, using one second of audio", c.ChannelCapacity))
		c.ChannelCapacity = 0
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	for _, err := range r.Warnings {
		slog.Warn("config validation", "error", err)
	}
	return r
}

// EffectiveChannelCapacity is the per-source queue size: the configured value,
// or one second of audio at the requested sample rate.
func (c *Config) EffectiveChannelCapacity() int {
	if c.ChannelCapacity > 0 {
		return c.ChannelCapacity
	}
	return c.SampleRate
}

func validateStreamTarget(target string) error {
	switch {
	case target == "stdout", target == "none":
		return nil
	case strings.HasPrefix(target, "unix:") && len(target) > len("unix:"):
		return nil
	case strings.HasPrefix(target, "pipe:") && len(target) > len("pipe:"):
		return nil
	case strings.HasPrefix(target, "ws://"), strings.HasPrefix(target, "wss://"):
		return nil
	}
	return fmt.Errorf("stream_target %q is not valid (use stdout, none, unix:<path>, pipe:<name>, ws://...)", target)
}

func clampInt(r *ValidationResult, key string, v, lo, hi int) int {
	if v < lo {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", key, v, lo))
		return lo
	}
	if v > hi {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", key, v, hi))
		return hi
	}
	return v
}
