package session

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"gopkg.in/yaml.v3"

	"github.com/josuekenge/selly-capture/internal/capture"
	"github.com/josuekenge/selly-capture/internal/health"
)

// ManifestSuffix is appended to the WAV path to name the session manifest.
const ManifestSuffix = ".session.yaml"

// Manifest records what a capture session produced.
type Manifest struct {
	SessionID  string    `yaml:"session_id"`
	OutputPath string    `yaml:"output_path"`
	StartedAt  time.Time `yaml:"started_at"`
	StoppedAt  time.Time `yaml:"stopped_at"`
	SampleRate int       `yaml:"sample_rate"`

	Mic      SourceInfo `yaml:"mic"`
	Loopback SourceInfo `yaml:"loopback"`

	StereoFrames   uint64 `yaml:"stereo_frames"`
	StreamTarget   string `yaml:"stream_target"`
	StreamFrames   uint64 `yaml:"stream_frames"`
	StreamFailures uint64 `yaml:"stream_failures"`
	// StreamNextSeq is the sequence number the next frame would have carried.
	StreamNextSeq  uint32 `yaml:"stream_next_seq"`

	Health []health.Check `yaml:"health"`
	Host   HostInfo       `yaml:"host"`

	FinalizeError string `yaml:"finalize_error,omitempty"`
}

// SourceInfo describes one capture source.
type SourceInfo struct {
	Available bool           `yaml:"available"`
	Device    string         `yaml:"device,omitempty"`
	Format    capture.Format `yaml:"format"`
	Dropped   uint64         `yaml:"dropped_samples"`
	Error     string         `yaml:"error,omitempty"`
}

// HostInfo is the subset of host facts recorded with a session.
type HostInfo struct {
	Hostname        string `yaml:"hostname"`
	OS              string `yaml:"os"`
	Platform        string `yaml:"platform,omitempty"`
	PlatformVersion string `yaml:"platform_version,omitempty"`
	KernelArch      string `yaml:"kernel_arch,omitempty"`
}

// Duration is the wall-clock length of the session.
func (m *Manifest) Duration() time.Duration {
	return m.StoppedAt.Sub(m.StartedAt)
}

func collectHostInfo() HostInfo {
	info, err := host.Info()
	if err != nil {
		name, _ := os.Hostname()
		return HostInfo{Hostname: name, OS: runtime.GOOS}
	}
	return HostInfo{
		Hostname:        info.Hostname,
		OS:              info.OS,
		Platform:        info.Platform,
		PlatformVersion: info.PlatformVersion,
		KernelArch:      info.KernelArch,
	}
}

// ManifestPath returns the manifest location for a WAV output path.
func ManifestPath(outputPath string) string {
	return outputPath + ManifestSuffix
}

// WriteManifest writes m as YAML to path.
func WriteManifest(path string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}
