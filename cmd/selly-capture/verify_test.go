package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/josuekenge/selly-capture/internal/framing"
	"github.com/josuekenge/selly-capture/internal/sink"
)

func streamBytes(t *testing.T, batches ...[]int16) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := framing.NewWriter(&buf)
	for _, b := range batches {
		if err := w.WriteFrame(b); err != nil {
			t.Fatal(err)
		}
	}
	return buf.Bytes()
}

func TestVerifyStreamMatchesWav(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.wav")
	ws, err := sink.CreateWav(path, 16000, 8, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := ws.WriteFrame(int16(i), int16(-i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := ws.Finalize(); err != nil {
		t.Fatal(err)
	}

	stream := streamBytes(t, []int16{0, 0, 1, -1}, []int16{2, -2})
	var out bytes.Buffer
	if err := verifyStream(&out, bytes.NewReader(stream), path); err != nil {
		t.Fatalf("verifyStream: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "stereo_pairs: 3") || !strings.Contains(out.String(), "wav_frames: 3") {
		t.Fatalf("report:\n%s", out.String())
	}
}

func TestVerifyStreamReportsMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.wav")
	ws, err := sink.CreateWav(path, 16000, 8, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteFrame(1, 1); err != nil {
		t.Fatal(err)
	}
	if err := ws.Finalize(); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	err = verifyStream(&out, bytes.NewReader(streamBytes(t, []int16{1, 1, 2, 2})), path)
	if err == nil || !strings.Contains(err.Error(), "wav has 1 frames, stream has 2 pairs") {
		t.Fatalf("err = %v", err)
	}
}

func TestVerifyStreamReportsTruncation(t *testing.T) {
	stream := streamBytes(t, []int16{1, 2, 3, 4})
	var out bytes.Buffer
	err := verifyStream(&out, bytes.NewReader(stream[:len(stream)-3]), "")
	if err == nil || !strings.Contains(err.Error(), "truncated") {
		t.Fatalf("err = %v", err)
	}
}

func TestVerifyMissingWav(t *testing.T) {
	var out bytes.Buffer
	err := verifyStream(&out, bytes.NewReader(nil), filepath.Join(t.TempDir(), "nope.wav"))
	if !os.IsNotExist(err) {
		t.Fatalf("err = %v, want not-exist", err)
	}
}
