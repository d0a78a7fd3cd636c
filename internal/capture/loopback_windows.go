//go:build windows

package capture

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	"golang.org/x/sys/windows"

	"github.com/josuekenge/selly-capture/internal/stage"
)

// WASAPI COM GUIDs
var (
	clsidMMDeviceEnumerator = ole.NewGUID("{BCDE0395-E52F-467C-8E3D-C4579291692E}")
	iidIMMDeviceEnumerator  = ole.NewGUID("{A95664D2-9614-4F35-A746-DE8DB63617E6}")
	iidIAudioClient         = ole.NewGUID("{1CB9AD4C-DBFA-4C32-B178-C2F568A703B2}")
	iidIAudioCaptureClient  = ole.NewGUID("{C8ADBD64-E71E-48A0-A4DE-185C395CD317}")
)

const (
	eRender  = 0
	eConsole = 0

	clsctxAll = 0x1 | 0x2 | 0x4 | 0x10

	audclntShareModeShared  = 0
	audclntStreamLoopback   = 0x00020000
	audclntBufferFlagSilent = 0x2

	waveFormatIEEEFloat  = 0x0003
	waveFormatExtensible = 0xFFFE

	// SubFormat GUID offset inside WAVEFORMATEXTENSIBLE; Data1 of
	// KSDATAFORMAT_SUBTYPE_IEEE_FLOAT is 3.
	subFormatOffset = 24

	sFalse = 0x1

	// COM vtable indices (IUnknown = 0,1,2)
	mmdeGetDefaultAudioEndpoint = 4
	mmDeviceActivate            = 3
	audioClientInitialize       = 3
	audioClientGetMixFormat     = 8
	audioClientStart            = 10
	audioClientStop             = 11
	audioClientGetService       = 14
	capClientGetBuffer          = 3
	capClientReleaseBuffer      = 4
	capClientGetNextPacketSize  = 5
)

// WAVEFORMATEX layout
type waveFormatEx struct {
	FormatTag      uint16
	Channels       uint16
	SamplesPerSec  uint32
	AvgBytesPerSec uint32
	BlockAlign     uint16
	BitsPerSample  uint16
	CbSize         uint16
}

var (
	avrtDLL                             = windows.NewLazySystemDLL("avrt.dll")
	procAvSetMmThreadCharacteristicsW   = avrtDLL.NewProc("AvSetMmThreadCharacteristicsW")
	procAvRevertMmThreadCharacteristics = avrtDLL.NewProc("AvRevertMmThreadCharacteristics")
)

// NewSystemLoopback returns a loopback source on the default render endpoint.
func NewSystemLoopback(buffer time.Duration) *Loopback {
	return NewLoopback(&wasapiEndpoint{buffer: buffer})
}

// wasapiEndpoint taps the default render device through a shared-mode
// IAudioClient initialized with AUDCLNT_STREAMFLAGS_LOOPBACK.
type wasapiEndpoint struct {
	buffer time.Duration

	comInit       bool
	mmcss         uintptr
	enumerator    *ole.IUnknown
	device        uintptr
	audioClient   uintptr
	captureClient uintptr
	running       bool
	blockAlign    int
}

func (w *wasapiEndpoint) BufferDuration() time.Duration { return w.buffer }

func (w *wasapiEndpoint) Open() (Format, error) {
	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		var oleErr *ole.OleError
		if !errors.As(err, &oleErr) || oleErr.Code() != sFalse {
			return Format{}, stage.Wrap(stage.DeviceAcquisition, fmt.Errorf("CoInitializeEx: %w", err))
		}
	}
	w.comInit = true
	w.enterMMCSS()

	enumerator, err := ole.CreateInstance(clsidMMDeviceEnumerator, iidIMMDeviceEnumerator)
	if err != nil {
		return Format{}, acquisitionErr(fmt.Errorf("create MMDeviceEnumerator: %w", err))
	}
	w.enumerator = enumerator
	enumPtr := uintptr(unsafe.Pointer(enumerator))

	if err := comCall(enumPtr, mmdeGetDefaultAudioEndpoint, "GetDefaultAudioEndpoint",
		eRender, eConsole, uintptr(unsafe.Pointer(&w.device))); err != nil {
		return Format{}, acquisitionErr(err)
	}

	if err := comCall(w.device, mmDeviceActivate, "Activate",
		uintptr(unsafe.Pointer(iidIAudioClient)), clsctxAll, 0,
		uintptr(unsafe.Pointer(&w.audioClient))); err != nil {
		return Format{}, acquisitionErr(err)
	}

	var mixFormatPtr uintptr
	if err := comCall(w.audioClient, audioClientGetMixFormat, "GetMixFormat",
		uintptr(unsafe.Pointer(&mixFormatPtr))); err != nil {
		return Format{}, stage.Wrap(stage.FormatNegotiation, err)
	}
	format := readMixFormat(mixFormatPtr)
	w.blockAlign = format.BlockAlign()

	// REFERENCE_TIME is in 100ns units.
	bufferDuration := int64(w.buffer / 100)
	err = comCall(w.audioClient, audioClientInitialize, "Initialize",
		audclntShareModeShared, audclntStreamLoopback, uintptr(bufferDuration), 0, mixFormatPtr, 0)
	ole.CoTaskMemFree(mixFormatPtr)
	if err != nil {
		return Format{}, acquisitionErr(err)
	}

	if err := comCall(w.audioClient, audioClientGetService, "GetService",
		uintptr(unsafe.Pointer(iidIAudioCaptureClient)),
		uintptr(unsafe.Pointer(&w.captureClient))); err != nil {
		return Format{}, acquisitionErr(err)
	}

	if err := comCall(w.audioClient, audioClientStart, "Start"); err != nil {
		return Format{}, acquisitionErr(err)
	}
	w.running = true
	return format, nil
}

func acquisitionErr(err error) error {
	return stage.Wrap(stage.DeviceAcquisition, fmt.Errorf("%w: %w", ErrLoopbackUnavailable, err))
}

func readMixFormat(ptr uintptr) Format {
	wf := (*waveFormatEx)(unsafe.Pointer(ptr))
	f := Format{
		Channels:      int(wf.Channels),
		SampleRate:    int(wf.SamplesPerSec),
		BitsPerSample: int(wf.BitsPerSample),
	}
	switch wf.FormatTag {
	case waveFormatIEEEFloat:
		f.Float = true
	case waveFormatExtensible:
		if wf.CbSize >= 22 {
			f.Float = *(*uint32)(unsafe.Pointer(ptr + subFormatOffset)) == waveFormatIEEEFloat
		}
	}
	return f
}

func (w *wasapiEndpoint) NextPacketSize() (uint32, error) {
	var frames uint32
	err := comCall(w.captureClient, capClientGetNextPacketSize, "GetNextPacketSize",
		uintptr(unsafe.Pointer(&frames)))
	return frames, err
}

func (w *wasapiEndpoint) ReadPacket() ([]byte, uint32, bool, error) {
	var dataPtr uintptr
	var frames, flags uint32
	if err := comCall(w.captureClient, capClientGetBuffer, "GetBuffer",
		uintptr(unsafe.Pointer(&dataPtr)),
		uintptr(unsafe.Pointer(&frames)),
		uintptr(unsafe.Pointer(&flags)),
		0, 0); err != nil {
		return nil, 0, false, err
	}
	if flags&audclntBufferFlagSilent != 0 {
		return nil, frames, true, nil
	}
	if dataPtr == 0 {
		return nil, frames, false, nil
	}
	data := unsafe.Slice((*byte)(unsafe.Pointer(dataPtr)), int(frames)*w.blockAlign)
	return data, frames, false, nil
}

func (w *wasapiEndpoint) Release(frames uint32) error {
	return comCall(w.captureClient, capClientReleaseBuffer, "ReleaseBuffer", uintptr(frames))
}

func (w *wasapiEndpoint) Close() error {
	var err error
	if w.running {
		err = comCall(w.audioClient, audioClientStop, "Stop")
		w.running = false
	}
	comRelease(w.captureClient)
	comRelease(w.audioClient)
	comRelease(w.device)
	w.captureClient, w.audioClient, w.device = 0, 0, 0
	if w.enumerator != nil {
		w.enumerator.Release()
		w.enumerator = nil
	}
	w.leaveMMCSS()
	if w.comInit {
		ole.CoUninitialize()
		w.comInit = false
	}
	return err
}

// enterMMCSS registers the capture thread with the "Pro Audio" multimedia
// class scheduler task. Failure only costs scheduling priority.
func (w *wasapiEndpoint) enterMMCSS() {
	if procAvSetMmThreadCharacteristicsW.Find() != nil {
		return
	}
	name, err := windows.UTF16PtrFromString("Pro Audio")
	if err != nil {
		return
	}
	var taskIndex uint32
	h, _, callErr := procAvSetMmThreadCharacteristicsW.Call(
		uintptr(unsafe.Pointer(name)), uintptr(unsafe.Pointer(&taskIndex)))
	if h == 0 {
		log.Debug("MMCSS registration failed", "error", callErr)
		return
	}
	w.mmcss = h
}

func (w *wasapiEndpoint) leaveMMCSS() {
	if w.mmcss != 0 {
		procAvRevertMmThreadCharacteristics.Call(w.mmcss)
		w.mmcss = 0
	}
}
