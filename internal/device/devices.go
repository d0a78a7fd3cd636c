package device

import (
	"fmt"

	"github.com/gen2brain/malgo"
)

// Info describes one audio endpoint.
type Info struct {
	Kind      string
	Name      string
	IsDefault bool
}

// List enumerates capture and playback devices.
func List() ([]Info, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	var out []Info
	for _, kind := range []malgo.DeviceType{malgo.Capture, malgo.Playback} {
		infos, err := ctx.Devices(kind)
		if err != nil {
			return nil, fmt.Errorf("enumerate %s devices: %w", kindName(kind), err)
		}
		for _, info := range infos {
			out = append(out, Info{
				Kind:      kindName(kind),
				Name:      info.Name(),
				IsDefault: info.IsDefault != 0,
			})
		}
	}
	return out, nil
}

func defaultDeviceName(ctx *malgo.AllocatedContext, kind malgo.DeviceType) string {
	infos, err := ctx.Devices(kind)
	if err != nil {
		log.Debug("device enumeration failed", "error", err)
		return ""
	}
	for _, info := range infos {
		if info.IsDefault != 0 {
			return info.Name()
		}
	}
	return ""
}

func kindName(kind malgo.DeviceType) string {
	switch kind {
	case malgo.Capture:
		return "capture"
	case malgo.Playback:
		return "playback"
	default:
		return "unknown"
	}
}
