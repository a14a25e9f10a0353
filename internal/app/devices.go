package app

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"timelapser/internal/config"
	"timelapser/internal/device"
	"timelapser/internal/device/gphoto"
	logx "timelapser/pkg/logx"
)

// DeviceInfo describes one connected camera.
type DeviceInfo struct {
	ID    string
	Model string
	Port  string
}

// ListDevices enumerates connected cameras once and releases them. Unlike the
// scheduler's registry, enumeration errors are returned.
func ListDevices(ctx context.Context, s *config.Settings, enum device.Enumerator, log logx.Logger) ([]DeviceInfo, error) {
	if enum == nil {
		enum = gphoto.New(gphoto.Options{Binary: s.Camera.Binary, CommandTimeout: s.Camera.CommandTimeout}, log)
	}
	devs, err := enum.Enumerate(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]DeviceInfo, 0, len(devs))
	for _, d := range devs {
		info := DeviceInfo{ID: d.ID(), Model: d.Model()}
		if p, ok := d.(interface{ Port() string }); ok {
			info.Port = p.Port()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	var g errgroup.Group
	for _, d := range devs {
		d := d
		g.Go(d.Close)
	}
	return out, g.Wait()
}
