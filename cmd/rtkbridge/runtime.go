package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"

	"rtkbridge/internal/bridge"
	"rtkbridge/internal/config"
	"rtkbridge/internal/gps"
	"rtkbridge/internal/link"
	"rtkbridge/internal/ntrip"
	"rtkbridge/internal/publish"
	"rtkbridge/internal/replay"
	"rtkbridge/internal/web"
)

// liveRuntime owns the parts built from one resolved config.
type liveRuntime struct {
	cfg    config.Config
	client *ntrip.Client
	link   *link.Link
	pub    *publish.Publisher
	bridge *bridge.Bridge
	fixes  *web.FixBroadcaster
	status *web.Status
	// capture is nil unless ntrip.capture_path is set.
	capture *replay.Writer
}

func newLiveRuntime(cfg config.Config, logger *log.Logger) (*liveRuntime, error) {
	c := cfg
	if err := config.DefaultAndValidate(&c); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}

	ncfg := c.NTRIPClient()
	ncfg.Logger = logger
	client, err := ntrip.New(ncfg)
	if err != nil {
		return nil, err
	}

	lopts := c.LinkOptions()
	lopts.Logger = logger
	rl, err := link.New(c.Endpoint, lopts)
	if err != nil {
		return nil, err
	}

	pcfg := c.Publisher()
	pcfg.Logger = logger
	if pcfg.Target == publish.TargetCallback {
		pcfg.Callback = func(rec publish.Record) error {
			logger.Printf("fix ts=%s lat=%.8f lon=%.8f alt=%.2f quality=%s sats=%d hdop=%.2f",
				rec.Timestamp, rec.Latitude, rec.Longitude, rec.Altitude, gps.QualityName(rec.Quality), rec.Satellites, rec.HDOP)
			return nil
		}
	}
	pub, err := publish.New(pcfg)
	if err != nil {
		return nil, err
	}

	var source bridge.CorrectionSource = client
	var capture *replay.Writer
	if c.NTRIP.CapturePath != "" {
		capture, err = replay.OpenWriter(c.NTRIP.CapturePath, "mountpoint="+c.NTRIP.Mountpoint)
		if err != nil {
			_ = pub.Close()
			return nil, fmt.Errorf("open capture %s: %w", c.NTRIP.CapturePath, err)
		}
		source = &capturingSource{CorrectionSource: client, w: capture, log: logger}
		logger.Printf("capturing corrections to %s", c.NTRIP.CapturePath)
	}

	fixes := web.NewFixBroadcaster()
	opts := c.BridgeOptions()
	opts.Logger = logger
	opts.OnFix = fixes.Publish
	b, err := bridge.New(source, rl, pub, opts)
	if err != nil {
		_ = pub.Close()
		if capture != nil {
			_ = capture.Close()
		}
		return nil, err
	}

	status := web.NewStatus(b, pub)
	status.SetStatic(net.JoinHostPort(c.NTRIP.Server, strconv.Itoa(c.NTRIP.Port))+"/"+c.NTRIP.Mountpoint, rl.Endpoint().String())

	return &liveRuntime{
		cfg:     c,
		client:  client,
		link:    rl,
		pub:     pub,
		bridge:  b,
		fixes:   fixes,
		status:  status,
		capture: capture,
	}, nil
}

func (r *liveRuntime) Start(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runtime is nil")
	}
	return r.bridge.Start(ctx)
}

func (r *liveRuntime) webDeps(logs *web.LogBuffer, logger *log.Logger) web.Deps {
	return web.Deps{Status: r.status, Logs: logs, Fixes: r.fixes, Logger: logger}
}

func (r *liveRuntime) Close() {
	if r == nil {
		return
	}
	if r.bridge != nil {
		r.bridge.Stop()
	}
	if r.pub != nil {
		_ = r.pub.Close()
		r.pub = nil
	}
	if r.capture != nil {
		_ = r.capture.Close()
		r.capture = nil
	}
}
