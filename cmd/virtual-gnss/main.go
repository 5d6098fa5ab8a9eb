// Command virtual-gnss runs a simulated GNSS receiver (NMEA over TCP) and
// optionally an NTRIP caster, for exercising rtkbridge without hardware.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"rtkbridge/internal/replay"
	"rtkbridge/internal/sim"
)

func main() {
	var (
		listen      = flag.String("listen", "127.0.0.1:9999", "Receiver TCP listen address")
		period      = flag.Duration("period", time.Second, "Interval between NMEA bursts")
		lat         = flag.Float64("lat", 31.82057, "Track centre latitude")
		lon         = flag.Float64("lon", 117.11530, "Track centre longitude")
		alt         = flag.Float64("alt", 50, "Altitude (m)")
		radius      = flag.Float64("radius", 5, "Track radius (m)")
		rmc         = flag.Bool("rmc", false, "Also emit RMC")
		scenario    = flag.String("scenario", "", "Solution scenario YAML (empty: steady RTK fixed)")
		converge    = flag.Bool("converge", false, "Use the built-in convergence scenario (autonomous to RTK fixed)")
		needRTCM    = flag.Bool("need-corrections", false, "Report autonomous quality until corrections arrive")
		casterAddr  = flag.String("caster", "", "Also run an NTRIP caster on this address")
		mountpoints = flag.String("mountpoints", "RTCM3", "Comma-separated caster mountpoints")
		user        = flag.String("user", "", "Caster username (empty: no auth)")
		pass        = flag.String("pass", "", "Caster password")
		replayPath  = flag.String("caster-replay", "", "Stream this correction capture from the caster instead of sample frames")
		replaySpeed = flag.Float64("replay-speed", 1, "Caster replay speed multiplier")
	)
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var scn *sim.Scenario
	switch {
	case *scenario != "":
		script, err := sim.LoadScenarioScript(*scenario)
		if err != nil {
			log.Fatalf("scenario load failed: %v", err)
		}
		scn, err = sim.NewScenario(script)
		if err != nil {
			log.Fatalf("scenario invalid: %v", err)
		}
	case *converge:
		var err error
		scn, err = sim.NewScenario(sim.Convergence)
		if err != nil {
			log.Fatalf("scenario invalid: %v", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rx := sim.NewReceiver(sim.ReceiverConfig{
		Listen:          *listen,
		Period:          *period,
		Track:           sim.Track{CenterLatDeg: *lat, CenterLonDeg: *lon, AltM: *alt, RadiusM: *radius},
		Scenario:        scn,
		EmitRMC:         *rmc,
		NeedCorrections: *needRTCM,
	})
	if err := rx.Start(); err != nil {
		log.Fatalf("receiver start failed: %v", err)
	}
	defer rx.Close()

	var caster *sim.Caster
	if *casterAddr != "" {
		var recs []replay.Record
		if *replayPath != "" {
			var err error
			recs, err = replay.ReadFile(*replayPath)
			if err != nil {
				log.Fatalf("caster replay load failed: %v", err)
			}
			log.Printf("caster replaying %s records=%d speed=%.2f", *replayPath, len(recs), *replaySpeed)
		}
		caster = sim.NewCaster(sim.CasterConfig{
			Listen:      *casterAddr,
			Mountpoints: splitList(*mountpoints),
			Username:    *user,
			Password:    *pass,
			Replay:      recs,
			ReplaySpeed: *replaySpeed,
		})
		if err := caster.Start(); err != nil {
			log.Fatalf("caster start failed: %v", err)
		}
		defer caster.Close()
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("virtual-gnss stopping")
			return
		case <-ticker.C:
			if caster != nil {
				log.Printf("stats sentences=%d rtcm_bytes=%d caster_sessions=%d caster_reports=%d caster_bad_reports=%d",
					rx.Sentences(), rx.RTCMBytes(), caster.Sessions(), caster.Reports(), caster.BadReports())
			} else {
				log.Printf("stats sentences=%d rtcm_bytes=%d", rx.Sentences(), rx.RTCMBytes())
			}
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
