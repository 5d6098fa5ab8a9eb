package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	correctionBytesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rtkbridge_correction_bytes_total",
		Help: "RTCM bytes received from the caster and forwarded to the receiver.",
	})
	reportsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtkbridge_reports_total",
		Help: "GGA position reports sent to the caster, by result.",
	}, []string{"result"})
	sentencesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rtkbridge_sentences_total",
		Help: "Lines read from the receiver.",
	})
	fixesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rtkbridge_fixes_total",
		Help: "Lines that decoded into a position fix.",
	})
	publishErrorsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rtkbridge_publish_errors_total",
		Help: "Fix publishes that returned an error.",
	})
	reconnectsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtkbridge_reconnects_total",
		Help: "Successful reconnects after a dropped session, by side.",
	}, []string{"side"})
	loopErrorsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtkbridge_loop_errors_total",
		Help: "Loop iterations that failed and backed off, by loop.",
	}, []string{"loop"})
	fixQualityGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rtkbridge_fix_quality",
		Help: "Quality code of the last fix (4 = RTK fixed, 5 = RTK float).",
	})
	fixSatellitesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rtkbridge_fix_satellites",
		Help: "Satellites used in the last fix.",
	})
)
