package server

import (
	"strconv"
	"time"

	"github.com/citywater/citywater/pkg/city4u"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citywater_polls_total",
			Help: "Total number of poll attempts per meter.",
		},
		[]string{"meter", "result"},
	)
	pollDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "citywater_poll_duration_seconds",
			Help:    "Poll latency in seconds, covering login and fetch.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"meter"},
	)
	meterConsumption = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "citywater_meter_consumption",
			Help: "Latest cumulative consumption reported per meter, in cubic meters.",
		},
		[]string{"meter"},
	)
)

func observePoll(meter string, err error, dur time.Duration) {
	result := "ok"
	if err != nil {
		if kind := city4u.KindOf(err); kind != 0 {
			result = kind.String()
		} else {
			result = "error"
		}
	}
	pollsTotal.WithLabelValues(meter, result).Inc()
	pollDurationSeconds.WithLabelValues(meter).Observe(dur.Seconds())
}

func recordConsumption(meter, consumption string) {
	v, err := strconv.ParseFloat(consumption, 64)
	if err != nil {
		return
	}
	meterConsumption.WithLabelValues(meter).Set(v)
}
