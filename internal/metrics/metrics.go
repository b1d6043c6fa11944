package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	DeviceUnderrunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "voralay",
		Name:      "device_underruns_total",
		Help:      "Total number of audio device underruns observed by the pump.",
	})

	PumpTicksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "voralay",
		Name:      "pump_ticks_total",
		Help:      "Total number of completed pump scheduler ticks.",
	})

	PumpOverlapRejectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "voralay",
		Name:      "pump_overlap_rejections_total",
		Help:      "Pump ticks rejected by the re-entrancy guard. Any nonzero value indicates a scheduling bug.",
	})

	StretchStarvationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voralay",
		Name:      "stretch_starvation_total",
		Help:      "Time-stretch engine starvation events by location (edge or mid_cache).",
	}, []string{"location"})

	WindowRefetchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "voralay",
		Name:      "pcm_window_refetches_total",
		Help:      "Total number of PCM cache window rebuilds.",
	})

	ReaderPoolEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "voralay",
		Name:      "reader_pool_evictions_total",
		Help:      "Total number of reader pool entries closed by LRU eviction.",
	})

	ReaderPoolOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "voralay",
		Name:      "reader_pool_open",
		Help:      "Number of files currently held open by the reader pool.",
	})

	OfflineShortCircuitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "voralay",
		Name:      "offline_short_circuits_total",
		Help:      "Activation attempts answered from the offline registry without touching I/O.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		DeviceUnderrunsTotal,
		PumpTicksTotal,
		PumpOverlapRejectionsTotal,
		StretchStarvationTotal,
		WindowRefetchesTotal,
		ReaderPoolEvictionsTotal,
		ReaderPoolOpen,
		OfflineShortCircuitsTotal,
	)
}
