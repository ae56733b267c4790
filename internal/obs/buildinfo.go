package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "On-call handoff service build information.",
		},
		[]string{"version", "commit", "service"},
	)
)

// InitBuildInfo registers build_info once and sets build_info{version,commit,service} 1.
func InitBuildInfo(version, commit, service string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(version, commit, service).Set(1)
}
