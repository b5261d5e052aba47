package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "healthgate_build_info",
			Help: "Build information of the running healthgate binary.",
		},
		[]string{"version", "commit"},
	)
)

// InitBuildInfo registers healthgate_build_info once and sets it to 1 for the labels.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(version, commit).Set(1)
}
