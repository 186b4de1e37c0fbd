package progress

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	records    *prometheus.GaugeVec
	unresolved *prometheus.GaugeVec
	gaps       *prometheus.GaugeVec
	duration   *prometheus.GaugeVec
	failed     *prometheus.GaugeVec
	lastRun    *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		records: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clinic_import",
			Name:      "records",
			Help:      "Records processed by the last run of a phase, by outcome.",
		}, []string{"phase", "outcome", "dry_run"}),
		unresolved: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clinic_import",
			Name:      "unresolved_references",
			Help:      "References left null by the last run of a phase.",
		}, []string{"phase", "dry_run"}),
		gaps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clinic_import",
			Name:      "mapping_gaps",
			Help:      "Values that fell back to a lookup default in the last run of a phase.",
		}, []string{"phase", "dry_run"}),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clinic_import",
			Name:      "duration_seconds",
			Help:      "Wall time of the last run of a phase.",
		}, []string{"phase", "dry_run"}),
		failed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clinic_import",
			Name:      "failed",
			Help:      "Whether the last run of a phase aborted or failed validation (1/0).",
		}, []string{"phase", "dry_run"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clinic_import",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run of a phase finished.",
		}, []string{"phase", "dry_run"}),
	}
	reg.MustRegister(m.records, m.unresolved, m.gaps, m.duration, m.failed, m.lastRun)
	return m
}

func (m *metrics) observe(s Summary) {
	dry := fmt.Sprint(s.DryRun)
	for outcome, n := range map[Outcome]int{
		Created:   s.Created,
		Updated:   s.Updated,
		Unchanged: s.Unchanged,
		Skipped:   s.Skipped,
		Errored:   s.Errored,
	} {
		m.records.WithLabelValues(s.Phase, outcome.String(), dry).Set(float64(n))
	}
	m.unresolved.WithLabelValues(s.Phase, dry).Set(float64(s.Unresolved))
	m.gaps.WithLabelValues(s.Phase, dry).Set(float64(s.Gaps))
	m.duration.WithLabelValues(s.Phase, dry).Set(s.Duration.Seconds())
	failed := 0.0
	if s.Failed || s.Verdict == "FAIL" {
		failed = 1
	}
	m.failed.WithLabelValues(s.Phase, dry).Set(failed)
	m.lastRun.WithLabelValues(s.Phase, dry).SetToCurrentTime()
}

// WriteTextfile writes the summaries in the Prometheus text format to path,
// for the node exporter textfile collector. The file is replaced atomically.
func WriteTextfile(path string, summaries []Summary) error {
	reg := prometheus.NewRegistry()
	m := newMetrics(reg)
	for _, s := range summaries {
		m.observe(s)
	}
	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}
