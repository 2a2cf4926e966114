package metric

import (
	dto "github.com/prometheus/client_model/go"

	"github.com/c360/cellmate/errors"
)

// CounterTotals sums the counter family name by the value of label. It
// returns an empty map when the family has no samples yet.
func (r *MetricsRegistry) CounterTotals(name, label string) (map[string]float64, error) {
	families, err := r.prom.Gather()
	if err != nil {
		return nil, errors.WrapTransient(err, "MetricsRegistry", "CounterTotals", "gather metrics")
	}

	totals := make(map[string]float64)
	for _, family := range families {
		if family.GetName() != name || family.GetType() != dto.MetricType_COUNTER {
			continue
		}
		for _, m := range family.GetMetric() {
			totals[labelValue(m, label)] += m.GetCounter().GetValue()
		}
	}
	return totals, nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}
