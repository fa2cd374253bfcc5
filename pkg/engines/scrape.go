package engines

import (
	"context"
	"fmt"
	"net/http"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

// ScrapePrometheus fetches a Prometheus text exposition endpoint and returns
// the first sample value of each requested metric family. With an empty
// names slice every family is returned. llama.cpp-style engines expose
// /metrics in this format.
func ScrapePrometheus(ctx context.Context, client *http.Client, endpoint string, names []string) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building metrics request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, ClassifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, NewEngineError(resp.StatusCode, fmt.Errorf("metrics endpoint returned %s", resp.Status))
	}

	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, NewProtocolError(fmt.Errorf("parsing metrics exposition: %w", err))
	}

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	out := make(map[string]float64)
	for name, family := range families {
		if len(wanted) > 0 && !wanted[name] {
			continue
		}
		if v, ok := sampleValue(family); ok {
			out[name] = v
		}
	}
	return out, nil
}

// sampleValue extracts the first sample of a metric family. Only gauges,
// counters and untyped metrics carry a single scalar we can use.
func sampleValue(family *dto.MetricFamily) (float64, bool) {
	if len(family.Metric) == 0 {
		return 0, false
	}
	m := family.Metric[0]
	switch family.GetType() {
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue(), true
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue(), true
	case dto.MetricType_UNTYPED:
		return m.GetUntyped().GetValue(), true
	default:
		return 0, false
	}
}
