package http

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// MetricsCollector is satisfied by *sdkmetric.ManualReader.
type MetricsCollector interface {
	Collect(ctx context.Context, rm *metricdata.ResourceMetrics) error
}

type metricPoint struct {
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      any               `json:"value"`
}

type metricResp struct {
	Name   string        `json:"name"`
	Unit   string        `json:"unit,omitempty"`
	Points []metricPoint `json:"points"`
}

func (h *Handler) debugMetrics(w http.ResponseWriter, r *http.Request) {
	var rm metricdata.ResourceMetrics
	if err := h.metrics.Collect(r.Context(), &rm); err != nil {
		h.log.Error("collect metrics", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResp{Kind: "internal", Message: "metrics unavailable"})
		return
	}

	out := []metricResp{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out = append(out, metricResp{Name: m.Name, Unit: m.Unit, Points: points(m.Data)})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func points(data metricdata.Aggregation) []metricPoint {
	var out []metricPoint
	switch d := data.(type) {
	case metricdata.Sum[int64]:
		for _, dp := range d.DataPoints {
			out = append(out, metricPoint{Attributes: attrs(dp.Attributes.ToSlice()), Value: dp.Value})
		}
	case metricdata.Sum[float64]:
		for _, dp := range d.DataPoints {
			out = append(out, metricPoint{Attributes: attrs(dp.Attributes.ToSlice()), Value: dp.Value})
		}
	case metricdata.Histogram[float64]:
		for _, dp := range d.DataPoints {
			out = append(out, metricPoint{
				Attributes: attrs(dp.Attributes.ToSlice()),
				Value:      map[string]any{"count": dp.Count, "sum": dp.Sum},
			})
		}
	}
	return out
}

func attrs(kvs []attribute.KeyValue) map[string]string {
	if len(kvs) == 0 {
		return nil
	}
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}
