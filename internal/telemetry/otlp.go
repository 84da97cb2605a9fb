package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// OTLPExporter posts metrics to an OTLP/HTTP collector as JSON.
type OTLPExporter struct {
	endpoint string
	resource []otlpAttribute
	client   *http.Client
}

// NewOTLPExporter creates an exporter. resource is attached to every batch; service.name
// defaults to ladapter.
func NewOTLPExporter(endpoint string, resource map[string]string) *OTLPExporter {
	attrs := map[string]string{"service.name": "ladapter"}
	for k, v := range resource {
		attrs[k] = v
	}
	return &OTLPExporter{
		endpoint: endpoint,
		resource: attributes(attrs),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// otlpMetricsPayload is the subset of the OTLP JSON encoding the collector emits.
type otlpMetricsPayload struct {
	ResourceMetrics []otlpResourceMetrics `json:"resourceMetrics"`
}

type otlpResourceMetrics struct {
	Resource     otlpResource       `json:"resource"`
	ScopeMetrics []otlpScopeMetrics `json:"scopeMetrics"`
}

type otlpResource struct {
	Attributes []otlpAttribute `json:"attributes"`
}

type otlpScopeMetrics struct {
	Scope   otlpScope    `json:"scope"`
	Metrics []otlpMetric `json:"metrics"`
}

type otlpScope struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type otlpMetric struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Unit        string         `json:"unit,omitempty"`
	Sum         *otlpSum       `json:"sum,omitempty"`
	Gauge       *otlpGauge     `json:"gauge,omitempty"`
	Histogram   *otlpHistogram `json:"histogram,omitempty"`
}

type otlpSum struct {
	DataPoints             []otlpNumberDataPoint `json:"dataPoints"`
	AggregationTemporality int                   `json:"aggregationTemporality"`
	IsMonotonic            bool                  `json:"isMonotonic"`
}

type otlpGauge struct {
	DataPoints []otlpNumberDataPoint `json:"dataPoints"`
}

type otlpHistogram struct {
	DataPoints             []otlpHistogramDataPoint `json:"dataPoints"`
	AggregationTemporality int                      `json:"aggregationTemporality"`
}

type otlpNumberDataPoint struct {
	Attributes   []otlpAttribute `json:"attributes,omitempty"`
	TimeUnixNano int64           `json:"timeUnixNano"`
	AsDouble     float64         `json:"asDouble"`
}

type otlpHistogramDataPoint struct {
	Attributes     []otlpAttribute `json:"attributes,omitempty"`
	TimeUnixNano   int64           `json:"timeUnixNano"`
	Count          int64           `json:"count"`
	Sum            float64         `json:"sum"`
	BucketCounts   []int64         `json:"bucketCounts"`
	ExplicitBounds []float64       `json:"explicitBounds"`
}

type otlpAttribute struct {
	Key   string    `json:"key"`
	Value otlpValue `json:"value"`
}

type otlpValue struct {
	StringValue string `json:"stringValue,omitempty"`
}

// Export sends metrics to the endpoint.
func (e *OTLPExporter) Export(metrics []Metric) error {
	if len(metrics) == 0 {
		return nil
	}

	data, err := json.Marshal(e.convertToOTLP(metrics))
	if err != nil {
		return fmt.Errorf("marshal OTLP payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, e.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("OTLP endpoint returned status %d", resp.StatusCode)
	}

	log.Debug().
		Str("endpoint", e.endpoint).
		Int("metric_count", len(metrics)).
		Msg("Exported metrics via OTLP")
	return nil
}

// attributes converts labels into OTLP attributes in key order.
func attributes(labels map[string]string) []otlpAttribute {
	if len(labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]otlpAttribute, 0, len(keys))
	for _, k := range keys {
		out = append(out, otlpAttribute{Key: k, Value: otlpValue{StringValue: labels[k]}})
	}
	return out
}

func (e *OTLPExporter) convertToOTLP(metrics []Metric) otlpMetricsPayload {
	out := make([]otlpMetric, 0, len(metrics))
	for _, m := range metrics {
		attrs := attributes(m.Labels)
		ts := m.Timestamp.UnixNano()
		point := otlpNumberDataPoint{Attributes: attrs, TimeUnixNano: ts, AsDouble: m.Value}

		om := otlpMetric{Name: m.Name, Unit: m.Unit}
		switch m.Type {
		case Counter:
			om.Sum = &otlpSum{
				DataPoints:             []otlpNumberDataPoint{point},
				AggregationTemporality: 1, // delta: each sample is an increment
				IsMonotonic:            true,
			}
		case Histogram, Timer:
			om.Histogram = &otlpHistogram{
				DataPoints: []otlpHistogramDataPoint{{
					Attributes:     attrs,
					TimeUnixNano:   ts,
					Count:          1,
					Sum:            m.Value,
					BucketCounts:   []int64{1},
					ExplicitBounds: []float64{},
				}},
				AggregationTemporality: 1,
			}
		default:
			om.Gauge = &otlpGauge{DataPoints: []otlpNumberDataPoint{point}}
		}
		out = append(out, om)
	}

	return otlpMetricsPayload{
		ResourceMetrics: []otlpResourceMetrics{{
			Resource: otlpResource{Attributes: e.resource},
			ScopeMetrics: []otlpScopeMetrics{{
				Scope:   otlpScope{Name: "github.com/3cpo-dev/ladapter/internal/telemetry"},
				Metrics: out,
			}},
		}},
	}
}
