package metrics

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// Registry holds a fixed set of counter and gauge families and renders them
// in the Prometheus text exposition format.
//
// All methods are safe for concurrent use. A nil *Registry is valid and
// records nothing, so components can take one optionally.
type Registry struct {
	mu       sync.Mutex
	families map[string]*family
}

type family struct {
	name       string
	help       string
	typ        dto.MetricType
	labelNames []string
	series     map[string]*series
}

type series struct {
	labels []string
	value  float64
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{families: make(map[string]*family)}
}

// Vec is a handle on one metric family. Label values passed to its methods
// must match the label names given at registration, in order.
type Vec struct {
	r    *Registry
	name string
}

// Counter registers (or returns the existing) counter family name.
func (r *Registry) Counter(name, help string, labelNames ...string) *Vec {
	return r.register(name, help, dto.MetricType_COUNTER, labelNames)
}

// Gauge registers (or returns the existing) gauge family name.
func (r *Registry) Gauge(name, help string, labelNames ...string) *Vec {
	return r.register(name, help, dto.MetricType_GAUGE, labelNames)
}

func (r *Registry) register(name, help string, typ dto.MetricType, labelNames []string) *Vec {
	if r == nil {
		return &Vec{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.families[name]; ok {
		if f.typ != typ {
			panic(fmt.Sprintf("metrics: %s re-registered as %s", name, typ))
		}
		return &Vec{r: r, name: name}
	}
	r.families[name] = &family{
		name:       name,
		help:       help,
		typ:        typ,
		labelNames: labelNames,
		series:     make(map[string]*series),
	}
	return &Vec{r: r, name: name}
}

// Inc adds 1 to the series identified by labels.
func (v *Vec) Inc(labels ...string) { v.Add(1, labels...) }

// Add adds delta to the series identified by labels.
func (v *Vec) Add(delta float64, labels ...string) {
	v.update(labels, func(s *series) { s.value += delta })
}

// Set replaces the value of the series identified by labels.
func (v *Vec) Set(value float64, labels ...string) {
	v.update(labels, func(s *series) { s.value = value })
}

func (v *Vec) update(labels []string, fn func(*series)) {
	if v == nil || v.r == nil {
		return
	}
	v.r.mu.Lock()
	defer v.r.mu.Unlock()
	f := v.r.families[v.name]
	if len(labels) != len(f.labelNames) {
		slog.Error("metrics: label count mismatch",
			"metric", v.name, "want", len(f.labelNames), "got", len(labels))
		return
	}
	key := strings.Join(labels, "\xff")
	s, ok := f.series[key]
	if !ok {
		s = &series{labels: append([]string(nil), labels...)}
		f.series[key] = s
	}
	fn(s)
}

// Value returns the current value of one series, or 0 when it has not been
// touched yet.
func (r *Registry) Value(name string, labels ...string) float64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[name]
	if !ok {
		return 0
	}
	if s, ok := f.series[strings.Join(labels, "\xff")]; ok {
		return s.value
	}
	return 0
}

// Gather snapshots every family as client_model MetricFamily values, sorted by
// name, with series sorted by label values.
func (r *Registry) Gather() []*dto.MetricFamily {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*dto.MetricFamily, 0, len(r.families))
	for _, f := range r.families {
		mf := &dto.MetricFamily{
			Name: proto.String(f.name),
			Help: proto.String(f.help),
			Type: f.typ.Enum(),
		}
		keys := make([]string, 0, len(f.series))
		for k := range f.series {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s := f.series[k]
			m := &dto.Metric{}
			for i, ln := range f.labelNames {
				m.Label = append(m.Label, &dto.LabelPair{
					Name:  proto.String(ln),
					Value: proto.String(s.labels[i]),
				})
			}
			switch f.typ {
			case dto.MetricType_COUNTER:
				m.Counter = &dto.Counter{Value: proto.Float64(s.value)}
			default:
				m.Gauge = &dto.Gauge{Value: proto.Float64(s.value)}
			}
			mf.Metric = append(mf.Metric, m)
		}
		out = append(out, mf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GetName() < out[j].GetName() })
	return out
}

// WriteText writes all families to w in the Prometheus text format.
// Families without any series are skipped.
func (r *Registry) WriteText(w io.Writer) error {
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range r.Gather() {
		if len(mf.GetMetric()) == 0 {
			continue
		}
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("metrics: encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Handler serves the registry at GET /metrics.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
		if err := r.WriteText(w); err != nil {
			slog.Error("metrics: write exposition", "err", err)
		}
	})
}
