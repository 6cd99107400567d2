package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Opts struct {
	Name string
	Help string
}

type collector interface {
	name() string
	render(w io.Writer)
}

// Registry holds collectors and renders them in Prometheus text format.
// It deliberately stays a few hundred lines instead of pulling in the
// full client library: the services only ever expose counters and
// gauges over a plain /metrics endpoint.
type Registry struct {
	mu         sync.RWMutex
	collectors map[string]collector
}

func NewRegistry() *Registry {
	return &Registry{collectors: map[string]collector{}}
}

func (r *Registry) MustRegister(items ...collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range items {
		if _, exists := r.collectors[item.name()]; exists {
			panic("metrics collector already registered: " + item.name())
		}
		r.collectors[item.name()] = item
	}
}

func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		r.mu.RLock()
		ordered := make([]collector, 0, len(r.collectors))
		for _, c := range r.collectors {
			ordered = append(ordered, c)
		}
		r.mu.RUnlock()
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].name() < ordered[j].name() })

		for _, c := range ordered {
			c.render(w)
		}
	})
}

var Default = NewRegistry()
var processStart = time.Now()

func DefaultHandler() http.Handler {
	return Default.Handler()
}

// atomicFloat is a float64 cell updated without a mutex. Counters and
// gauges are written on hot paths (every frame, every event).
type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) load() float64 {
	return math.Float64frombits(f.bits.Load())
}

func (f *atomicFloat) store(v float64) {
	f.bits.Store(math.Float64bits(v))
}

func (f *atomicFloat) add(delta float64) {
	for {
		old := f.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if f.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

type Gauge struct {
	opts Opts
	val  atomicFloat
}

func NewGauge(opts Opts) *Gauge {
	return &Gauge{opts: opts}
}

func (g *Gauge) name() string  { return g.opts.Name }
func (g *Gauge) Set(v float64) { g.val.store(v) }
func (g *Gauge) Add(v float64) { g.val.add(v) }
func (g *Gauge) Inc()          { g.val.add(1) }
func (g *Gauge) Dec()          { g.val.add(-1) }

func (g *Gauge) render(w io.Writer) {
	writeHead(w, g.opts, "gauge")
	writeSample(w, g.opts.Name, g.val.load())
}

type GaugeFunc struct {
	opts Opts
	fn   func() float64
}

func NewGaugeFunc(opts Opts, fn func() float64) *GaugeFunc {
	return &GaugeFunc{opts: opts, fn: fn}
}

func (g *GaugeFunc) name() string { return g.opts.Name }

func (g *GaugeFunc) render(w io.Writer) {
	writeHead(w, g.opts, "gauge")
	var v float64
	if g.fn != nil {
		v = g.fn()
	}
	writeSample(w, g.opts.Name, v)
}

// SimpleCounter is a label-free monotonic counter.
type SimpleCounter struct {
	opts Opts
	val  atomicFloat
}

func NewCounter(opts Opts) *SimpleCounter {
	return &SimpleCounter{opts: opts}
}

func (c *SimpleCounter) name() string { return c.opts.Name }

func (c *SimpleCounter) Add(v float64) {
	if v < 0 {
		return
	}
	c.val.add(v)
}

func (c *SimpleCounter) Inc() { c.val.add(1) }

func (c *SimpleCounter) render(w io.Writer) {
	writeHead(w, c.opts, "counter")
	writeSample(w, c.opts.Name, c.val.load())
}

const labelSep = "\xff"

type CounterVec struct {
	opts       Opts
	labelNames []string

	mu     sync.RWMutex
	values map[string]*atomicFloat
}

func NewCounterVec(opts Opts, labelNames []string) *CounterVec {
	return &CounterVec{
		opts:       opts,
		labelNames: append([]string(nil), labelNames...),
		values:     map[string]*atomicFloat{},
	}
}

func (c *CounterVec) name() string { return c.opts.Name }

func (c *CounterVec) WithLabelValues(values ...string) *Counter {
	return &Counter{cell: c.cell(values)}
}

// cell returns the counter cell for one label combination, creating it
// on first use.
func (c *CounterVec) cell(labelValues []string) *atomicFloat {
	if len(labelValues) != len(c.labelNames) {
		return nil
	}
	key := strings.Join(labelValues, labelSep)

	c.mu.RLock()
	cell := c.values[key]
	c.mu.RUnlock()
	if cell != nil {
		return cell
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cell = c.values[key]; cell == nil {
		cell = &atomicFloat{}
		c.values[key] = cell
	}
	return cell
}

func (c *CounterVec) render(w io.Writer) {
	writeHead(w, c.opts, "counter")

	c.mu.RLock()
	keys := make([]string, 0, len(c.values))
	for key := range c.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		var label strings.Builder
		label.WriteString(c.opts.Name)
		label.WriteByte('{')
		for idx, value := range strings.Split(key, labelSep) {
			if idx > 0 {
				label.WriteByte(',')
			}
			fmt.Fprintf(&label, "%s=%q", c.labelNames[idx], value)
		}
		label.WriteByte('}')
		lines = append(lines, label.String()+" "+formatFloat(c.values[key].load()))
	}
	c.mu.RUnlock()

	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
}

// Counter is one labeled cell of a CounterVec.
type Counter struct {
	cell *atomicFloat
}

func (c *Counter) Add(v float64) {
	if c == nil || c.cell == nil || v < 0 {
		return
	}
	c.cell.add(v)
}

func (c *Counter) Inc() { c.Add(1) }

func writeHead(w io.Writer, opts Opts, metricType string) {
	fmt.Fprintf(w, "# HELP %s %s\n", opts.Name, opts.Help)
	fmt.Fprintf(w, "# TYPE %s %s\n", opts.Name, metricType)
}

func writeSample(w io.Writer, name string, v float64) {
	fmt.Fprintf(w, "%s %s\n", name, formatFloat(v))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func init() {
	Default.MustRegister(
		NewGaugeFunc(Opts{
			Name: "process_uptime_seconds",
			Help: "Seconds since process start.",
		}, func() float64 {
			return time.Since(processStart).Seconds()
		}),
		NewGaugeFunc(Opts{
			Name: "go_goroutines",
			Help: "Number of goroutines.",
		}, func() float64 {
			return float64(runtime.NumGoroutine())
		}),
		NewGaugeFunc(Opts{
			Name: "go_memstats_alloc_bytes",
			Help: "Allocated heap objects in bytes.",
		}, func() float64 {
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			return float64(mem.Alloc)
		}),
		NewGaugeFunc(Opts{
			Name: "go_memstats_heap_inuse_bytes",
			Help: "Heap in-use bytes.",
		}, func() float64 {
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			return float64(mem.HeapInuse)
		}),
	)
}
