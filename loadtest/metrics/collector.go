package metrics

import (
	"encoding/csv"
	"fmt"
	"html/template"
	"io"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	StatusOK    = "OK"
	StatusError = "ERROR"

	statusConn  = "CONN_NEW"
	statusRetry = "RETRY"

	bucketWidth = 10 * time.Second
)

type Record struct {
	Timestamp time.Time
	Kind      string
	Latency   time.Duration
	Status    string
	Room      string
}

// Statistics is only safe to read after Done is closed.
type Statistics struct {
	Total       int
	Success     int
	Failed      int
	Connections int
	Retries     int

	TotalLatency time.Duration
	MinLatency   time.Duration
	MaxLatency   time.Duration
	StartTime    time.Time
	EndTime      time.Time

	Latencies  []time.Duration
	RoomCounts map[string]int
	KindCounts map[string]int
	// Buckets maps the start of each 10s window (unix seconds) to successes.
	Buckets map[int64]int
}

// Collector aggregates records from many workers on one goroutine and
// writes each of them to a CSV file.
type Collector struct {
	records chan Record
	Done    chan struct{}
	out     io.WriteCloser
	csv     *csv.Writer
	once    sync.Once
	Stats   Statistics
}

func NewCollector(path string) (*Collector, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	return newCollector(f)
}

func newCollector(out io.WriteCloser) (*Collector, error) {
	w := csv.NewWriter(out)
	if err := w.Write([]string{"timestamp", "kind", "latency_ms", "status", "room"}); err != nil {
		return nil, err
	}
	w.Flush()
	return &Collector{
		records: make(chan Record, 10000),
		Done:    make(chan struct{}),
		out:     out,
		csv:     w,
		Stats: Statistics{
			MinLatency: time.Duration(1<<63 - 1),
			RoomCounts: make(map[string]int),
			KindCounts: make(map[string]int),
			Buckets:    make(map[int64]int),
		},
	}, nil
}

func (c *Collector) Record(r Record) {
	c.records <- r
}

func (c *Collector) RecordConnection() {
	c.records <- Record{Status: statusConn}
}

func (c *Collector) RecordRetry() {
	c.records <- Record{Status: statusRetry}
}

func (c *Collector) Start() {
	c.Stats.StartTime = time.Now()
	go func() {
		for r := range c.records {
			c.add(r)
		}
		c.csv.Flush()
		c.out.Close()
		c.Stats.EndTime = time.Now()
		close(c.Done)
	}()
}

func (c *Collector) add(r Record) {
	s := &c.Stats
	switch r.Status {
	case statusConn:
		s.Connections++
		return
	case statusRetry:
		s.Retries++
		return
	}

	s.Total++
	if r.Status == StatusOK {
		s.Success++
		s.TotalLatency += r.Latency
		s.MinLatency = min(s.MinLatency, r.Latency)
		s.MaxLatency = max(s.MaxLatency, r.Latency)
		s.Latencies = append(s.Latencies, r.Latency)
		s.RoomCounts[r.Room]++
		s.KindCounts[r.Kind]++
		s.Buckets[r.Timestamp.Truncate(bucketWidth).Unix()]++
	} else {
		s.Failed++
	}

	c.csv.Write([]string{
		r.Timestamp.Format(time.RFC3339Nano),
		r.Kind,
		strconv.FormatInt(r.Latency.Milliseconds(), 10),
		r.Status,
		r.Room,
	})
}

// Close stops accepting records; wait on Done before reading Stats.
func (c *Collector) Close() {
	c.once.Do(func() { close(c.records) })
}

func (c *Collector) Percentiles() (median, p95, p99 time.Duration) {
	l := c.Stats.Latencies
	if len(l) == 0 {
		return 0, 0, 0
	}
	sort.Slice(l, func(i, j int) bool { return l[i] < l[j] })
	n := len(l)
	return l[n/2], l[int(float64(n)*0.95)], l[int(float64(n)*0.99)]
}

// Throughput is successful records per second over the collector's lifetime.
func (c *Collector) Throughput() float64 {
	d := c.Stats.EndTime.Sub(c.Stats.StartTime).Seconds()
	if d <= 0 {
		return 0
	}
	return float64(c.Stats.Success) / d
}

func (c *Collector) PrintSummary(w io.Writer) {
	s := &c.Stats
	var avg, minLatency time.Duration
	if s.Success > 0 {
		avg = s.TotalLatency / time.Duration(s.Success)
		minLatency = s.MinLatency
	}
	median, p95, p99 := c.Percentiles()

	fmt.Fprintln(w, "========= Test Results =========")
	fmt.Fprintf(w, "Total Duration: %.2f seconds\n", s.EndTime.Sub(s.StartTime).Seconds())
	fmt.Fprintf(w, "Total Records: %s\n", humanize.Comma(int64(s.Total)))
	fmt.Fprintf(w, "Successful: %s\n", humanize.Comma(int64(s.Success)))
	fmt.Fprintf(w, "Failed: %s\n", humanize.Comma(int64(s.Failed)))
	fmt.Fprintf(w, "Throughput: %s msg/sec\n", humanize.CommafWithDigits(c.Throughput(), 2))
	fmt.Fprintf(w, "Total Connections: %d\n", s.Connections)
	fmt.Fprintf(w, "Total Retries: %d\n", s.Retries)
	fmt.Fprintf(w, "Avg Latency: %s\n", avg)
	fmt.Fprintf(w, "Min Latency: %s\n", minLatency)
	fmt.Fprintf(w, "Max Latency: %s\n", s.MaxLatency)
	fmt.Fprintf(w, "Median Latency: %s\n", median)
	fmt.Fprintf(w, "P95 Latency: %s\n", p95)
	fmt.Fprintf(w, "P99 Latency: %s\n", p99)

	fmt.Fprintln(w, "\n--- Kind Distribution ---")
	for _, k := range sortedKeys(s.KindCounts) {
		fmt.Fprintf(w, "%s: %d\n", k, s.KindCounts[k])
	}
	fmt.Fprintln(w, "\n--- Room Distribution ---")
	for _, k := range sortedKeys(s.RoomCounts) {
		fmt.Fprintf(w, "%s: %d\n", k, s.RoomCounts[k])
	}
	fmt.Fprintln(w, "================================")
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var chartTemplate = template.Must(template.New("chart").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>Throughput Chart</title>
    <script src="https://cdn.jsdelivr.net/npm/chart.js"></script>
</head>
<body>
    <div style="width: 80%; margin: auto;">
        <canvas id="throughput"></canvas>
    </div>
    <script>
        new Chart(document.getElementById('throughput').getContext('2d'), {
            type: 'line',
            data: {
                labels: {{.Labels}},
                datasets: [{
                    label: 'Throughput (msg/sec)',
                    data: {{.Data}},
                    borderColor: 'rgb(75, 192, 192)',
                    tension: 0.1
                }]
            },
            options: {scales: {y: {beginAtZero: true}}}
        });
    </script>
</body>
</html>`))

type chartData struct {
	Labels []string
	Data   []float64
}

func (c *Collector) chart() chartData {
	buckets := make([]int64, 0, len(c.Stats.Buckets))
	for b := range c.Stats.Buckets {
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i] < buckets[j] })

	var d chartData
	for _, b := range buckets {
		d.Labels = append(d.Labels, time.Unix(b, 0).Format("15:04:05"))
		d.Data = append(d.Data, float64(c.Stats.Buckets[b])/bucketWidth.Seconds())
	}
	return d
}

func (c *Collector) WriteChart(w io.Writer) error {
	return chartTemplate.Execute(w, c.chart())
}

func (c *Collector) GenerateChart(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := c.WriteChart(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
