// Command bench load-tests a running packetforge process's REST
// management surface: concurrent workers repeatedly hit one endpoint and
// report latency percentiles and achieved QPS.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"
)

func main() {
	var (
		base        = flag.String("addr", "http://127.0.0.1:8080", "packetforge REST base URL")
		endpoint    = flag.String("endpoint", "/api/v1/stats", "Endpoint to repeatedly GET")
		concurrency = flag.Int("concurrency", 50, "Number of concurrent workers")
		requests    = flag.Int("requests", 5000, "Total number of requests")
		timeout     = flag.Duration("timeout", 2*time.Second, "Per-request timeout")
	)
	flag.Parse()

	url := *base + *endpoint

	conc := *concurrency
	if conc < 1 {
		conc = 1
	}
	total := *requests
	if total < 1 {
		total = 1
	}
	per := total / conc
	rem := total % conc

	lat := make([]float64, 0, total)
	var latMu sync.Mutex
	var errCount int
	var errMu sync.Mutex

	client := &http.Client{Timeout: *timeout}

	t0 := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < conc; i++ {
		n := per
		if i < rem {
			n++
		}
		if n <= 0 {
			continue
		}
		wg.Add(1)
		go func(num int) {
			defer wg.Done()
			for j := 0; j < num; j++ {
				start := time.Now()
				resp, err := client.Get(url)
				if err != nil {
					errMu.Lock()
					errCount++
					errMu.Unlock()
					continue
				}
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
				if resp.StatusCode >= 400 {
					errMu.Lock()
					errCount++
					errMu.Unlock()
					continue
				}
				ms := float64(time.Since(start).Microseconds()) / 1000.0
				latMu.Lock()
				lat = append(lat, ms)
				latMu.Unlock()
			}
		}(n)
	}
	wg.Wait()
	elapsed := time.Since(t0).Seconds()

	if len(lat) == 0 {
		fmt.Printf("no successful requests (errors=%d)\n", errCount)
		return
	}
	sort.Float64s(lat)
	p50 := percentile(lat, 50)
	p95 := percentile(lat, 95)
	p99 := percentile(lat, 99)
	qps := float64(len(lat)) / elapsed

	fmt.Printf("addr=%s endpoint=%s concurrency=%d requests=%d errors=%d\n", *base, *endpoint, conc, len(lat), errCount)
	fmt.Printf("elapsed_s=%.3f qps=%.1f\n", elapsed, qps)
	fmt.Printf("latency_ms p50=%.3f p95=%.3f p99=%.3f min=%.3f max=%.3f\n", p50, p95, p99, lat[0], lat[len(lat)-1])

	if *endpoint == "/api/v1/stats" {
		printStatsSummary(client, url)
	}
}

// printStatsSummary fetches one more /api/v1/stats snapshot and prints the
// worker/mgmt counters so a bench run doubles as a quick health check of
// the process being driven.
func printStatsSummary(client *http.Client, url string) {
	resp, err := client.Get(url)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}
	var snap map[string]any
	if err := json.Unmarshal(body, &snap); err != nil {
		return
	}
	fmt.Printf("tcb_count=%v workers=%v mgmt=%v\n", snap["tcb_count"], countOf(snap["workers"]), countOf(snap["mgmt"]))
}

func countOf(v any) int {
	arr, ok := v.([]any)
	if !ok {
		return 0
	}
	return len(arr)
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	idx := int(float64(len(sorted))*float64(p)/100.0) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
