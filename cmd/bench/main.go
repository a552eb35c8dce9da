package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrmesh/pkg/corpc"
)

// bench fires collectives at one node's /corpc endpoint and reports
// throughput, latency percentiles and how many results came back partial.
func main() {
	addr := flag.String("addr", "http://localhost:8080", "server address")
	group := flag.String("group", "world", "group name")
	opcode := flag.String("opcode", "rank", "collective opcode")
	kind := flag.String("kind", "sum", "aggregation kind")
	n := flag.Int("n", 1000, "collectives")
	conc := flag.Int("c", 16, "concurrency")
	payload := flag.Int("payload", 0, "payload size bytes")
	flag.Parse()

	q := url.Values{"opcode": {*opcode}, "kind": {*kind}}
	target := fmt.Sprintf("%s/corpc/%s?%s", *addr, url.PathEscape(*group), q.Encode())
	body := bytes.Repeat([]byte{'x'}, *payload)

	client := &http.Client{Timeout: 30 * time.Second}
	var (
		mu        sync.Mutex
		latencies []time.Duration
		partial   int
		failed    int
	)

	var eg errgroup.Group
	eg.SetLimit(*conc)
	start := time.Now()
	for range *n {
		eg.Go(func() error {
			t0 := time.Now()
			res, err := post(client, target, body)
			d := time.Since(t0)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				failed++
			case res.PartialFailure():
				partial++
				latencies = append(latencies, d)
			default:
				latencies = append(latencies, d)
			}
			return nil
		})
	}
	_ = eg.Wait()
	dur := time.Since(start)

	fmt.Printf("Completed %d collectives in %s (%.2f ops/s)\n", *n, dur, float64(*n)/dur.Seconds())
	fmt.Printf("partial=%d failed=%d\n", partial, failed)
	if len(latencies) > 0 {
		slices.Sort(latencies)
		pct := func(p float64) time.Duration { return latencies[int(p*float64(len(latencies)-1))] }
		fmt.Printf("p50=%s p90=%s p99=%s max=%s\n", pct(0.5), pct(0.9), pct(0.99), latencies[len(latencies)-1])
	}
}

func post(client *http.Client, target string, body []byte) (*corpc.Result, error) {
	resp, err := client.Post(target, "application/octet-stream", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}
	var res corpc.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}
