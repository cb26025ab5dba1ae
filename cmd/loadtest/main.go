package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hendraet/labshare/internal/client"
	"github.com/hendraet/labshare/internal/models"
	"github.com/hendraet/labshare/internal/netutils"
)

var (
	controllerURL string
	tokens        string
	device        string
	rounds        int
	insecure      bool
)

func init() {
	flag.StringVar(&controllerURL, "url", "http://localhost:8080", "Controller URL")
	flag.StringVar(&tokens, "tokens", "alice-token,bob-token", "Comma-separated user tokens, one worker each")
	flag.StringVar(&device, "device", "dev-1", "Device to contend for")
	flag.IntVar(&rounds, "n", 10, "Reserve/release rounds per worker")
	flag.BoolVar(&insecure, "insecure", false, "Skip TLS certificate verification")
}

// Stats
var (
	granted      int64
	queued       int64
	failCount    int64
	totalLatency int64 // microseconds
	requests     int64
)

func main() {
	flag.Parse()

	workers := strings.Split(tokens, ",")
	fmt.Printf("Starting load test: %d workers, %d rounds each against %s\n", len(workers), rounds, device)
	fmt.Printf("Target: %s\n", controllerURL)

	httpClient := netutils.NewClient(insecure, 5*time.Second)
	start := time.Now()
	var wg sync.WaitGroup
	for i, token := range workers {
		wg.Add(1)
		go func(id int, api *client.Client) {
			defer wg.Done()
			worker(id, api)
		}(i, client.New(controllerURL, strings.TrimSpace(token), httpClient))
	}
	wg.Wait()
	duration := time.Since(start)

	total := atomic.LoadInt64(&requests)
	if total == 0 {
		total = 1
	}
	fmt.Printf("\n--- Results (%d requests) ---\n", atomic.LoadInt64(&requests))
	fmt.Printf("Duration: %v (%.2f req/sec)\n", duration, float64(total)/duration.Seconds())
	fmt.Printf("Latency:  avg=%v\n", time.Duration(atomic.LoadInt64(&totalLatency)/total)*time.Microsecond)
	fmt.Printf("Rounds:   %d granted, %d queued, %d failed\n",
		atomic.LoadInt64(&granted), atomic.LoadInt64(&queued), atomic.LoadInt64(&failCount))
}

func timed(fn func() error) error {
	start := time.Now()
	err := fn()
	atomic.AddInt64(&totalLatency, time.Since(start).Microseconds())
	atomic.AddInt64(&requests, 1)
	return err
}

// worker asks for the next free GPU and gives it back right away. When it
// only got placeholders it withdraws them again.
func worker(id int, api *client.Client) {
	ctx := context.Background()
	for j := 0; j < rounds; j++ {
		var created []models.Reservation
		err := timed(func() (err error) {
			created, err = api.ReserveNextAvailable(ctx, device)
			return err
		})
		if err != nil {
			atomic.AddInt64(&failCount, 1)
			fmt.Printf("[W%d] reserve: %v\n", id, err)
			continue
		}

		if len(created) == 1 && created[0].IsStarted() {
			atomic.AddInt64(&granted, 1)
			if err := timed(func() error { _, err := api.Done(ctx, created[0].GPUUUID); return err }); err != nil {
				atomic.AddInt64(&failCount, 1)
				fmt.Printf("[W%d] done: %v\n", id, err)
			}
			continue
		}

		atomic.AddInt64(&queued, 1)
		for _, r := range created {
			err := timed(func() error { _, err := api.Cancel(ctx, r.GPUUUID); return err })
			// a placeholder may have been promoted or cleared meanwhile
			if errors.Is(err, models.ErrInvalidOperation) {
				err = timed(func() error { _, err := api.Done(ctx, r.GPUUUID); return err })
			}
			if err != nil && !errors.Is(err, models.ErrNotFound) {
				atomic.AddInt64(&failCount, 1)
				fmt.Printf("[W%d] release %s: %v\n", id, r.GPUUUID, err)
			}
		}
	}
}
