package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the benchmark settings
var (
	targetURL   string
	cardsFile   string
	concurrency int
	duration    time.Duration
	workload    string
)

// Metrics
var (
	totalRequests uint64
	success200    uint64 // Idempotent replays
	success201    uint64 // Created
	fail409       uint64 // Conflicts (Aborts)
	fail422       uint64 // Insufficient funds / validation
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.StringVar(&cardsFile, "cards", "cards.txt", "File with one card id per line (seeded cards)")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
}

func main() {
	flag.Parse()

	cards, err := loadCards(cardsFile)
	if err != nil {
		log.Fatalf("Unable to load card ids: %v", err)
	}
	if len(cards) < 2 {
		log.Fatalf("Need at least 2 card ids, got %d", len(cards))
	}

	log.Printf("Starting Benchmark: %s | Cards: %d | Workers: %d | Duration: %s", workload, len(cards), concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, cards)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func loadCards(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cards []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			cards = append(cards, line)
		}
	}
	return cards, sc.Err()
}

func worker(wg *sync.WaitGroup, start time.Time, cards []string) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		sender, recipient := pickCards(cards)

		key := fmt.Sprintf("bench-%s-%d", sender[:8], time.Now().UnixNano())

		payload := map[string]interface{}{
			"sender_card_id":    sender,
			"recipient_card_id": recipient,
			"amount":            1.00,
			"title":             "Benchmark transfer",
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest("POST", targetURL+"/api/v1/transfers", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 201:
			atomic.AddUint64(&success201, 1)
		case 200:
			atomic.AddUint64(&success200, 1)
		case 409:
			atomic.AddUint64(&fail409, 1)
		case 422:
			atomic.AddUint64(&fail422, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func pickCards(cards []string) (string, string) {
	if workload == "hotspot" {
		// Hotspot: 90% of traffic bounces between the first two cards
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return cards[0], cards[1]
			}
			return cards[1], cards[0]
		}
	}

	// Uniform Random
	a := rand.Intn(len(cards))
	b := rand.Intn(len(cards))
	for a == b {
		b = rand.Intn(len(cards))
	}
	return cards[a], cards[b]
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	s200 := atomic.LoadUint64(&success200)
	f409 := atomic.LoadUint64(&fail409)
	f422 := atomic.LoadUint64(&fail422)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	abortRate := float64(f409) / float64(total) * 100

	results := map[string]interface{}{
		"workload":            workload,
		"duration_sec":        d.Seconds(),
		"total_requests":      total,
		"throughput_tps":      tps,
		"success_created":     s201,
		"success_replay":      s200,
		"aborts_conflict":     f409,
		"rejected_validation": f422,
		"abort_rate_pct":      abortRate,
		"errors":              fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
