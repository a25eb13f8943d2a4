package lim

import (
	"sync"
	"time"

	"pastebook/metrics"
	"pastebook/svc/util"
)

const (
	anomalyMinRequests = 10
	anomalyErrorRate   = 5.0
)

// AnomalyDetector keeps a rolling window of per-minute request and 5xx
// counts and calls onAnomaly when the error rate climbs too high.
type AnomalyDetector struct {
	mu           sync.Mutex
	window       []bucket
	currentIndex int
	onAnomaly    func()
	done         chan struct{}
	stopOnce     sync.Once
}
type bucket struct {
	requests int64
	errors   int64
}

func NewAnomalyDetector(windowSize int, onAnomaly func()) *AnomalyDetector {
	if windowSize <= 0 {
		windowSize = 5
	}
	return &AnomalyDetector{
		window:    make([]bucket, windowSize),
		onAnomaly: onAnomaly,
		done:      make(chan struct{}),
	}
}
func (d *AnomalyDetector) Start(tick time.Duration) {
	ticker := time.NewTicker(tick)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.AdvanceWindow()
			case <-d.done:
				return
			}
		}
	}()
}
func (d *AnomalyDetector) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}

// Observe counts one finished request with the given HTTP status.
func (d *AnomalyDetector) Observe(status int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window[d.currentIndex].requests++
	if status >= 500 {
		d.window[d.currentIndex].errors++
	}
}

// AdvanceWindow publishes the error rate over the window, then starts a new bucket.
func (d *AnomalyDetector) AdvanceWindow() float64 {
	d.mu.Lock()
	var totalReqs, totalErrs int64
	for _, b := range d.window {
		totalReqs += b.requests
		totalErrs += b.errors
	}
	var errorRate float64
	if totalReqs > 0 {
		errorRate = (float64(totalErrs) / float64(totalReqs)) * 100.0
	}
	d.currentIndex = (d.currentIndex + 1) % len(d.window)
	d.window[d.currentIndex] = bucket{}
	d.mu.Unlock()

	metrics.RecentErrorRatePercent.Set(errorRate)
	if totalReqs > anomalyMinRequests && errorRate > anomalyErrorRate {
		util.Warn().
			Float64("error_rate", errorRate).
			Int64("total_reqs", totalReqs).
			Int64("total_errs", totalErrs).
			Msg("Anomaly detected: High error rate. Triggering adaptive rate limit.")
		if d.onAnomaly != nil {
			d.onAnomaly()
		}
	}
	return errorRate
}
