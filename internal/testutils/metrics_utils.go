// A metrics queue for testing, it indexes the queued metrics.

package testutils

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type TestMetricsQueue struct {
	// Metric line -> count:
	metrics    map[string]int
	targetSize int
	// Buffer accounting, for checking that each buffer is handed back once:
	getCount    int
	queueCount  int
	returnCount int
	mu          *sync.Mutex
}

func NewTestMetricsQueue(targetSize int) *TestMetricsQueue {
	return &TestMetricsQueue{
		metrics:    make(map[string]int),
		targetSize: targetSize,
		mu:         &sync.Mutex{},
	}
}

func (mq *TestMetricsQueue) GetBuf() *bytes.Buffer {
	mq.mu.Lock()
	mq.getCount += 1
	mq.mu.Unlock()
	return &bytes.Buffer{}
}

func (mq *TestMetricsQueue) ReturnBuf(buf *bytes.Buffer) {
	mq.mu.Lock()
	mq.returnCount += 1
	mq.mu.Unlock()
}

func (mq *TestMetricsQueue) QueueBuf(buf *bytes.Buffer) {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	mq.queueCount += 1
	if buf == nil {
		return
	}
	for _, metric := range strings.Split(buf.String(), "\n") {
		if metric = strings.TrimSpace(metric); metric != "" {
			mq.metrics[metric] += 1
		}
	}
}

func (mq *TestMetricsQueue) GetTargetSize() int {
	return mq.targetSize
}

// Return the (get, queue, return) buffer counts:
func (mq *TestMetricsQueue) BufCounts() (int, int, int) {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	return mq.getCount, mq.queueCount, mq.returnCount
}

// All the metrics received so far, sorted:
func (mq *TestMetricsQueue) Metrics() []string {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	metrics := make([]string, 0, len(mq.metrics))
	for metric := range mq.metrics {
		metrics = append(metrics, metric)
	}
	sort.Strings(metrics)
	return metrics
}

// Report missing metrics and, if reportExtra, the unexpected or duplicated
// ones:
func (mq *TestMetricsQueue) GenerateReport(wantMetrics []string, reportExtra bool, errBuf *bytes.Buffer) *bytes.Buffer {
	if errBuf == nil {
		errBuf = &bytes.Buffer{}
	}

	mq.mu.Lock()
	defer mq.mu.Unlock()

	found := make(map[string]bool)
	for _, wantMetric := range wantMetrics {
		wantMetric = strings.TrimSpace(wantMetric)
		if mq.metrics[wantMetric] == 0 {
			fmt.Fprintf(errBuf, "\nmissing metric: %s", wantMetric)
		} else {
			found[wantMetric] = true
		}
	}

	if reportExtra {
		for gotMetric, count := range mq.metrics {
			if !found[gotMetric] {
				fmt.Fprintf(errBuf, "\nunexpected metric: %s", gotMetric)
			} else if count > 1 {
				fmt.Fprintf(errBuf, "\nmetric: %s: count: %d > 1", gotMetric, count)
			}
		}
	}
	return errBuf
}
