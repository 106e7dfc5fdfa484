// The set of circuits whose queues are actively polled.

// A circuit is watched after it was observed as active and it lapses TTL after
// the last refresh. The set is bounded by the host parallelism such that the
// polling overhead scales w/ the available CPUs rather than w/ the number of
// circuits.
//
// All access is serialized via a single RW lock: the snapshot and the capacity
// queries are readers, admission, refresh and expiry are writers. None of the
// operations blocks on I/O and none of them retries; the admission failures
// are logged warnings and the caller decides whether/when to try again.

package watched

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jaber-the-great/LibreQoS/internal/logger"
	"github.com/jaber-the-great/LibreQoS/internal/utils"
	"github.com/jaber-the-great/LibreQoS/qdisc"
)

const (
	WATCHED_QUEUES_CONFIG_TTL_DEFAULT             = "10s"
	WATCHED_QUEUES_CONFIG_CAPACITY_FACTOR_DEFAULT = 2
	WATCHED_QUEUES_CONFIG_PARALLELISM_DEFAULT     = utils.PARALLELISM_POSSIBLE
)

// The outcome of an admission/refresh request:
type WatchResult int

const (
	WATCH_ADDED WatchResult = iota
	WATCH_REFRESHED
	WATCH_CIRCUIT_UNKNOWN
	WATCH_ALREADY_WATCHED
	WATCH_REGISTRY_FULL

	// Must be last:
	WATCH_RESULT_NUM_VALUES
)

var watchResultNames = [WATCH_RESULT_NUM_VALUES]string{
	WATCH_ADDED:           "added",
	WATCH_REFRESHED:       "refreshed",
	WATCH_CIRCUIT_UNKNOWN: "circuit_unknown",
	WATCH_ALREADY_WATCHED: "already_watched",
	WATCH_REGISTRY_FULL:   "registry_full",
}

func (r WatchResult) String() string {
	if r >= 0 && r < WATCH_RESULT_NUM_VALUES {
		return watchResultNames[r]
	}
	return fmt.Sprintf("WatchResult(%d)", int(r))
}

// True if the circuit is watched after the request:
func (r WatchResult) Watched() bool {
	return r == WATCH_ADDED || r == WATCH_REFRESHED || r == WATCH_ALREADY_WATCHED
}

var watchedQueuesLog = logger.NewCompLogger("watched_queues")

// The circuit -> class lookup, consulted only when a circuit is admitted:
type CircuitDirectory interface {
	LookupCircuit(circuitId string) (download, upload qdisc.TcHandle, ok bool)
}

type WatchedQueue struct {
	CircuitId     string
	ExpiresAt     time.Time
	DownloadClass qdisc.TcHandle
	UploadClass   qdisc.TcHandle
}

// What the poller needs for scoping the next query:
type WatchedCircuit struct {
	CircuitId     string         `json:"circuit_id"`
	DownloadClass qdisc.TcHandle `json:"download_class"`
	UploadClass   qdisc.TcHandle `json:"upload_class"`
}

type WatchedQueuesConfig struct {
	// How long a watch lasts after the last refresh, in time.ParseDuration()
	// format:
	Ttl string `yaml:"ttl"`
	// The capacity is this factor x the number of parallel units:
	CapacityFactor int `yaml:"capacity_factor"`
	// How to count the parallel units: affinity, online or possible CPUs:
	Parallelism string `yaml:"parallelism"`
	// If > 0, use this capacity instead of the one derived above:
	Capacity int `yaml:"capacity"`
}

func DefaultWatchedQueuesConfig() *WatchedQueuesConfig {
	return &WatchedQueuesConfig{
		Ttl:            WATCHED_QUEUES_CONFIG_TTL_DEFAULT,
		CapacityFactor: WATCHED_QUEUES_CONFIG_CAPACITY_FACTOR_DEFAULT,
		Parallelism:    WATCHED_QUEUES_CONFIG_PARALLELISM_DEFAULT,
	}
}

// Counters, indexed by WatchResult, plus the expired count:
const (
	WATCHED_QUEUES_EXPIRED_STATS_INDEX = int(WATCH_RESULT_NUM_VALUES) + iota

	// Must be last:
	WATCHED_QUEUES_NUM_STATS
)

type WatchedQueuesStats [WATCHED_QUEUES_NUM_STATS]uint64

type WatchedQueues struct {
	queues   map[string]*WatchedQueue
	ttl      time.Duration
	capacity int
	circuits CircuitDirectory
	stats    WatchedQueuesStats
	mu       *sync.RWMutex
	// Mockable for testing:
	timeNowFn func() time.Time
}

func NewWatchedQueues(cfg any, circuits CircuitDirectory) (*WatchedQueues, error) {
	var watchedQueuesCfg *WatchedQueuesConfig

	switch cfg := cfg.(type) {
	case *WatchedQueuesConfig:
		watchedQueuesCfg = cfg
	case nil:
		watchedQueuesCfg = DefaultWatchedQueuesConfig()
	default:
		return nil, fmt.Errorf("NewWatchedQueues: %T invalid config type", cfg)
	}

	ttl, err := time.ParseDuration(watchedQueuesCfg.Ttl)
	if err != nil {
		return nil, fmt.Errorf("NewWatchedQueues: ttl: %v", err)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("NewWatchedQueues: ttl: %s not > 0", ttl)
	}

	capacity := watchedQueuesCfg.Capacity
	if capacity <= 0 {
		probeFn, err := utils.ParallelismProbe(watchedQueuesCfg.Parallelism)
		if err != nil {
			return nil, fmt.Errorf("NewWatchedQueues: %v", err)
		}
		factor := watchedQueuesCfg.CapacityFactor
		if factor <= 0 {
			factor = WATCHED_QUEUES_CONFIG_CAPACITY_FACTOR_DEFAULT
		}
		capacity = factor * probeFn()
	}

	wq := &WatchedQueues{
		queues:    make(map[string]*WatchedQueue),
		ttl:       ttl,
		capacity:  capacity,
		circuits:  circuits,
		mu:        &sync.RWMutex{},
		timeNowFn: time.Now,
	}

	watchedQueuesLog.Infof("ttl=%s", wq.ttl)
	watchedQueuesLog.Infof("capacity=%d", wq.capacity)
	return wq, nil
}

// Replace the circuit directory, e.g. after the queuing structure was reloaded.
// The existing watches are kept w/ the classes they were admitted with, until
// they expire.
func (wq *WatchedQueues) SetCircuitDirectory(circuits CircuitDirectory) {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	wq.circuits = circuits
}

// Must be invoked w/ the lock held for writing:
func (wq *WatchedQueues) addNoLock(circuitId string, now time.Time) WatchResult {
	if _, ok := wq.queues[circuitId]; ok {
		watchedQueuesLog.Warnf("circuit %q: already watched", circuitId)
		return WATCH_ALREADY_WATCHED
	}
	if len(wq.queues) >= wq.capacity {
		watchedQueuesLog.Warnf(
			"circuit %q: cannot watch, registry full (capacity=%d)",
			circuitId, wq.capacity,
		)
		return WATCH_REGISTRY_FULL
	}
	var (
		download, upload qdisc.TcHandle
		ok               bool
	)
	if wq.circuits != nil {
		download, upload, ok = wq.circuits.LookupCircuit(circuitId)
	}
	if !ok {
		watchedQueuesLog.Warnf("circuit %q: unknown circuit", circuitId)
		return WATCH_CIRCUIT_UNKNOWN
	}
	wq.queues[circuitId] = &WatchedQueue{
		CircuitId:     circuitId,
		ExpiresAt:     now.Add(wq.ttl),
		DownloadClass: download,
		UploadClass:   upload,
	}
	watchedQueuesLog.Debugf(
		"circuit %q: watched, download=%s, upload=%s",
		circuitId, download, upload,
	)
	return WATCH_ADDED
}

// Admit a circuit; a duplicate request is flagged, rather than merged into a
// refresh.
func (wq *WatchedQueues) AddWatch(circuitId string) WatchResult {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	res := wq.addNoLock(circuitId, wq.timeNowFn())
	wq.stats[res]++
	return res
}

// Extend the watch of an already watched circuit, leaving its classes as they
// were, or admit it otherwise. This is the entry point for the callers that
// observe traffic.
func (wq *WatchedQueues) RefreshOrAdd(circuitId string) WatchResult {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	now := wq.timeNowFn()
	res := WATCH_REFRESHED
	if queue := wq.queues[circuitId]; queue != nil {
		queue.ExpiresAt = now.Add(wq.ttl)
	} else {
		res = wq.addNoLock(circuitId, now)
	}
	wq.stats[res]++
	return res
}

// Remove all the watches w/ expires_at <= now and return their number:
func (wq *WatchedQueues) ExpireSweep() int {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	now := wq.timeNowFn()
	expired := 0
	for circuitId, queue := range wq.queues {
		if !queue.ExpiresAt.After(now) {
			delete(wq.queues, circuitId)
			expired++
		}
	}
	wq.stats[WATCHED_QUEUES_EXPIRED_STATS_INDEX] += uint64(expired)
	if expired > 0 {
		watchedQueuesLog.Debugf("expired %d watch(es), %d left", expired, len(wq.queues))
	}
	return expired
}

// Return the watched circuits, sorted by id:
func (wq *WatchedQueues) SnapshotForPolling() []WatchedCircuit {
	wq.mu.RLock()
	circuits := make([]WatchedCircuit, 0, len(wq.queues))
	for _, queue := range wq.queues {
		circuits = append(circuits, WatchedCircuit{
			CircuitId:     queue.CircuitId,
			DownloadClass: queue.DownloadClass,
			UploadClass:   queue.UploadClass,
		})
	}
	wq.mu.RUnlock()
	sort.Slice(circuits, func(i, j int) bool {
		return circuits[i].CircuitId < circuits[j].CircuitId
	})
	return circuits
}

// Return copies of all the watches, sorted by circuit id:
func (wq *WatchedQueues) List() []WatchedQueue {
	wq.mu.RLock()
	queues := make([]WatchedQueue, 0, len(wq.queues))
	for _, queue := range wq.queues {
		queues = append(queues, *queue)
	}
	wq.mu.RUnlock()
	sort.Slice(queues, func(i, j int) bool {
		return queues[i].CircuitId < queues[j].CircuitId
	})
	return queues
}

// Return a copy of the watch, if any:
func (wq *WatchedQueues) Get(circuitId string) (WatchedQueue, bool) {
	wq.mu.RLock()
	defer wq.mu.RUnlock()
	if queue := wq.queues[circuitId]; queue != nil {
		return *queue, true
	}
	return WatchedQueue{}, false
}

func (wq *WatchedQueues) Len() int {
	wq.mu.RLock()
	defer wq.mu.RUnlock()
	return len(wq.queues)
}

func (wq *WatchedQueues) Capacity() int {
	return wq.capacity
}

func (wq *WatchedQueues) IsFull() bool {
	wq.mu.RLock()
	defer wq.mu.RUnlock()
	return len(wq.queues) >= wq.capacity
}

func (wq *WatchedQueues) Ttl() time.Duration {
	return wq.ttl
}

func (wq *WatchedQueues) Stats() WatchedQueuesStats {
	wq.mu.RLock()
	defer wq.mu.RUnlock()
	return wq.stats
}
