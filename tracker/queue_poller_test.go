package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jaber-the-great/LibreQoS/internal/logger"
	"github.com/jaber-the-great/LibreQoS/internal/testutils"
	"github.com/jaber-the-great/LibreQoS/qdisc"
	"github.com/jaber-the-great/LibreQoS/watched"
)

const (
	testDownloadIface = "ifA"
	testUploadIface   = "ifB"
)

type testCircuitDirectory map[string][2]qdisc.TcHandle

func (d testCircuitDirectory) LookupCircuit(circuitId string) (qdisc.TcHandle, qdisc.TcHandle, bool) {
	classes, ok := d[circuitId]
	return classes[0], classes[1], ok
}

// Entries by iface/class:
type testSnapshotSource struct {
	entries map[string][]map[string]any
	errs    map[string]error
	queries []string
	mu      sync.Mutex
}

func newTestSnapshotSource() *testSnapshotSource {
	return &testSnapshotSource{
		entries: make(map[string][]map[string]any),
		errs:    make(map[string]error),
	}
}

func testSourceKey(iface string, class qdisc.TcHandle) string {
	return iface + "/" + class.String()
}

func (src *testSnapshotSource) set(iface string, class qdisc.TcHandle, entries ...map[string]any) {
	src.mu.Lock()
	defer src.mu.Unlock()
	src.entries[testSourceKey(iface, class)] = entries
}

func (src *testSnapshotSource) setErr(iface string, class qdisc.TcHandle, err error) {
	src.mu.Lock()
	defer src.mu.Unlock()
	src.errs[testSourceKey(iface, class)] = err
}

func (src *testSnapshotSource) Snapshot(iface string, parent qdisc.TcHandle) ([]map[string]any, error) {
	key := testSourceKey(iface, parent)
	src.mu.Lock()
	defer src.mu.Unlock()
	src.queries = append(src.queries, key)
	if err := src.errs[key]; err != nil {
		return nil, err
	}
	return src.entries[key], nil
}

func (src *testSnapshotSource) snapQueries() []string {
	src.mu.Lock()
	defer src.mu.Unlock()
	queries := src.queries
	src.queries = nil
	return queries
}

type testRecordExporter struct {
	batches []*QdiscRecordBatch
	err     error
}

func (exporter *testRecordExporter) Name() string {
	return "test"
}

func (exporter *testRecordExporter) ExportRecords(batch *QdiscRecordBatch) error {
	exporter.batches = append(exporter.batches, batch)
	return exporter.err
}

func testFqCodelEntry(handle, parent string, bytes uint64) map[string]any {
	return map[string]any{
		"kind":    "fq_codel",
		"handle":  handle,
		"parent":  parent,
		"bytes":   bytes,
		"packets": bytes / 100,
		"options": map[string]any{"limit": 10240, "ecn": true},
	}
}

type testQueuePollerEnv struct {
	directory testCircuitDirectory
	registry  *watched.WatchedQueues
	source    *testSnapshotSource
	exporter  *testRecordExporter
	poller    *QueuePoller
}

func newTestQueuePollerEnv(t *testing.T, numCircuits int) *testQueuePollerEnv {
	env := &testQueuePollerEnv{
		directory: make(testCircuitDirectory),
		source:    newTestSnapshotSource(),
		exporter:  &testRecordExporter{},
	}
	for i := 0; i < numCircuits; i++ {
		env.directory[fmt.Sprintf("c%d", i)] = [2]qdisc.TcHandle{
			qdisc.NewTcHandle(1, uint16(i+2)),
			qdisc.NewTcHandle(2, uint16(i+2)),
		}
	}
	registryCfg := watched.DefaultWatchedQueuesConfig()
	registryCfg.Capacity = 2 * numCircuits
	registry, err := watched.NewWatchedQueues(registryCfg, env.directory)
	if err != nil {
		t.Fatal(err)
	}
	env.registry = registry

	pollerCfg := DefaultQueuePollerConfig()
	pollerCfg.DownloadInterface = testDownloadIface
	pollerCfg.UploadInterface = testUploadIface
	pollerCfg.MaxParallelQueries = 2
	poller, err := NewQueuePoller(pollerCfg, env.source, registry, env.exporter)
	if err != nil {
		t.Fatal(err)
	}
	poller.timeNowFn = func() time.Time { return time.UnixMilli(1700000000123) }
	batchNum := 0
	poller.newBatchIdFn = func() string {
		batchNum++
		return fmt.Sprintf("batch-%d", batchNum)
	}
	env.poller = poller
	return env
}

// Set the source entries for both directions of the circuit:
func (env *testQueuePollerEnv) setCircuitBytes(circuitId string, downloadBytes, uploadBytes uint64) {
	classes := env.directory[circuitId]
	env.source.set(
		testDownloadIface, classes[0],
		testFqCodelEntry("8001:", classes[0].String(), downloadBytes),
	)
	env.source.set(
		testUploadIface, classes[1],
		testFqCodelEntry("8002:", classes[1].String(), uploadBytes),
	)
}

func TestQueuePollerNothingWatched(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, logger.Log, nil)
	defer tlc.RestoreLog()

	env := newTestQueuePollerEnv(t, 2)
	if batch := env.poller.Poll(); batch != nil {
		tlc.Fatalf("batch: want: nil, got: %d record(s)", len(batch.Records))
	}
	if queries := env.source.snapQueries(); len(queries) != 0 {
		tlc.Fatalf("queries: want: none, got: %v", queries)
	}
	if len(env.exporter.batches) != 0 {
		tlc.Fatalf("exported batches: want: 0, got: %d", len(env.exporter.batches))
	}
	stats := env.poller.SnapStats()
	if stats[QUEUE_POLLER_STATS_CYCLE_COUNT] != 1 || stats[QUEUE_POLLER_STATS_QUERY_COUNT] != 0 {
		tlc.Fatalf("stats: got: %v", stats)
	}
}

func TestQueuePollerPoll(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, logger.Log, nil)
	defer tlc.RestoreLog()

	env := newTestQueuePollerEnv(t, 3)
	env.setCircuitBytes("c0", 1000, 2000)
	env.setCircuitBytes("c1", 3000, 4000)
	env.setCircuitBytes("c2", 5000, 6000)
	env.registry.AddWatch("c1")
	env.registry.AddWatch("c0")

	batch := env.poller.Poll()
	if batch == nil {
		tlc.Fatal("batch: want: not nil")
	}

	errBuf := &bytes.Buffer{}
	if batch.BatchId != "batch-1" {
		fmt.Fprintf(errBuf, "\nbatch_id: want: %q, got: %q", "batch-1", batch.BatchId)
	}
	if got := batch.Timestamp.UnixMilli(); got != 1700000000123 {
		fmt.Fprintf(errBuf, "\ntimestamp: want: %d, got: %d", 1700000000123, got)
	}
	gotRecords := make([]string, 0)
	for _, rec := range batch.Records {
		common := rec.Qdisc.Common()
		gotRecords = append(gotRecords, fmt.Sprintf(
			"%s %s %s %s %d",
			rec.CircuitId, rec.Direction, rec.Interface, common.Parent, common.Uint64[qdisc.QDISC_BYTES],
		))
		if _, ok := rec.Qdisc.(*qdisc.TcFqCodel); !ok {
			fmt.Fprintf(errBuf, "\n%s %s: qdisc: want: %T, got: %T", rec.CircuitId, rec.Direction, &qdisc.TcFqCodel{}, rec.Qdisc)
		}
	}
	wantRecords := []string{
		"c0 download ifA 1:2 1000",
		"c0 upload ifB 2:2 2000",
		"c1 download ifA 1:3 3000",
		"c1 upload ifB 2:3 4000",
	}
	testutils.CompareSlices(wantRecords, gotRecords, "records", errBuf)

	// Only the watched circuits are queried:
	testutils.CompareSortedSlices(
		[]string{"ifA/1:2", "ifB/2:2", "ifA/1:3", "ifB/2:3"},
		env.source.snapQueries(),
		"queries",
		errBuf,
	)

	if len(env.exporter.batches) != 1 || env.exporter.batches[0] != batch {
		fmt.Fprintf(errBuf, "\nexported batches: want: [batch], got: %d batch(es)", len(env.exporter.batches))
	}

	stats := env.poller.SnapStats()
	if stats[QUEUE_POLLER_STATS_QUERY_COUNT] != 4 {
		fmt.Fprintf(errBuf, "\nquery count: want: 4, got: %d", stats[QUEUE_POLLER_STATS_QUERY_COUNT])
	}
	if stats[QUEUE_POLLER_STATS_RECORD_COUNT] != 4 {
		fmt.Fprintf(errBuf, "\nrecord count: want: 4, got: %d", stats[QUEUE_POLLER_STATS_RECORD_COUNT])
	}
	if errBuf.Len() > 0 {
		tlc.Fatal(errBuf)
	}
}

func TestQueuePollerRefreshOnActivity(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, logger.Log, nil)
	defer tlc.RestoreLog()

	env := newTestQueuePollerEnv(t, 3)
	for _, circuitId := range []string{"c0", "c1", "c2"} {
		env.setCircuitBytes(circuitId, 1000, 1000)
		env.registry.AddWatch(circuitId)
	}

	// The 1st cycle establishes the baseline:
	env.poller.Poll()
	if n := env.poller.SnapStats()[QUEUE_POLLER_STATS_REFRESH_COUNT]; n != 0 {
		tlc.Fatalf("refresh count after 1st cycle: want: 0, got: %d", n)
	}

	before := make(map[string]time.Time)
	for _, queue := range env.registry.List() {
		before[queue.CircuitId] = queue.ExpiresAt
	}
	time.Sleep(5 * time.Millisecond)

	// c0 has traffic, c1 had its counters reset, c2 is idle:
	env.setCircuitBytes("c0", 1500, 1000)
	env.setCircuitBytes("c1", 10, 10)
	env.poller.Poll()

	if n := env.poller.SnapStats()[QUEUE_POLLER_STATS_REFRESH_COUNT]; n != 2 {
		tlc.Fatalf("refresh count: want: 2, got: %d", n)
	}
	for circuitId, wantRefreshed := range map[string]bool{"c0": true, "c1": true, "c2": false} {
		queue, ok := env.registry.Get(circuitId)
		if !ok {
			tlc.Fatalf("%s: no longer watched", circuitId)
		}
		if gotRefreshed := queue.ExpiresAt.After(before[circuitId]); gotRefreshed != wantRefreshed {
			tlc.Fatalf("%s: refreshed: want: %v, got: %v", circuitId, wantRefreshed, gotRefreshed)
		}
	}
}

func TestQueuePollerStalledExporter(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, logger.Log, nil)
	defer tlc.RestoreLog()

	env := newTestQueuePollerEnv(t, 1)
	registryCfg := watched.DefaultWatchedQueuesConfig()
	registryCfg.Ttl = "500ms"
	registryCfg.Capacity = 2
	registry, err := watched.NewWatchedQueues(registryCfg, env.directory)
	if err != nil {
		tlc.Fatal(err)
	}
	env.registry, env.poller.registry = registry, registry

	// ClickHouse w/ a backend that stalls until the end of the test:
	release := make(chan struct{})
	chBatch := &testClickhouseBatch{}
	queries := make([]string, 0)
	chExporter := newTestClickhouseExporter(chBatch, &queries)
	prepareBatchFn := chExporter.prepareBatchFn
	chExporter.prepareBatchFn = func(ctx context.Context, query string) (ClickhouseBatch, error) {
		<-release
		return prepareBatchFn(ctx, query)
	}
	numCycles := 7
	chExporter.start(numCycles)
	env.poller.exporter = NewRecordExporters(chExporter)

	// The expiry sweep runs independently of the poll cycle:
	sweepDone := make(chan struct{})
	sweepWg := &sync.WaitGroup{}
	sweepWg.Add(1)
	go func() {
		defer sweepWg.Done()
		for {
			select {
			case <-sweepDone:
				return
			case <-time.After(20 * time.Millisecond):
				registry.ExpireSweep()
			}
		}
	}()

	registry.AddWatch("c0")
	pollInterval := 100 * time.Millisecond
	for cycle := 0; cycle < numCycles; cycle++ {
		// Traffic on every cycle:
		env.setCircuitBytes("c0", uint64(1000*(cycle+1)), 1000)
		start := time.Now()
		env.poller.Poll()
		if d := time.Since(start); d >= pollInterval {
			close(sweepDone)
			close(release)
			tlc.Fatalf("cycle %d: Poll took %s, want < %s", cycle, d, pollInterval)
		}
		time.Sleep(pollInterval)
	}
	close(sweepDone)
	sweepWg.Wait()

	_, watchedAtEnd := registry.Get("c0")
	stats := registry.Stats()
	close(release)
	chExporter.Shutdown()

	if !watchedAtEnd {
		tlc.Fatalf("c0: active circuit no longer watched, stats: %v", stats)
	}
	if n := stats[watched.WATCHED_QUEUES_EXPIRED_STATS_INDEX]; n != 0 {
		tlc.Fatalf("expired count: want: 0, got: %d", n)
	}
	if n := env.poller.SnapStats()[QUEUE_POLLER_STATS_REFRESH_COUNT]; n != uint64(numCycles-1) {
		tlc.Fatalf("refresh count: want: %d, got: %d", numCycles-1, n)
	}
	// All the batches made it once the backend recovered:
	if len(queries) != numCycles {
		tlc.Fatalf("inserted batches: want: %d, got: %d", numCycles, len(queries))
	}
}

func TestQueuePollerNoRefreshWhenDisabled(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, logger.Log, nil)
	defer tlc.RestoreLog()

	env := newTestQueuePollerEnv(t, 1)
	env.poller.refreshOnActivity = false
	env.setCircuitBytes("c0", 1000, 1000)
	env.registry.AddWatch("c0")
	env.poller.Poll()
	env.setCircuitBytes("c0", 2000, 2000)
	env.poller.Poll()
	if n := env.poller.SnapStats()[QUEUE_POLLER_STATS_REFRESH_COUNT]; n != 0 {
		tlc.Fatalf("refresh count: want: 0, got: %d", n)
	}
}

func TestQueuePollerErrors(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, logger.Log, nil)
	defer tlc.RestoreLog()

	env := newTestQueuePollerEnv(t, 2)
	env.setCircuitBytes("c0", 1000, 2000)
	env.setCircuitBytes("c1", 3000, 4000)
	// c0 download query fails, c1 upload has an undecodable entry next to a
	// good one:
	env.source.setErr(testDownloadIface, env.directory["c0"][0], errors.New("tc failed"))
	c1Up := env.directory["c1"][1]
	env.source.set(
		testUploadIface, c1Up,
		testFqCodelEntry("8002:", c1Up.String(), 4000),
		map[string]any{"kind": "fq_codel", "handle": "bogus", "parent": c1Up.String()},
	)
	env.exporter.err = errors.New("export failed")
	env.registry.AddWatch("c0")
	env.registry.AddWatch("c1")

	batch := env.poller.Poll()
	if batch == nil {
		tlc.Fatal("batch: want: not nil")
	}
	if len(batch.Records) != 3 {
		tlc.Fatalf("records: want: 3, got: %d", len(batch.Records))
	}

	stats := env.poller.SnapStats()
	errBuf := &bytes.Buffer{}
	for _, check := range []struct {
		name  string
		index int
		want  uint64
	}{
		{"query", QUEUE_POLLER_STATS_QUERY_COUNT, 4},
		{"query_error", QUEUE_POLLER_STATS_QUERY_ERROR_COUNT, 1},
		{"decode_error", QUEUE_POLLER_STATS_DECODE_ERROR_COUNT, 1},
		{"record", QUEUE_POLLER_STATS_RECORD_COUNT, 3},
		{"export_error", QUEUE_POLLER_STATS_EXPORT_ERROR_COUNT, 1},
	} {
		if got := stats[check.index]; got != check.want {
			fmt.Fprintf(errBuf, "\n%s: want: %d, got: %d", check.name, check.want, got)
		}
	}
	if errBuf.Len() > 0 {
		tlc.Fatal(errBuf)
	}
}

func TestQueuePollerSkipsNoneClass(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, logger.Log, nil)
	defer tlc.RestoreLog()

	env := newTestQueuePollerEnv(t, 1)
	env.directory["down_only"] = [2]qdisc.TcHandle{qdisc.NewTcHandle(1, 100), qdisc.TcHandleNone}
	env.source.set(testDownloadIface, qdisc.NewTcHandle(1, 100), testFqCodelEntry("8001:", "1:64", 100))
	env.registry.AddWatch("down_only")

	env.poller.Poll()
	errBuf := &bytes.Buffer{}
	if !testutils.CompareSlices([]string{"ifA/1:64"}, env.source.snapQueries(), "queries", errBuf) {
		tlc.Fatal(errBuf)
	}
}

func TestQueuePollerTaskBuilder(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, logger.Log, nil)
	defer tlc.RestoreLog()

	savedRegistry, savedPoller := GlobalWatchedQueues, GlobalQueuePoller
	defer func() { GlobalWatchedQueues, GlobalQueuePoller = savedRegistry, savedPoller }()

	GlobalWatchedQueues = nil
	if _, err := QueuePollerTaskBuilder(DefaultTrackerConfig()); err == nil {
		tlc.Fatal("want error w/o registry")
	}

	registry, err := watched.NewWatchedQueues(nil, testCircuitDirectory{})
	if err != nil {
		tlc.Fatal(err)
	}
	GlobalWatchedQueues = registry
	tasks, err := QueuePollerTaskBuilder(DefaultTrackerConfig())
	if err != nil {
		tlc.Fatal(err)
	}
	gotIds := make([]string, len(tasks))
	for i, task := range tasks {
		gotIds[i] = task.Id()
		if task.Interval() != time.Second {
			tlc.Fatalf("task %s: interval: want: 1s, got: %s", task.Id(), task.Interval())
		}
	}
	errBuf := &bytes.Buffer{}
	if !testutils.CompareSlices([]string{QUEUE_POLLER_ID, "expiry_sweep"}, gotIds, "task ids", errBuf) {
		tlc.Fatal(errBuf)
	}
	if GlobalQueuePoller == nil {
		tlc.Fatal("GlobalQueuePoller not set")
	}
}
