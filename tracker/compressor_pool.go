// Compressor pool for the VictoriaMetrics import.

package tracker

// The pool consists of:
//  - a metrics channel into which the exporter writes buffers
//  - N compressors reading from the channel and gzip compressing the buffers
//    into a batch until it either reaches a target size or a flush interval
//    lapses, at which point the batch is handed to the sender.
//
// The compressed batch size cannot be assessed accurately while the batch is
// in progress, since some of it is in the compressor's buffer. It is estimated
// as the number of read bytes divided by the compression factor, CF, which is
// updated at batch end w/ exponential decay:
//   CF = (1 - alpha) * batchCF + alpha * CF, alpha = (0..1)
// where batchCF = (number of read bytes) / (batch size).

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"sync"
	"time"

	"github.com/docker/go-units"

	"github.com/jaber-the-great/LibreQoS/internal/logger"
	"github.com/jaber-the-great/LibreQoS/internal/utils"
)

const (
	COMPRESSOR_POOL_CONFIG_NUM_COMPRESSORS_DEFAULT      = -1
	COMPRESSOR_POOL_CONFIG_BUFFER_POOL_MAX_SIZE_DEFAULT = 64
	COMPRESSOR_POOL_CONFIG_METRICS_QUEUE_SIZE_DEFAULT   = 64
	COMPRESSOR_POOL_CONFIG_COMPRESSION_LEVEL_DEFAULT    = gzip.DefaultCompression
	COMPRESSOR_POOL_CONFIG_BATCH_TARGET_SIZE_DEFAULT    = "64k"
	COMPRESSOR_POOL_CONFIG_FLUSH_INTERVAL_DEFAULT       = "5s"

	COMPRESSOR_POOL_MAX_NUM_COMPRESSORS = 4

	INITIAL_COMPRESSION_FACTOR         = 2.
	COMPRESSION_FACTOR_EXP_DECAY_ALPHA = 0.8
	// A compressed batch should be at least this size to be used for updating
	// the compression factor:
	COMPRESSED_BATCH_MIN_SIZE_FOR_CF = 128
)

const (
	COMPRESSOR_POOL_STATE_CREATED = iota
	COMPRESSOR_POOL_STATE_RUNNING
	COMPRESSOR_POOL_STATE_STOPPED
)

var compressorStateMap = map[int]string{
	COMPRESSOR_POOL_STATE_CREATED: "Created",
	COMPRESSOR_POOL_STATE_RUNNING: "Running",
	COMPRESSOR_POOL_STATE_STOPPED: "Stopped",
}

// Compressor stats, uint64 indices:
const (
	COMPRESSOR_STATS_READ_COUNT = iota
	COMPRESSOR_STATS_READ_BYTE_COUNT
	COMPRESSOR_STATS_SEND_COUNT
	COMPRESSOR_STATS_SEND_BYTE_COUNT
	COMPRESSOR_STATS_TIMEOUT_FLUSH_COUNT
	COMPRESSOR_STATS_SEND_ERROR_COUNT
	COMPRESSOR_STATS_WRITE_ERROR_COUNT

	// Must be last:
	COMPRESSOR_STATS_UINT64_LEN
)

type CompressorStats struct {
	Uint64Stats       [COMPRESSOR_STATS_UINT64_LEN]uint64
	CompressionFactor float64
}

// Where the compressed batches go:
type Sender interface {
	SendBuffer(b []byte, timeout time.Duration, gzipped bool) error
}

type CompressorPoolConfig struct {
	// The number of compressors; use -1 to match the number of available CPUs,
	// but not more than COMPRESSOR_POOL_MAX_NUM_COMPRESSORS:
	NumCompressors int `yaml:"num_compressors"`
	// How many idle buffers are kept around:
	BufferPoolMaxSize int `yaml:"buffer_pool_max_size"`
	// The metrics queue depth:
	MetricsQueueSize int `yaml:"metrics_queue_size"`
	// Compression level: 0..9, -1 for default:
	CompressionLevel int `yaml:"compression_level"`
	// Batch target size, w/ the usual `k` or `m` suffixes:
	BatchTargetSize string `yaml:"batch_target_size"`
	// Send a partial batch after this interval, in time.ParseDuration()
	// format; use 0 to disable:
	FlushInterval string `yaml:"flush_interval"`
}

func DefaultCompressorPoolConfig() *CompressorPoolConfig {
	return &CompressorPoolConfig{
		NumCompressors:    COMPRESSOR_POOL_CONFIG_NUM_COMPRESSORS_DEFAULT,
		BufferPoolMaxSize: COMPRESSOR_POOL_CONFIG_BUFFER_POOL_MAX_SIZE_DEFAULT,
		MetricsQueueSize:  COMPRESSOR_POOL_CONFIG_METRICS_QUEUE_SIZE_DEFAULT,
		CompressionLevel:  COMPRESSOR_POOL_CONFIG_COMPRESSION_LEVEL_DEFAULT,
		BatchTargetSize:   COMPRESSOR_POOL_CONFIG_BATCH_TARGET_SIZE_DEFAULT,
		FlushInterval:     COMPRESSOR_POOL_CONFIG_FLUSH_INTERVAL_DEFAULT,
	}
}

type CompressorPool struct {
	numCompressors   int
	bufPool          *utils.BufPool
	metricsQueue     chan *bytes.Buffer
	compressionLevel int
	batchTargetSize  int
	flushInterval    time.Duration
	state            int
	stateMu          *sync.Mutex
	stats            []CompressorStats
	statsMu          *sync.Mutex
	wg               *sync.WaitGroup
}

// The state of a compressor while a batch is in progress:
type compressor struct {
	indx          int
	pool          *CompressorPool
	sender        Sender
	gzBuf         *bytes.Buffer
	gzWriter      *gzip.Writer
	estimatedCF   float64
	readByteLimit int
	// Current batch:
	readCount     int
	readByteCount int
	flushTimer    *time.Timer
	timerSet      bool
}

var compressorLog = logger.NewCompLogger("compressor")

func NewCompressorPool(cfg any) (*CompressorPool, error) {
	var poolCfg *CompressorPoolConfig

	switch cfg := cfg.(type) {
	case *TrackerConfig:
		poolCfg = cfg.CompressorPoolConfig
	case *CompressorPoolConfig:
		poolCfg = cfg
	case nil:
	default:
		return nil, fmt.Errorf("NewCompressorPool: %T invalid config type", cfg)
	}
	if poolCfg == nil {
		poolCfg = DefaultCompressorPoolConfig()
	}

	if _, err := gzip.NewWriterLevel(nil, poolCfg.CompressionLevel); err != nil {
		return nil, fmt.Errorf("NewCompressorPool: %v", err)
	}

	batchTargetSize, err := units.RAMInBytes(poolCfg.BatchTargetSize)
	if err != nil {
		return nil, fmt.Errorf(
			"NewCompressorPool: invalid batch_target_size %q: %v",
			poolCfg.BatchTargetSize, err,
		)
	}

	flushInterval, err := time.ParseDuration(poolCfg.FlushInterval)
	if err != nil {
		return nil, fmt.Errorf(
			"NewCompressorPool: invalid flush_interval %q: %v",
			poolCfg.FlushInterval, err,
		)
	}

	numCompressors := poolCfg.NumCompressors
	if numCompressors <= 0 {
		numCompressors = utils.CountAvailableCPUs()
	}
	if numCompressors > COMPRESSOR_POOL_MAX_NUM_COMPRESSORS {
		numCompressors = COMPRESSOR_POOL_MAX_NUM_COMPRESSORS
	}

	pool := &CompressorPool{
		numCompressors:   numCompressors,
		bufPool:          utils.NewBufPool(poolCfg.BufferPoolMaxSize),
		metricsQueue:     make(chan *bytes.Buffer, poolCfg.MetricsQueueSize),
		compressionLevel: poolCfg.CompressionLevel,
		batchTargetSize:  int(batchTargetSize),
		flushInterval:    flushInterval,
		state:            COMPRESSOR_POOL_STATE_CREATED,
		stateMu:          &sync.Mutex{},
		stats:            make([]CompressorStats, numCompressors),
		statsMu:          &sync.Mutex{},
		wg:               &sync.WaitGroup{},
	}

	compressorLog.Infof("num_compressors=%d", pool.numCompressors)
	compressorLog.Infof("buffer_pool_max_size=%d", poolCfg.BufferPoolMaxSize)
	compressorLog.Infof("metrics_queue_size=%d", poolCfg.MetricsQueueSize)
	compressorLog.Infof("compression_level=%d", pool.compressionLevel)
	compressorLog.Infof("batch_target_size=%d", pool.batchTargetSize)
	compressorLog.Infof("flush_interval=%s", pool.flushInterval)

	return pool, nil
}

func (pool *CompressorPool) Start(sender Sender) {
	pool.stateMu.Lock()
	defer pool.stateMu.Unlock()

	if pool.state != COMPRESSOR_POOL_STATE_CREATED {
		compressorLog.Warnf(
			"compressor pool can only be started from state %d '%s', not from %d '%s'",
			COMPRESSOR_POOL_STATE_CREATED, compressorStateMap[COMPRESSOR_POOL_STATE_CREATED],
			pool.state, compressorStateMap[pool.state],
		)
		return
	}

	for indx := 0; indx < pool.numCompressors; indx++ {
		pool.wg.Add(1)
		go pool.newCompressor(indx, sender).loop()
	}
	pool.state = COMPRESSOR_POOL_STATE_RUNNING
}

// Close the queue and wait for the pending batches to be sent:
func (pool *CompressorPool) Shutdown() {
	pool.stateMu.Lock()
	defer pool.stateMu.Unlock()

	if pool.state == COMPRESSOR_POOL_STATE_STOPPED {
		compressorLog.Warnf(
			"compressor pool already in state %d '%s'",
			COMPRESSOR_POOL_STATE_STOPPED, compressorStateMap[COMPRESSOR_POOL_STATE_STOPPED],
		)
		return
	}

	compressorLog.Info("close metrics queue")
	close(pool.metricsQueue)
	pool.wg.Wait()
	compressorLog.Info("all compressors stopped")
	pool.state = COMPRESSOR_POOL_STATE_STOPPED
}

// MetricsQueue interface:
func (pool *CompressorPool) GetBuf() *bytes.Buffer {
	return pool.bufPool.GetBuf()
}

func (pool *CompressorPool) ReturnBuf(buf *bytes.Buffer) {
	pool.bufPool.ReturnBuf(buf)
}

func (pool *CompressorPool) QueueBuf(buf *bytes.Buffer) {
	pool.metricsQueue <- buf
}

func (pool *CompressorPool) GetTargetSize() int {
	return pool.batchTargetSize
}

func (pool *CompressorPool) SnapStats() []CompressorStats {
	pool.statsMu.Lock()
	defer pool.statsMu.Unlock()
	return append([]CompressorStats(nil), pool.stats...)
}

func (pool *CompressorPool) newCompressor(indx int, sender Sender) *compressor {
	c := &compressor{
		indx:        indx,
		pool:        pool,
		sender:      sender,
		gzBuf:       &bytes.Buffer{},
		estimatedCF: INITIAL_COMPRESSION_FACTOR,
		flushTimer:  time.NewTimer(time.Hour),
	}
	if !c.flushTimer.Stop() {
		<-c.flushTimer.C
	}
	if pool.compressionLevel == gzip.NoCompression {
		c.estimatedCF = 1.
	}
	c.readByteLimit = int(float64(pool.batchTargetSize) * c.estimatedCF)
	return c
}

func (c *compressor) stopTimer() {
	if c.timerSet && !c.flushTimer.Stop() {
		<-c.flushTimer.C
	}
	c.timerSet = false
}

// Add a buffer to the current batch, starting one as needed; return false on
// write error:
func (c *compressor) write(buf *bytes.Buffer) bool {
	pool := c.pool
	if c.readCount == 0 {
		c.gzBuf.Reset()
		if c.gzWriter == nil {
			// The level was validated at pool creation:
			c.gzWriter, _ = gzip.NewWriterLevel(c.gzBuf, pool.compressionLevel)
		} else {
			c.gzWriter.Reset(c.gzBuf)
		}
		if pool.flushInterval > 0 {
			c.flushTimer.Reset(pool.flushInterval)
			c.timerSet = true
		}
	}
	c.readCount++
	c.readByteCount += buf.Len()
	_, err := c.gzWriter.Write(buf.Bytes())
	pool.bufPool.ReturnBuf(buf)
	if err != nil {
		compressorLog.Warnf("compressor %d: %v", c.indx, err)
		c.stopTimer()
		c.readCount, c.readByteCount = 0, 0
		// Force the recreation of the writer:
		c.gzWriter = nil
		pool.statsMu.Lock()
		pool.stats[c.indx].Uint64Stats[COMPRESSOR_STATS_WRITE_ERROR_COUNT] += 1
		pool.statsMu.Unlock()
		return false
	}
	return true
}

func (c *compressor) send(timeoutFlush bool) {
	pool := c.pool
	c.stopTimer()
	c.gzWriter.Close()

	sentCount, sentByteCount, sendErrCount := 1, c.gzBuf.Len(), 0
	if sentByteCount >= COMPRESSED_BATCH_MIN_SIZE_FOR_CF {
		batchCF := float64(c.readByteCount) / float64(sentByteCount)
		alpha := COMPRESSION_FACTOR_EXP_DECAY_ALPHA
		c.estimatedCF = (1-alpha)*batchCF + alpha*c.estimatedCF
		c.readByteLimit = int(float64(pool.batchTargetSize) * c.estimatedCF)
	}
	if c.sender != nil {
		if err := c.sender.SendBuffer(c.gzBuf.Bytes(), -1, true); err != nil {
			compressorLog.Warnf("compressor %d: %v", c.indx, err)
			sentByteCount, sendErrCount = 0, 1
		}
	} else {
		sentCount, sentByteCount = 0, 0
	}

	pool.statsMu.Lock()
	stats := &pool.stats[c.indx]
	stats.Uint64Stats[COMPRESSOR_STATS_READ_COUNT] += uint64(c.readCount)
	stats.Uint64Stats[COMPRESSOR_STATS_READ_BYTE_COUNT] += uint64(c.readByteCount)
	stats.Uint64Stats[COMPRESSOR_STATS_SEND_COUNT] += uint64(sentCount)
	stats.Uint64Stats[COMPRESSOR_STATS_SEND_BYTE_COUNT] += uint64(sentByteCount)
	stats.Uint64Stats[COMPRESSOR_STATS_SEND_ERROR_COUNT] += uint64(sendErrCount)
	if timeoutFlush {
		stats.Uint64Stats[COMPRESSOR_STATS_TIMEOUT_FLUSH_COUNT] += 1
	}
	stats.CompressionFactor = c.estimatedCF
	pool.statsMu.Unlock()

	c.readCount, c.readByteCount = 0, 0
}

func (c *compressor) loop() {
	defer func() {
		c.stopTimer()
		compressorLog.Infof("compressor %d stopped", c.indx)
		c.pool.wg.Done()
	}()

	compressorLog.Infof("start compressor %d", c.indx)
	for {
		select {
		case buf, isOpen := <-c.pool.metricsQueue:
			if !isOpen {
				if c.readCount > 0 {
					c.send(false)
				}
				return
			}
			if buf == nil || buf.Len() == 0 {
				c.pool.bufPool.ReturnBuf(buf)
				continue
			}
			if c.write(buf) && c.readByteCount >= c.readByteLimit {
				c.send(false)
			}
		case <-c.flushTimer.C:
			c.timerSet = false
			if c.readCount > 0 {
				c.send(true)
			}
		}
	}
}
