// Metrics queue abstraction and the stdout implementation.

package tracker

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/docker/go-units"

	"github.com/jaber-the-great/LibreQoS/internal/utils"
)

// The general flow of a metrics producer:
//
//	repeat until no more metrics
//	- buf <- MetricsQueue.GetBuf()
//	- fill buf w/ metrics until it reaches MetricsQueue.GetTargetSize() or
//	  there are no more metrics
//	- MetricsQueue.QueueBuf(buf)
type MetricsQueue interface {
	GetBuf() *bytes.Buffer
	ReturnBuf(buf *bytes.Buffer)
	QueueBuf(buf *bytes.Buffer)
	GetTargetSize() int
}

// Display the metrics instead of sending them to import endpoints:
type StdoutMetricsQueue struct {
	bufPool         *utils.BufPool
	metricsQueue    chan *bytes.Buffer
	batchTargetSize int
	out             io.Writer
	wg              *sync.WaitGroup
}

func NewStdoutMetricsQueue(cfg any) (*StdoutMetricsQueue, error) {
	return newWriterMetricsQueue(cfg, os.Stdout)
}

func newWriterMetricsQueue(cfg any, out io.Writer) (*StdoutMetricsQueue, error) {
	var poolCfg *CompressorPoolConfig

	switch cfg := cfg.(type) {
	case *TrackerConfig:
		poolCfg = cfg.CompressorPoolConfig
	case *CompressorPoolConfig:
		poolCfg = cfg
	case nil:
	default:
		return nil, fmt.Errorf("NewStdoutMetricsQueue: %T invalid config type", cfg)
	}
	if poolCfg == nil {
		poolCfg = DefaultCompressorPoolConfig()
	}

	batchTargetSize, err := units.RAMInBytes(poolCfg.BatchTargetSize)
	if err != nil {
		return nil, fmt.Errorf(
			"NewStdoutMetricsQueue: invalid batch_target_size %q: %v",
			poolCfg.BatchTargetSize, err,
		)
	}

	mq := &StdoutMetricsQueue{
		bufPool:         utils.NewBufPool(poolCfg.BufferPoolMaxSize),
		metricsQueue:    make(chan *bytes.Buffer, poolCfg.MetricsQueueSize),
		batchTargetSize: int(batchTargetSize),
		out:             out,
		wg:              &sync.WaitGroup{},
	}

	mq.wg.Add(1)
	go mq.loop()

	return mq, nil
}

func (mq *StdoutMetricsQueue) GetBuf() *bytes.Buffer {
	return mq.bufPool.GetBuf()
}

func (mq *StdoutMetricsQueue) ReturnBuf(buf *bytes.Buffer) {
	mq.bufPool.ReturnBuf(buf)
}

func (mq *StdoutMetricsQueue) QueueBuf(buf *bytes.Buffer) {
	mq.metricsQueue <- buf
}

func (mq *StdoutMetricsQueue) GetTargetSize() int {
	return mq.batchTargetSize
}

func (mq *StdoutMetricsQueue) loop() {
	defer mq.wg.Done()

	for buf := range mq.metricsQueue {
		mq.out.Write(buf.Bytes())
		io.WriteString(mq.out, "\n")
		mq.bufPool.ReturnBuf(buf)
	}
}

func (mq *StdoutMetricsQueue) Shutdown() {
	close(mq.metricsQueue)
	mq.wg.Wait()
}
