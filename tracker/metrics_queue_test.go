package tracker

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/jaber-the-great/LibreQoS/internal/logger"
	"github.com/jaber-the-great/LibreQoS/internal/testutils"
)

func TestStdoutMetricsQueue(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, logger.Log, nil)
	defer tlc.RestoreLog()

	cfg := DefaultCompressorPoolConfig()
	cfg.BatchTargetSize = "2k"
	out := &bytes.Buffer{}
	mq, err := newWriterMetricsQueue(cfg, out)
	if err != nil {
		tlc.Fatal(err)
	}
	if mq.GetTargetSize() != 2048 {
		tlc.Fatalf("GetTargetSize(): want: %d, got: %d", 2048, mq.GetTargetSize())
	}

	want := ""
	for i := 0; i < 3; i++ {
		buf := mq.GetBuf()
		fmt.Fprintf(buf, "lqtracker_qdisc_drops{circuit_id=\"c%d\"} %d", i, i)
		want += buf.String() + "\n"
		mq.QueueBuf(buf)
	}
	// Returned w/o being queued, it should not be displayed:
	buf := mq.GetBuf()
	buf.WriteString("discarded")
	mq.ReturnBuf(buf)

	mq.Shutdown()
	if got := out.String(); got != want {
		tlc.Fatalf("output:\nwant:\n%s\ngot:\n%s", want, got)
	}
}

func TestStdoutMetricsQueueInvalidConfig(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, logger.Log, nil)
	defer tlc.RestoreLog()

	cfg := DefaultCompressorPoolConfig()
	cfg.BatchTargetSize = "lots"
	if _, err := NewStdoutMetricsQueue(cfg); err == nil {
		tlc.Fatal("want error, got nil")
	}
	if _, err := NewStdoutMetricsQueue(DefaultVmExporterConfig()); err == nil {
		tlc.Fatal("want error for invalid config type, got nil")
	}
}
