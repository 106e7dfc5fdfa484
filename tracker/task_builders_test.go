package tracker

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jaber-the-great/LibreQoS/internal/logger"
	"github.com/jaber-the-great/LibreQoS/internal/testutils"
)

type testTaskAction struct{}

func (a *testTaskAction) Execute() {}

func TestTaskBuilderListBuild(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, logger.Log, nil)
	defer tlc.RestoreLog()

	tbl := &TaskBuilderList{
		builders: make([]TaskBuilderFunc, 0),
		mu:       &sync.Mutex{},
	}
	for _, id := range []string{"a", "b"} {
		taskId := id
		tbl.Register(func(cfg *TrackerConfig) ([]*Task, error) {
			return []*Task{NewTask(taskId, time.Second, &testTaskAction{})}, nil
		})
	}
	tbl.Register(func(cfg *TrackerConfig) ([]*Task, error) {
		return nil, nil
	})

	tasks, err := tbl.Build(DefaultTrackerConfig())
	if err != nil {
		tlc.Fatal(err)
	}
	gotIds := make([]string, len(tasks))
	for i, task := range tasks {
		gotIds[i] = task.Id()
	}
	errBuf := &bytes.Buffer{}
	if !testutils.CompareSlices([]string{"a", "b"}, gotIds, "task id", errBuf) {
		tlc.Fatal(errBuf)
	}

	buildErr := errors.New("build error")
	tbl.Register(func(cfg *TrackerConfig) ([]*Task, error) {
		return nil, buildErr
	})
	if _, err := tbl.Build(DefaultTrackerConfig()); !errors.Is(err, buildErr) {
		tlc.Fatalf("Build(): want: %v, got: %v", buildErr, err)
	}
}

func TestCircuitsReloadTaskBuilderNoMonitor(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, logger.Log, nil)
	defer tlc.RestoreLog()

	savedMonitor := GlobalCircuitsMonitor
	GlobalCircuitsMonitor = nil
	defer func() { GlobalCircuitsMonitor = savedMonitor }()

	tasks, err := CircuitsReloadTaskBuilder(DefaultTrackerConfig())
	if err != nil {
		tlc.Fatal(err)
	}
	if len(tasks) != 0 {
		tlc.Fatalf("want no tasks, got %d", len(tasks))
	}
}
