// Task builders, registered by the components that generate periodic tasks.

package tracker

import (
	"sync"

	"github.com/jaber-the-great/LibreQoS/circuits"
	"github.com/jaber-the-great/LibreQoS/internal/logger"
)

type TaskBuilderFunc func(cfg *TrackerConfig) ([]*Task, error)

type TaskBuilderList struct {
	builders []TaskBuilderFunc
	mu       *sync.Mutex
}

var TaskBuilders = &TaskBuilderList{
	builders: make([]TaskBuilderFunc, 0),
	mu:       &sync.Mutex{},
}

func (tbl *TaskBuilderList) Register(tb TaskBuilderFunc) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tbl.builders = append(tbl.builders, tb)
}

func (tbl *TaskBuilderList) List() []TaskBuilderFunc {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	return append([]TaskBuilderFunc(nil), tbl.builders...)
}

// Build the tasks from all the registered builders:
func (tbl *TaskBuilderList) Build(cfg *TrackerConfig) ([]*Task, error) {
	tasks := make([]*Task, 0)
	for _, tb := range tbl.List() {
		built, err := tb(cfg)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, built...)
	}
	return tasks, nil
}

var circuitsTaskLog = logger.NewCompLogger("circuits_task")

// Fallback for the file watch, based on the modification time:
type CircuitsReloadTask struct {
	monitor *circuits.QueuingStructureMonitor
}

func (crt *CircuitsReloadTask) Execute() {
	reloaded, err := crt.monitor.CheckReload()
	if err != nil {
		circuitsTaskLog.Warn(err)
	} else if reloaded {
		circuitsTaskLog.Infof(
			"queuing structure reloaded, %d circuit(s)",
			crt.monitor.Current().Len(),
		)
	}
}

func CircuitsReloadTaskBuilder(cfg *TrackerConfig) ([]*Task, error) {
	if GlobalCircuitsMonitor == nil {
		return nil, nil
	}
	interval := GlobalCircuitsMonitor.ReloadInterval()
	if interval <= 0 {
		circuitsTaskLog.Infof("reload_interval=%s, periodic reload disabled", interval)
		return nil, nil
	}
	return []*Task{
		NewTask("circuits_reload", interval, &CircuitsReloadTask{GlobalCircuitsMonitor}),
	}, nil
}

func init() {
	TaskBuilders.Register(CircuitsReloadTaskBuilder)
}
