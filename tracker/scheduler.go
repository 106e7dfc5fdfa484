// Scheduler for the periodic tasks of the tracker.

package tracker

//  Task Definition
//  ===============
//
// Each periodic activity (queue poll, expiry sweep, queuing structure reload,
// internal metrics) is a task, identified by a unique id. The attributes
// relevant for scheduling:
//  - the interval by which it is to be repeated
//  - the next deadline
//
//  Scheduler Architecture
//  ======================
//
//             +----------------+
//             | Next Task Heap |
//             +----------------+
//                     ^
//                     | task
//                     v
//             +----------------+
//             |   Dispatcher   |
//             +----------------+
//               ^            | task
//               | task       v
//         +----------+  +----------+
//         | Task Que |  | TODO Que |
//         +----------+  +----------+
//            ^  ^            |
//   new task |  |            |
//   ---------+  |  +---------+---- ... ----+
//              /   | task    | task        | task
//          +--+    v         v             v
//          |  +--------+ +--------+   +--------+
//          |  | Worker | | Worker |...| Worker |
//          |  +--------+ +--------+   +--------+
//          |       |         |             |
//          +-------+---------+----- ... ---+
//
//  Principles Of Operation
//  =======================
//
// The Next Task Heap is a min heap sorted by deadline. The Dispatcher waits
// for the deadline at the top, pops the task and it adds it to the TODO Queue,
// which feeds the Worker Pool. A Worker executes the task, it updates the
// deadline for the next execution and it returns the task via the Task Queue.
// The Dispatcher pulls new/re-added tasks from the Task Queue and it inserts
// them into the heap; if the top changes, the wait is re-evaluated.
//
// Deadlines are aligned to multiples of the interval. A task whose execution
// lasted past its next deadline is rescheduled for the next future multiple
// (the missed deadlines are counted as overrun, rather than being executed
// back to back).

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jaber-the-great/LibreQoS/internal/logger"
	"github.com/jaber-the-great/LibreQoS/internal/utils"
)

const (
	SCHEDULER_CONFIG_NUM_WORKERS_DEFAULT = -1
	SCHEDULER_MAX_NUM_WORKERS            = 4
	SCHEDULER_TASK_Q_LEN                 = 64
	SCHEDULER_TODO_Q_LEN                 = 64

	// A task dispatched later than its deadline by more than this percentage
	// of its interval is counted as delayed:
	SCHEDULER_DELAY_THRESHOLD_PCT = 10
)

// Task stats, uint64 indices:
const (
	// How many times it was scheduled, i.e. pushed to the TODO queue:
	TASK_STATS_SCHEDULED_COUNT = iota
	// How many times it was dispatched past the delay threshold:
	TASK_STATS_DELAYED_COUNT
	// How many times it overran its next deadline:
	TASK_STATS_OVERRUN_COUNT
	// How many times it was executed:
	TASK_STATS_EXECUTED_COUNT

	// Must be last:
	TASK_STATS_UINT64_LEN
)

const (
	SCHEDULER_STATE_CREATED = iota
	SCHEDULER_STATE_RUNNING
	SCHEDULER_STATE_STOPPED
)

var schedulerStateMap = map[int]string{
	SCHEDULER_STATE_CREATED: "Created",
	SCHEDULER_STATE_RUNNING: "Running",
	SCHEDULER_STATE_STOPPED: "Stopped",
}

type TaskAction interface {
	Execute()
}

type Task struct {
	id       string
	interval time.Duration
	deadline time.Time
	action   TaskAction
}

type TaskStats struct {
	Uint64Stats  [TASK_STATS_UINT64_LEN]uint64
	RuntimeTotal time.Duration
}

// Indexed by task id:
type SchedulerStats map[string]*TaskStats

type SchedulerConfig struct {
	// The number of workers; use -1 to match the number of available CPUs, but
	// not more than SCHEDULER_MAX_NUM_WORKERS:
	NumWorkers int `yaml:"num_workers"`
}

func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		NumWorkers: SCHEDULER_CONFIG_NUM_WORKERS_DEFAULT,
	}
}

type NextTaskHeap struct {
	tasks []*Task
}

type Scheduler struct {
	heap         *NextTaskHeap
	taskQ, todoQ chan *Task
	numWorkers   int
	stats        SchedulerStats
	statsMu      *sync.Mutex
	state        int
	stateMu      *sync.Mutex
	ctx          context.Context
	cancelFn     context.CancelFunc
	wg           *sync.WaitGroup
}

var schedulerDummyDeadline = time.Now()

// Mockable for test purposes:
var schedulerTimeNowFn = time.Now

var schedulerLog = logger.NewCompLogger("scheduler")

func NewTask(id string, interval time.Duration, action TaskAction) *Task {
	return &Task{
		id:       id,
		interval: interval,
		action:   action,
	}
}

func (task *Task) Id() string {
	return task.id
}

func (task *Task) Interval() time.Duration {
	return task.interval
}

func NewNextTaskHeap() *NextTaskHeap {
	return &NextTaskHeap{
		tasks: make([]*Task, 0),
	}
}

// sort.Interface:
func (h *NextTaskHeap) Len() int {
	return len(h.tasks)
}

func (h *NextTaskHeap) Less(i, j int) bool {
	return h.tasks[i].deadline.Before(h.tasks[j].deadline)
}

func (h *NextTaskHeap) Swap(i, j int) {
	h.tasks[i], h.tasks[j] = h.tasks[j], h.tasks[i]
}

// heap.Interface:
func (h *NextTaskHeap) Push(x any) {
	if task, ok := x.(*Task); ok {
		h.tasks = append(h.tasks, task)
	}
}

func (h *NextTaskHeap) Pop() any {
	newLen := len(h.tasks) - 1
	task := h.tasks[newLen]
	h.tasks[newLen] = nil
	h.tasks = h.tasks[:newLen]
	return task
}

// Add a task to the heap. A task w/o a deadline is scheduled at the nearest
// future multiple of its interval. Return true if heap top was changed.
func (h *NextTaskHeap) AddTask(task *Task) bool {
	if task.deadline.IsZero() {
		task.deadline = schedulerTimeNowFn().Truncate(task.interval).Add(task.interval)
	}
	hasChanged := len(h.tasks) == 0 ||
		task.deadline.Before(h.tasks[0].deadline)
	heap.Push(h, task)
	return hasChanged
}

// Return (deadline, valid) pair:
func (h *NextTaskHeap) PeekNextDeadline() (time.Time, bool) {
	if len(h.tasks) > 0 {
		return h.tasks[0].deadline, true
	}
	return schedulerDummyDeadline, false
}

func (h *NextTaskHeap) PopNextTask() *Task {
	if len(h.tasks) > 0 {
		return heap.Pop(h).(*Task)
	}
	return nil
}

func NewScheduler(cfg any) (*Scheduler, error) {
	var schedulerCfg *SchedulerConfig

	switch cfg := cfg.(type) {
	case *TrackerConfig:
		schedulerCfg = cfg.SchedulerConfig
	case *SchedulerConfig:
		schedulerCfg = cfg
	case nil:
	default:
		return nil, fmt.Errorf("NewScheduler: %T invalid config type", cfg)
	}
	if schedulerCfg == nil {
		schedulerCfg = DefaultSchedulerConfig()
	}

	numWorkers := schedulerCfg.NumWorkers
	if numWorkers <= 0 {
		numWorkers = utils.CountAvailableCPUs()
		if numWorkers > SCHEDULER_MAX_NUM_WORKERS {
			numWorkers = SCHEDULER_MAX_NUM_WORKERS
		}
	}

	ctx, cancelFn := context.WithCancel(context.Background())
	scheduler := &Scheduler{
		heap:       NewNextTaskHeap(),
		taskQ:      make(chan *Task, SCHEDULER_TASK_Q_LEN),
		todoQ:      make(chan *Task, SCHEDULER_TODO_Q_LEN),
		numWorkers: numWorkers,
		stats:      make(SchedulerStats),
		statsMu:    &sync.Mutex{},
		state:      SCHEDULER_STATE_CREATED,
		stateMu:    &sync.Mutex{},
		ctx:        ctx,
		cancelFn:   cancelFn,
		wg:         &sync.WaitGroup{},
	}
	schedulerLog.Infof("num_workers=%d", scheduler.numWorkers)
	return scheduler, nil
}

func (scheduler *Scheduler) NumWorkers() int {
	return scheduler.numWorkers
}

func (scheduler *Scheduler) taskStatsNoLock(taskId string) *TaskStats {
	taskStats := scheduler.stats[taskId]
	if taskStats == nil {
		taskStats = &TaskStats{}
		scheduler.stats[taskId] = taskStats
	}
	return taskStats
}

func (scheduler *Scheduler) dispatch(task *Task) {
	delayed := false
	if task.interval > 0 {
		delayThreshold := task.interval * SCHEDULER_DELAY_THRESHOLD_PCT / 100
		delayed = schedulerTimeNowFn().Sub(task.deadline) > delayThreshold
	}

	scheduler.statsMu.Lock()
	taskStats := scheduler.taskStatsNoLock(task.id)
	taskStats.Uint64Stats[TASK_STATS_SCHEDULED_COUNT] += 1
	if delayed {
		taskStats.Uint64Stats[TASK_STATS_DELAYED_COUNT] += 1
	}
	scheduler.statsMu.Unlock()

	select {
	case <-scheduler.ctx.Done():
	case scheduler.todoQ <- task:
	}
}

func (scheduler *Scheduler) dispatcherLoop() {
	schedulerLog.Info("start dispatcher loop")

	defer scheduler.wg.Done()

	timer := time.NewTimer(1 * time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	activeTimer := false

	defer func() {
		schedulerLog.Info("stop dispatcher loop")
		if activeTimer && !timer.Stop() {
			<-timer.C
		}
		schedulerLog.Info("dispatcher stopped")
	}()

	for {
		if !activeTimer {
			deadline, valid := scheduler.heap.PeekNextDeadline()
			if valid {
				timer.Reset(time.Until(deadline))
				activeTimer = true
			}
		}

		select {
		case <-scheduler.ctx.Done():
			return
		case task := <-scheduler.taskQ:
			heapChanged := scheduler.heap.AddTask(task)
			if heapChanged && activeTimer {
				if !timer.Stop() {
					<-timer.C
				}
				activeTimer = false
			}
		case <-timer.C:
			activeTimer = false
			scheduler.dispatch(scheduler.heap.PopNextTask())
		}
	}
}

func (scheduler *Scheduler) execute(task *Task) {
	start := schedulerTimeNowFn()
	if task.action != nil {
		task.action.Execute()
	}
	end := schedulerTimeNowFn()

	overrun := false
	task.deadline = task.deadline.Add(task.interval)
	if !task.deadline.After(end) {
		overrun = true
		task.deadline = end.Truncate(task.interval).Add(task.interval)
	}

	scheduler.statsMu.Lock()
	taskStats := scheduler.taskStatsNoLock(task.id)
	taskStats.Uint64Stats[TASK_STATS_EXECUTED_COUNT] += 1
	taskStats.RuntimeTotal += end.Sub(start)
	if overrun {
		taskStats.Uint64Stats[TASK_STATS_OVERRUN_COUNT] += 1
	}
	scheduler.statsMu.Unlock()
}

func (scheduler *Scheduler) workerLoop(workerId int) {
	schedulerLog.Infof("start worker# %d", workerId)

	defer func() {
		schedulerLog.Infof("stop worker# %d", workerId)
		scheduler.wg.Done()
	}()

	var task *Task
	for {
		select {
		case <-scheduler.ctx.Done():
			return
		case task = <-scheduler.todoQ:
		}
		scheduler.execute(task)
		select {
		case <-scheduler.ctx.Done():
			return
		case scheduler.taskQ <- task:
		}
	}
}

func (scheduler *Scheduler) Start() {
	scheduler.stateMu.Lock()
	defer scheduler.stateMu.Unlock()

	if scheduler.state != SCHEDULER_STATE_CREATED {
		schedulerLog.Warnf(
			"scheduler can only be started from state %d '%s', not from %d '%s'",
			SCHEDULER_STATE_CREATED, schedulerStateMap[SCHEDULER_STATE_CREATED],
			scheduler.state, schedulerStateMap[scheduler.state],
		)
		return
	}

	schedulerLog.Info("start scheduler")

	scheduler.wg.Add(1)
	go scheduler.dispatcherLoop()

	for workerId := 0; workerId < scheduler.numWorkers; workerId++ {
		scheduler.wg.Add(1)
		go scheduler.workerLoop(workerId)
	}

	scheduler.state = SCHEDULER_STATE_RUNNING
	schedulerLog.Info("scheduler started")
}

func (scheduler *Scheduler) Shutdown() {
	scheduler.stateMu.Lock()
	defer scheduler.stateMu.Unlock()

	if scheduler.state == SCHEDULER_STATE_STOPPED {
		schedulerLog.Warnf(
			"scheduler already in state %d '%s'",
			SCHEDULER_STATE_STOPPED, schedulerStateMap[SCHEDULER_STATE_STOPPED],
		)
		return
	}

	schedulerLog.Info("stop scheduler")

	scheduler.cancelFn()
	scheduler.wg.Wait()

	scheduler.state = SCHEDULER_STATE_STOPPED
	schedulerLog.Info("scheduler stopped")
}

func (scheduler *Scheduler) AddTask(task *Task) {
	if task.interval <= 0 {
		schedulerLog.Warnf("task %s: interval=%s, not scheduled", task.id, task.interval)
		return
	}
	schedulerLog.Infof("add task %s, interval=%s", task.id, task.interval)
	scheduler.statsMu.Lock()
	scheduler.taskStatsNoLock(task.id)
	scheduler.statsMu.Unlock()
	select {
	case <-scheduler.ctx.Done():
	case scheduler.taskQ <- task:
	}
}

// Snap the stats into `to`, allocated as needed, optionally clearing them:
func (scheduler *Scheduler) SnapStats(to SchedulerStats, clearStats bool) SchedulerStats {
	if to == nil {
		to = make(SchedulerStats)
	}
	scheduler.statsMu.Lock()
	defer scheduler.statsMu.Unlock()
	for taskId, taskStats := range scheduler.stats {
		toTaskStats := to[taskId]
		if toTaskStats == nil {
			toTaskStats = &TaskStats{}
			to[taskId] = toTaskStats
		}
		*toTaskStats = *taskStats
		if clearStats {
			*taskStats = TaskStats{}
		}
	}
	return to
}
