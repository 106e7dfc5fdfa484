// Keep the circuit directory in sync w/ queuingStructure.json.

// The file is rewritten by LibreQoS whenever the shaping is reloaded. Changes
// are picked up via fsnotify and, as a fallback for file systems w/o inotify,
// via a periodic modification time check (see CheckReload). The parent
// directory is watched rather than the file, since the file is normally
// replaced rather than updated in place.

package circuits

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jaber-the-great/LibreQoS/qdisc"
)

const (
	CIRCUITS_CONFIG_QUEUING_STRUCTURE_PATH_DEFAULT = "/opt/libreqos/src/queuingStructure.json"
	CIRCUITS_CONFIG_WATCH_DEFAULT                  = true
	CIRCUITS_CONFIG_RELOAD_INTERVAL_DEFAULT        = "1m"

	// Coalesce bursts of events, e.g. truncate + write:
	QUEUING_STRUCTURE_MONITOR_SETTLE_INTERVAL = 200 * time.Millisecond
)

type CircuitsConfig struct {
	QueuingStructurePath string `yaml:"queuing_structure_path"`
	// Whether to watch for changes using fsnotify:
	Watch bool `yaml:"watch"`
	// Fallback check interval, in time.ParseDuration() format; use 0 to disable:
	ReloadInterval string `yaml:"reload_interval"`
}

func DefaultCircuitsConfig() *CircuitsConfig {
	return &CircuitsConfig{
		QueuingStructurePath: CIRCUITS_CONFIG_QUEUING_STRUCTURE_PATH_DEFAULT,
		Watch:                CIRCUITS_CONFIG_WATCH_DEFAULT,
		ReloadInterval:       CIRCUITS_CONFIG_RELOAD_INTERVAL_DEFAULT,
	}
}

type QueuingStructureMonitor struct {
	path           string
	watch          bool
	reloadInterval time.Duration
	// Current list, never nil; an empty list until the 1st successful load:
	current *CircuitList
	// Modification time at the last load attempt:
	modTime time.Time
	// Reload count, incl. the initial load:
	reloadCount uint64
	mu          *sync.RWMutex
	watcher     *fsnotify.Watcher
	// Invoked after each successful (re)load:
	onLoad  func(*CircuitList)
	done    chan struct{}
	watchWg *sync.WaitGroup
}

func NewQueuingStructureMonitor(cfg any) (*QueuingStructureMonitor, error) {
	var circuitsCfg *CircuitsConfig

	switch cfg := cfg.(type) {
	case *CircuitsConfig:
		circuitsCfg = cfg
	case nil:
		circuitsCfg = DefaultCircuitsConfig()
	default:
		return nil, fmt.Errorf("NewQueuingStructureMonitor: %T invalid config type", cfg)
	}

	reloadInterval := time.Duration(0)
	if circuitsCfg.ReloadInterval != "" {
		var err error
		reloadInterval, err = time.ParseDuration(circuitsCfg.ReloadInterval)
		if err != nil {
			return nil, fmt.Errorf("NewQueuingStructureMonitor: reload_interval: %v", err)
		}
	}

	monitor := &QueuingStructureMonitor{
		path:           circuitsCfg.QueuingStructurePath,
		watch:          circuitsCfg.Watch,
		reloadInterval: reloadInterval,
		current:        NewCircuitList(nil),
		mu:             &sync.RWMutex{},
		done:           make(chan struct{}),
		watchWg:        &sync.WaitGroup{},
	}

	circuitsLog.Infof("queuing_structure_path=%s", monitor.path)
	circuitsLog.Infof("watch=%v", monitor.watch)
	circuitsLog.Infof("reload_interval=%s", monitor.reloadInterval)
	return monitor, nil
}

func (monitor *QueuingStructureMonitor) SetOnLoad(onLoad func(*CircuitList)) {
	monitor.mu.Lock()
	defer monitor.mu.Unlock()
	monitor.onLoad = onLoad
}

func (monitor *QueuingStructureMonitor) ReloadInterval() time.Duration {
	return monitor.reloadInterval
}

// The watched.CircuitDirectory interface:
func (monitor *QueuingStructureMonitor) LookupCircuit(circuitId string) (qdisc.TcHandle, qdisc.TcHandle, bool) {
	return monitor.Current().LookupCircuit(circuitId)
}

func (monitor *QueuingStructureMonitor) Current() *CircuitList {
	monitor.mu.RLock()
	defer monitor.mu.RUnlock()
	return monitor.current
}

func (monitor *QueuingStructureMonitor) ReloadCount() uint64 {
	monitor.mu.RLock()
	defer monitor.mu.RUnlock()
	return monitor.reloadCount
}

// Load the file unconditionally. On error the current list is kept.
func (monitor *QueuingStructureMonitor) Reload() error {
	modTime := time.Time{}
	if fi, err := os.Stat(monitor.path); err == nil {
		modTime = fi.ModTime()
	}
	cl, err := LoadQueuingStructure(monitor.path)

	monitor.mu.Lock()
	monitor.modTime = modTime
	if err != nil {
		monitor.mu.Unlock()
		return err
	}
	monitor.current = cl
	monitor.reloadCount++
	onLoad := monitor.onLoad
	monitor.mu.Unlock()

	if onLoad != nil {
		onLoad(cl)
	}
	return nil
}

// Reload only if the modification time changed since the last attempt; return
// true if a reload was attempted. This is the periodic task fallback.
func (monitor *QueuingStructureMonitor) CheckReload() (bool, error) {
	fi, err := os.Stat(monitor.path)
	if err != nil {
		return false, err
	}
	monitor.mu.RLock()
	changed := !fi.ModTime().Equal(monitor.modTime)
	monitor.mu.RUnlock()
	if !changed {
		return false, nil
	}
	return true, monitor.Reload()
}

// Initial load followed by watching, if enabled. Neither the initial load
// failure nor a directory that cannot be watched is fatal; the directory stays
// empty until the file becomes valid and is picked up by CheckReload.
func (monitor *QueuingStructureMonitor) Start() error {
	if err := monitor.Reload(); err != nil {
		circuitsLog.Warnf("initial load: %v", err)
	}
	if !monitor.watch {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("QueuingStructureMonitor: %v", err)
	}
	if err := watcher.Add(filepath.Dir(monitor.path)); err != nil {
		watcher.Close()
		circuitsLog.Warnf(
			"cannot watch %s: %v, rely on the reload_interval=%s check",
			filepath.Dir(monitor.path), err, monitor.reloadInterval,
		)
		return nil
	}
	monitor.watcher = watcher
	monitor.watchWg.Add(1)
	go monitor.watchLoop()
	return nil
}

func (monitor *QueuingStructureMonitor) watchLoop() {
	defer monitor.watchWg.Done()

	fileName := filepath.Clean(monitor.path)
	settleTimer := time.NewTimer(QUEUING_STRUCTURE_MONITOR_SETTLE_INTERVAL)
	settleTimer.Stop()
	defer settleTimer.Stop()

	circuitsLog.Infof("watching %s", monitor.path)
	for {
		select {
		case <-monitor.done:
			return
		case event, ok := <-monitor.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fileName {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				circuitsLog.Debugf("%s: %s", event.Name, event.Op)
				settleTimer.Reset(QUEUING_STRUCTURE_MONITOR_SETTLE_INTERVAL)
			}
		case err, ok := <-monitor.watcher.Errors:
			if !ok {
				return
			}
			circuitsLog.Warnf("watcher: %v", err)
		case <-settleTimer.C:
			if err := monitor.Reload(); err != nil {
				circuitsLog.Warnf("reload: %v", err)
			}
		}
	}
}

func (monitor *QueuingStructureMonitor) Shutdown() {
	if monitor.watcher == nil {
		return
	}
	circuitsLog.Info("shutdown")
	close(monitor.done)
	monitor.watchWg.Wait()
	monitor.watcher.Close()
	monitor.watcher = nil
}
