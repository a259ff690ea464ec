package strategy

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Calibration is a measured performance record for one engine type,
// produced by benchmarking a few segments on the actual device.
type Calibration struct {
	// OptimalConcurrency is the parallelism that maximized measured
	// throughput.
	OptimalConcurrency int `yaml:"optimal_concurrency"`

	// RealTimeFactor is synthesis time divided by produced audio
	// duration at that concurrency.
	RealTimeFactor float64 `yaml:"real_time_factor"`

	// MeasuredAt records when the benchmark ran.
	MeasuredAt time.Time `yaml:"measured_at"`
}

type calibrationFile struct {
	Engines map[string]Calibration `yaml:"engines"`
}

// CalibrationStore persists calibrations in a YAML file keyed by
// engine type and hot-reloads when the file changes on disk, so an
// external benchmark run takes effect without a restart.
type CalibrationStore struct {
	path string

	mu      sync.RWMutex
	engines map[string]Calibration

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// OpenCalibrationStore loads the file at path (a missing file is an
// empty store) and starts watching its directory for changes.
func OpenCalibrationStore(path string) (*CalibrationStore, error) {
	s := &CalibrationStore{
		path:    path,
		engines: make(map[string]Calibration),
		done:    make(chan struct{}),
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create calibration dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch calibration file: %w", err)
	}
	// Watch the directory, not the file: editors and atomic writers
	// replace the inode, which would silently drop a file watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch calibration dir: %w", err)
	}
	s.watcher = watcher
	go s.watch()

	return s, nil
}

// Get returns the calibration for an engine type, if one exists.
func (s *CalibrationStore) Get(engine string) (Calibration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cal, ok := s.engines[engine]
	return cal, ok
}

// Put records a calibration and persists the store.
func (s *CalibrationStore) Put(engine string, cal Calibration) error {
	s.mu.Lock()
	s.engines[engine] = cal
	snapshot := calibrationFile{Engines: make(map[string]Calibration, len(s.engines))}
	for k, v := range s.engines {
		snapshot.Engines[k] = v
	}
	s.mu.Unlock()

	data, err := yaml.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode calibration: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write calibration: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish calibration: %w", err)
	}
	return nil
}

// Close stops the file watcher.
func (s *CalibrationStore) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *CalibrationStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read calibration: %w", err)
	}

	var file calibrationFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse calibration: %w", err)
	}

	s.mu.Lock()
	s.engines = file.Engines
	if s.engines == nil {
		s.engines = make(map[string]Calibration)
	}
	s.mu.Unlock()
	return nil
}

func (s *CalibrationStore) watch() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Name != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.load(); err != nil {
				log.Warn("calibration reload failed", "path", s.path, "error", err)
				continue
			}
			log.Debug("calibration reloaded", "path", s.path)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("calibration watch error", "error", err)
		}
	}
}
