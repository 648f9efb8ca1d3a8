package trigger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/visionflow/visionflow/pkg/telemetry"
)

// SignalSource feeds hardware triggers from sysfs-style value files, such as
// /sys/class/gpio/gpio17/value. Each write to a watched file is read as a
// level and reported through Manager.SignalLevel.
type SignalSource struct {
	manager *Manager
	watcher *fsnotify.Watcher
	logger  *telemetry.Logger

	mu    sync.Mutex
	paths map[string]string // cleaned path -> trigger id
}

// NewSignalSource creates a signal source for the manager's hardware triggers.
func NewSignalSource(m *Manager, logger *telemetry.Logger) (*SignalSource, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &SignalSource{
		manager: m,
		watcher: watcher,
		logger:  logger.NewComponentLogger("signal-source"),
		paths:   make(map[string]string),
	}, nil
}

// Watch starts watching the value file of a hardware trigger. The current
// level becomes the baseline for edge detection.
func (s *SignalSource) Watch(triggerID string) error {
	cfg, ok := s.manager.HardwareConfig(triggerID)
	if !ok {
		return fmt.Errorf("%w: hardware %s", ErrUnknownTrigger, triggerID)
	}
	if cfg.ValuePath == "" {
		return fmt.Errorf("hardware trigger %s has no value path", triggerID)
	}

	path := filepath.Clean(cfg.ValuePath)
	if level, err := readLevel(path); err == nil {
		_ = s.manager.SignalLevel(triggerID, level)
	}
	if err := s.watcher.Add(path); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	s.mu.Lock()
	s.paths[path] = triggerID
	s.mu.Unlock()

	s.logger.WithTriggerID(triggerID).WithField("path", path).Info("watching signal")
	return nil
}

// Run processes file events until ctx is done or the watcher is closed.
func (s *SignalSource) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.handle(filepath.Clean(event.Name))

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.WithError(err).Error("watcher error")
		}
	}
}

func (s *SignalSource) handle(path string) {
	s.mu.Lock()
	id, ok := s.paths[path]
	s.mu.Unlock()
	if !ok {
		return
	}

	level, err := readLevel(path)
	if err != nil {
		// Writers may truncate before writing; the follow-up write carries the level.
		s.logger.WithTriggerID(id).WithError(err).Debug("unreadable level")
		return
	}
	if err := s.manager.SignalLevel(id, level); err != nil {
		s.logger.WithTriggerID(id).WithError(err).Debug("signal not fired")
	}
}

// Close stops the watcher.
func (s *SignalSource) Close() error {
	return s.watcher.Close()
}

func readLevel(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, fmt.Errorf("empty value file %s", path)
	}
	return strconv.Atoi(text)
}
