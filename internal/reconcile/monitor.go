package reconcile

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// MonitorConfig contains monitor configuration.
type MonitorConfig struct {
	// Debounce delays the pending check after a history change, letting a
	// burst of writes settle first.
	Debounce time.Duration
}

// DefaultMonitorConfig returns default monitor configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{Debounce: 2 * time.Second}
}

// Monitor watches the history file and the outbox directory and triggers
// the pending-status check whenever the history changes.
type Monitor struct {
	config     MonitorConfig
	reconciler *Reconciler
	historyDir string
	historyFn  string
	outboxDir  string
}

// NewMonitor creates a monitor for the given history file and outbox
// directory.
func NewMonitor(config MonitorConfig, reconciler *Reconciler, historyPath, outboxDir string) *Monitor {
	return &Monitor{
		config:     config,
		reconciler: reconciler,
		historyDir: filepath.Dir(historyPath),
		historyFn:  filepath.Base(historyPath),
		outboxDir:  outboxDir,
	}
}

// Run watches until ctx is done. An initial pending check runs on start so
// entries stuck from before the monitor came up are repaired too.
func (m *Monitor) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// Watch the parent directory: editors and atomic renames replace the
	// history file inode.
	if err := watcher.Add(m.historyDir); err != nil {
		return err
	}
	if err := watcher.Add(m.outboxDir); err != nil {
		return err
	}

	slog.Info("reconcile monitor started",
		"history", filepath.Join(m.historyDir, m.historyFn),
		"outbox", m.outboxDir,
	)

	if fixed, err := m.reconciler.CheckPending(ctx); err != nil {
		slog.Error("initial pending check failed", "error", err)
	} else if fixed > 0 {
		slog.Info("initial pending check repaired entries", "fixed", fixed)
	}

	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if m.isHistoryChange(event) {
				slog.Debug("history file changed, scheduling pending check")
				if debounce == nil {
					debounce = time.NewTimer(m.config.Debounce)
					debounceC = debounce.C
				} else {
					debounce.Reset(m.config.Debounce)
				}
			} else if m.isOutboxChange(event) {
				slog.Debug("outbox changed", "file", filepath.Base(event.Name), "op", event.Op.String())
			}

		case <-debounceC:
			debounce = nil
			debounceC = nil
			fixed, err := m.reconciler.CheckPending(ctx)
			if err != nil {
				slog.Error("pending check failed", "error", err)
				continue
			}
			if fixed > 0 {
				slog.Info("pending entries repaired", "fixed", fixed)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("watcher error", "error", err)
		}
	}
}

func (m *Monitor) isHistoryChange(event fsnotify.Event) bool {
	if filepath.Base(event.Name) != m.historyFn {
		return false
	}
	return event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename)
}

func (m *Monitor) isOutboxChange(event fsnotify.Event) bool {
	return filepath.Dir(event.Name) == m.outboxDir && strings.HasSuffix(event.Name, ".json")
}
