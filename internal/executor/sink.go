package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// StdoutSink tracks per-run counters and writes a failing task's
// collected stdout/stderr lines to build/error-logs/<timestamp>/<task>.log
// so a CI consumer can find the detail behind a one-line SUMMARY.
type StdoutSink struct {
	logger       *logrus.Logger
	errorLogsDir string

	mu       sync.Mutex
	started  int
	finished int
	failed   []string
	lines    map[string][]string
}

// NewStdoutSink creates a sink rooted at buildDir for its error-log tree.
func NewStdoutSink(buildDir string) *StdoutSink {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	return &StdoutSink{
		logger:       logger,
		errorLogsDir: filepath.Join(buildDir, "error-logs", time.Now().UTC().Format("20060102T150405Z")),
		lines:        map[string][]string{},
	}
}

var nonFilenameChar = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func sanitizeFilenameComponent(s string) string {
	return nonFilenameChar.ReplaceAllString(s, "_")
}

func formatElapsedHMS(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// Emit implements Sink.
func (s *StdoutSink) Emit(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch evt.Kind {
	case TaskSpawned:
		s.logger.WithField("task", evt.TaskID).Debug("task spawned")
	case TaskStarted:
		s.started++
		s.logger.WithField("task", evt.TaskID).Info("task started")
	case TaskLog:
		s.lines[evt.TaskID] = append(s.lines[evt.TaskID], evt.Line)
		s.logger.WithField("task", evt.TaskID).Debug(evt.Line)
	case TaskFinished:
		s.finished++
		entry := s.logger.WithField("task", evt.TaskID).WithField("elapsed", formatElapsedHMS(evt.ElapsedMS))
		if evt.OK {
			entry.Info("task finished ok")
		} else {
			s.failed = append(s.failed, evt.TaskID)
			entry.WithError(evt.Err).Error("task failed")
			if err := s.writeErrorLog(evt.TaskID, evt.Err); err != nil {
				s.logger.WithError(err).Warn("failed to write task error log")
			}
		}
	case ExecutorDone:
		s.printSummary(evt)
	}
}

func (s *StdoutSink) writeErrorLog(taskID string, taskErr error) error {
	if err := os.MkdirAll(s.errorLogsDir, 0o755); err != nil {
		return fmt.Errorf("ensuring error-logs dir: %w", err)
	}

	path := filepath.Join(s.errorLogsDir, sanitizeFilenameComponent(taskID)+".log")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if taskErr != nil {
		fmt.Fprintf(f, "error: %v\n\n", taskErr)
	}
	for _, line := range s.lines[taskID] {
		fmt.Fprintln(f, line)
	}
	return nil
}

func (s *StdoutSink) printSummary(evt Event) {
	status := "OK"
	if !evt.OK {
		status = "FAILED"
	}
	fmt.Printf("\nSUMMARY: %s\n", status)
	fmt.Printf("  tasks started:  %d\n", s.started)
	fmt.Printf("  tasks finished: %d\n", s.finished)
	if len(s.failed) > 0 {
		fmt.Printf("  failed tasks:   %v\n", s.failed)
		fmt.Printf("  error logs:     %s\n", s.errorLogsDir)
	}
	if evt.Err != nil {
		fmt.Printf("  error: %v\n", evt.Err)
	}
}

// ChannelSink forwards every event onto a buffered channel for UI
// consumption. No command in cmd/forge constructs one; tui returns an
// error without running a build.
type ChannelSink struct {
	Events chan Event
}

// NewChannelSink creates a ChannelSink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{Events: make(chan Event, buffer)}
}

// Emit implements Sink.
func (c *ChannelSink) Emit(evt Event) {
	c.Events <- evt
}

// Close closes the underlying channel. Call only after the executor run
// that owns this sink has returned.
func (c *ChannelSink) Close() {
	close(c.Events)
}
