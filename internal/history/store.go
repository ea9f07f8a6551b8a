// Package history keeps an append-only log of optimization reports so
// results survive restarts.
package history

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"memoptimizer/internal/eventbus"
	"memoptimizer/internal/logging"
	"memoptimizer/internal/optimizer"
)

const (
	// FileName is the report log inside the data directory
	FileName = "reports.log"

	DefaultMaxEntries = 500

	SyncAlways = "always"
	SyncNone   = "no"
)

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("history store is closed")

// Config configures a Store
type Config struct {
	DataDir    string
	MaxEntries int
	// SyncPolicy is "always" (fsync after every append) or "no"
	SyncPolicy string
}

// Stats describes the log file
type Stats struct {
	TotalWrites    int64     `json:"total_writes"`
	FileEntries    int       `json:"file_entries"`
	Retained       int       `json:"retained"`
	LogSize        int64     `json:"log_size"`
	CorruptLines   int       `json:"corrupt_lines"`
	CompactionRuns int64     `json:"compaction_runs"`
	LastWrite      time.Time `json:"last_write"`
}

// Store is the report log. Every line is "<xxhash64 hex>\t<report json>".
type Store struct {
	config Config
	path   string

	mu      sync.RWMutex
	file    *os.File
	writer  *bufio.Writer
	reports []optimizer.Report // oldest first, at most MaxEntries
	stats   Stats

	rename func(oldpath, newpath string) error
}

// Open opens or creates the log and replays it. Lines whose checksum or JSON
// does not verify are skipped and counted.
func Open(ctx context.Context, config Config) (*Store, error) {
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultMaxEntries
	}
	if config.SyncPolicy == "" {
		config.SyncPolicy = SyncAlways
	}

	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &Store{
		config: config,
		path:   filepath.Join(config.DataDir, FileName),
		rename: os.Rename,
	}
	if err := s.replay(ctx); err != nil {
		return nil, err
	}
	if err := s.openFile(); err != nil {
		return nil, err
	}

	logging.Info(ctx, logging.ComponentHistory, logging.ActionRestore, "Report history loaded", logging.Fields{
		"path":          s.path,
		"reports":       len(s.reports),
		"corrupt_lines": s.stats.CorruptLines,
	})
	return s, nil
}

func (s *Store) openFile() error {
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open report log: %w", err)
	}
	s.file = file
	s.writer = bufio.NewWriterSize(file, 16*1024)

	if info, err := file.Stat(); err == nil {
		s.stats.LogSize = info.Size()
	}
	return nil
}

func (s *Store) replay(ctx context.Context) error {
	file, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open report log for replay: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if err := ctx.Err(); err != nil {
			return err
		}

		report, err := decodeLine(scanner.Bytes())
		if err != nil {
			s.stats.CorruptLines++
			logging.Warn(ctx, logging.ComponentHistory, logging.ActionRestore, "Skipping corrupt report line", logging.Fields{
				"line":  lineNum,
				"error": err.Error(),
			})
			continue
		}
		s.stats.FileEntries++
		s.retain(report)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading report log: %w", err)
	}
	return nil
}

// Append writes report to the log, compacting first when the file holds twice
// the retained entry count
func (s *Store) Append(report optimizer.Report) error {
	line, err := encodeLine(report)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return ErrClosed
	}

	if _, err := s.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush report log: %w", err)
	}
	if s.config.SyncPolicy == SyncAlways {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync report log: %w", err)
		}
	}

	s.retain(report)
	s.stats.TotalWrites++
	s.stats.FileEntries++
	s.stats.LogSize += int64(len(line))
	s.stats.LastWrite = time.Now()

	if s.stats.FileEntries >= 2*s.config.MaxEntries {
		return s.compactLocked(context.Background())
	}
	return nil
}

// Recent returns up to n reports, newest first. n <= 0 returns all retained.
func (s *Store) Recent(n int) []optimizer.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || n > len(s.reports) {
		n = len(s.reports)
	}
	out := make([]optimizer.Report, 0, n)
	for i := len(s.reports) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.reports[i])
	}
	return out
}

// Stats returns current log statistics
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.stats
	st.Retained = len(s.reports)
	return st
}

// Compact rewrites the log keeping only the retained reports
func (s *Store) Compact(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return ErrClosed
	}
	return s.compactLocked(ctx)
}

func (s *Store) compactLocked(ctx context.Context) error {
	start := time.Now()

	tempPath := s.path + ".tmp"
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp report log: %w", err)
	}

	writer := bufio.NewWriterSize(tempFile, 64*1024)
	var size int64
	for _, report := range s.reports {
		if err := ctx.Err(); err != nil {
			tempFile.Close()
			os.Remove(tempPath)
			return err
		}
		line, err := encodeLine(report)
		if err != nil {
			tempFile.Close()
			os.Remove(tempPath)
			return err
		}
		if _, err := writer.Write(line); err != nil {
			tempFile.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to write compacted report: %w", err)
		}
		size += int64(len(line))
	}

	if err := writer.Flush(); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to flush compacted report log: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync compacted report log: %w", err)
	}
	tempFile.Close()

	s.writer.Flush()
	s.file.Close()
	s.writer = nil
	s.file = nil

	if err := s.rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		// keep appending to the uncompacted log
		if reopenErr := s.openFile(); reopenErr != nil {
			return fmt.Errorf("failed to replace report log: %w (reopen: %v)", err, reopenErr)
		}
		return fmt.Errorf("failed to replace report log: %w", err)
	}
	if err := s.openFile(); err != nil {
		return fmt.Errorf("failed to reopen report log after compaction: %w", err)
	}

	s.stats.FileEntries = len(s.reports)
	s.stats.LogSize = size
	s.stats.CompactionRuns++

	logging.WithDuration(ctx, logging.INFO, logging.ComponentHistory, logging.ActionCompaction, "Report log compacted", time.Since(start), logging.Fields{
		"entries": len(s.reports),
	})
	return nil
}

// Close flushes and closes the log
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer != nil {
		s.writer.Flush()
		s.writer = nil
	}
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

// Subscribe registers the store for finished reports
func (s *Store) Subscribe(bus *eventbus.Bus) <-chan eventbus.Event {
	return bus.Subscribe(eventbus.EventOptimizationFinished)
}

// Run appends every finished report received on events until ctx is done or
// the bus closes
func (s *Store) Run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Report == nil {
				continue
			}
			if err := s.Append(*ev.Report); err != nil {
				logging.Error(logging.WithCorrelationID(ctx, ev.RunID), logging.ComponentHistory, logging.ActionPersist, "Failed to persist report", err)
			}
		}
	}
}

func (s *Store) retain(report optimizer.Report) {
	s.reports = append(s.reports, report)
	if over := len(s.reports) - s.config.MaxEntries; over > 0 {
		s.reports = append(s.reports[:0:0], s.reports[over:]...)
	}
}

func encodeLine(report optimizer.Report) ([]byte, error) {
	data, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize report: %w", err)
	}
	line := make([]byte, 0, len(data)+18)
	line = append(line, fmt.Sprintf("%016x\t", xxhash.Sum64(data))...)
	line = append(line, data...)
	return append(line, '\n'), nil
}

func decodeLine(line []byte) (optimizer.Report, error) {
	var report optimizer.Report

	sum, data, ok := bytes.Cut(line, []byte{'\t'})
	if !ok {
		return report, errors.New("missing checksum separator")
	}
	want, err := strconv.ParseUint(string(sum), 16, 64)
	if err != nil {
		return report, fmt.Errorf("invalid checksum: %w", err)
	}
	if got := xxhash.Sum64(data); got != want {
		return report, fmt.Errorf("checksum mismatch: have %016x, want %016x", got, want)
	}
	if err := json.Unmarshal(data, &report); err != nil {
		return report, fmt.Errorf("invalid report: %w", err)
	}
	return report, nil
}
