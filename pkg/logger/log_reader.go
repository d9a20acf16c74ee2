package logger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"time"
)

// LogEntry is one parsed line of a category log
type LogEntry struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Message   string                 `json:"msg"`
	Category  string                 `json:"category"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogReader reads the dated category files written by MultiLogger
type LogReader struct {
	logsDir string
}

// NewLogReader creates a reader over logsDir
func NewLogReader(logsDir string) *LogReader {
	return &LogReader{logsDir: logsDir}
}

// ValidCategory reports whether c names a category log
func ValidCategory(c LogCategory) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// ReadLogs returns the last limit entries of a category log for a day.
// A missing file yields no entries. limit <= 0 returns everything.
func (lr *LogReader) ReadLogs(category LogCategory, day time.Time, limit int) ([]LogEntry, error) {
	return lr.collect(category, day, limit, nil)
}

// SearchLogs returns the last limit entries whose message or field values
// contain query, case-insensitively
func (lr *LogReader) SearchLogs(category LogCategory, day time.Time, query string, limit int) ([]LogEntry, error) {
	query = strings.ToLower(query)
	return lr.collect(category, day, limit, func(e LogEntry) bool {
		if strings.Contains(strings.ToLower(e.Message), query) {
			return true
		}
		for _, v := range e.Fields {
			if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), query) {
				return true
			}
		}
		return false
	})
}

func (lr *LogReader) collect(category LogCategory, day time.Time, limit int, keep func(LogEntry) bool) ([]LogEntry, error) {
	file, err := os.Open(CategoryLogPath(lr.logsDir, category, day))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []LogEntry{}, nil
		}
		return nil, err
	}
	defer file.Close()

	entries := []LogEntry{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry := parseEntry(category, line)
		if keep != nil && !keep(entry) {
			continue
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) > limit {
			entries = entries[1:]
		}
	}
	return entries, scanner.Err()
}

// parseEntry decodes a JSON line; anything else becomes a bare message
func parseEntry(category LogCategory, line string) LogEntry {
	raw := map[string]interface{}{}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return LogEntry{Level: "info", Message: line, Category: string(category)}
	}

	entry := LogEntry{Category: string(category)}
	for k, v := range raw {
		switch k {
		case "ts":
			entry.Timestamp, _ = v.(string)
		case "level":
			entry.Level, _ = v.(string)
		case "msg":
			entry.Message, _ = v.(string)
		default:
			if entry.Fields == nil {
				entry.Fields = make(map[string]interface{})
			}
			entry.Fields[k] = v
		}
	}
	return entry
}

// Tail sends entries appended to today's category log until ctx is done.
// It waits for the file to appear if it does not exist yet.
func (lr *LogReader) Tail(ctx context.Context, category LogCategory, out chan<- LogEntry) error {
	poll := time.NewTicker(200 * time.Millisecond)
	defer poll.Stop()

	var file *os.File
	for file == nil {
		f, err := os.Open(CategoryLogPath(lr.logsDir, category, time.Now()))
		switch {
		case err == nil:
			file = f
		case !errors.Is(err, os.ErrNotExist):
			return err
		default:
			select {
			case <-ctx.Done():
				return nil
			case <-poll.C:
			}
		}
	}
	defer file.Close()

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	reader := bufio.NewReader(file)
	var partial string
	for {
		line, err := reader.ReadString('\n')
		partial += line
		if err == io.EOF {
			select {
			case <-ctx.Done():
				return nil
			case <-poll.C:
			}
			continue
		}
		if err != nil {
			return err
		}

		text := strings.TrimSpace(partial)
		partial = ""
		if text == "" {
			continue
		}
		select {
		case out <- parseEntry(category, text):
		case <-ctx.Done():
			return nil
		}
	}
}
