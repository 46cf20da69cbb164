package logger

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	defaultSystemLogCapacity = 1000
	defaultLogPageSize       = 20
	maxLogPageSize           = 200
)

// SystemLogEntry is one captured log record as served by the
// /system/logs endpoint.
type SystemLogEntry struct {
	ID         int64                  `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Level      string                 `json:"level"`
	LoggerName string                 `json:"logger_name,omitempty"`
	Message    string                 `json:"message"`
	Caller     string                 `json:"caller,omitempty"`
	Stack      string                 `json:"stack,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// SystemLogStore keeps the most recent log entries in memory so owners
// can inspect them over the API without shell access to the host. The
// window is bounded; older entries fall off and the durable record
// stays wherever zap's real sinks write.
type SystemLogStore struct {
	mu      sync.RWMutex
	entries []SystemLogEntry
	head    int
	seq     int64
}

func NewSystemLogStore(capacity int) *SystemLogStore {
	if capacity <= 0 {
		capacity = defaultSystemLogCapacity
	}

	return &SystemLogStore{entries: make([]SystemLogEntry, 0, capacity)}
}

// WrapZapLogger tees the logger's output into the store. The wrapped
// core still writes to the original sinks.
func WrapZapLogger(base *zap.Logger, store *SystemLogStore) *zap.Logger {
	if base == nil || store == nil {
		return base
	}

	return base.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return &captureCore{Core: core, store: store}
	}))
}

// QueryLogs filters the retained window by level, time range and
// keyword, newest first, and pages the result.
func (s *SystemLogStore) QueryLogs(
	level string,
	from, to time.Time,
	keyword string,
	page, pageSize int,
) ([]SystemLogEntry, int64) {
	if s == nil {
		return nil, 0
	}

	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultLogPageSize
	}
	if pageSize > maxLogPageSize {
		pageSize = maxLogPageSize
	}

	filter := logFilter{
		level:   strings.TrimSpace(level),
		keyword: strings.ToLower(strings.TrimSpace(keyword)),
		from:    from.UTC(),
		to:      to.UTC(),
		hasFrom: !from.IsZero(),
		hasTo:   !to.IsZero(),
	}

	matched := make([]SystemLogEntry, 0, pageSize)
	for _, entry := range s.newestFirst() {
		if filter.matches(entry) {
			matched = append(matched, entry)
		}
	}

	total := int64(len(matched))
	start := (page - 1) * pageSize
	if start >= len(matched) {
		return []SystemLogEntry{}, total
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}

	return matched[start:end], total
}

type logFilter struct {
	level   string
	keyword string
	from    time.Time
	to      time.Time
	hasFrom bool
	hasTo   bool
}

func (f logFilter) matches(entry SystemLogEntry) bool {
	if f.level != "" && !strings.EqualFold(entry.Level, f.level) {
		return false
	}
	if f.hasFrom && entry.Timestamp.Before(f.from) {
		return false
	}
	if f.hasTo && entry.Timestamp.After(f.to) {
		return false
	}
	if f.keyword == "" {
		return true
	}

	for _, haystack := range []string{entry.Message, entry.Level, entry.LoggerName, entry.Caller} {
		if strings.Contains(strings.ToLower(haystack), f.keyword) {
			return true
		}
	}
	if len(entry.Fields) > 0 {
		return strings.Contains(strings.ToLower(fmt.Sprintf("%v", entry.Fields)), f.keyword)
	}
	return false
}

func (s *SystemLogStore) record(entry zapcore.Entry, fields []zapcore.Field) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	item := SystemLogEntry{
		ID:         s.seq,
		Timestamp:  entry.Time.UTC(),
		Level:      entry.Level.String(),
		LoggerName: entry.LoggerName,
		Message:    entry.Message,
		Caller:     entry.Caller.TrimmedPath(),
		Stack:      entry.Stack,
		Fields:     encodeLogFields(fields),
	}

	if len(s.entries) < cap(s.entries) {
		s.entries = append(s.entries, item)
		return
	}

	s.entries[s.head] = item
	s.head = (s.head + 1) % len(s.entries)
}

// newestFirst snapshots the window in reverse insertion order; field
// maps are copied so callers cannot mutate retained entries.
func (s *SystemLogStore) newestFirst() []SystemLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := len(s.entries)
	if count == 0 {
		return nil
	}

	out := make([]SystemLogEntry, 0, count)
	for i := 1; i <= count; i++ {
		idx := (s.head - i + count) % count
		item := s.entries[idx]
		if len(item.Fields) > 0 {
			fields := make(map[string]interface{}, len(item.Fields))
			for k, v := range item.Fields {
				fields[k] = v
			}
			item.Fields = fields
		}
		out = append(out, item)
	}

	return out
}

func encodeLogFields(fields []zapcore.Field) map[string]interface{} {
	if len(fields) == 0 {
		return nil
	}

	enc := zapcore.NewMapObjectEncoder()
	for _, field := range fields {
		field.AddTo(enc)
	}
	if len(enc.Fields) == 0 {
		return nil
	}

	out := make(map[string]interface{}, len(enc.Fields))
	for k, v := range enc.Fields {
		out[k] = v
	}
	return out
}

// captureCore forwards every write to the store before the wrapped
// core handles it.
type captureCore struct {
	zapcore.Core
	store *SystemLogStore
}

func (c *captureCore) With(fields []zapcore.Field) zapcore.Core {
	return &captureCore{Core: c.Core.With(fields), store: c.store}
}

func (c *captureCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Core.Check(entry, nil) == nil {
		return checked
	}
	return checked.AddCore(entry, c)
}

func (c *captureCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	if c.store != nil {
		c.store.record(entry, fields)
	}
	return c.Core.Write(entry, fields)
}
