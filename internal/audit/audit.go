// Package audit appends one JSON line per mutation to week-partitioned log
// files. Appends are best effort: a failed write is logged and dropped, never
// surfaced to the request that triggered it.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Entry struct {
	TS        time.Time `json:"ts"`
	User      string    `json:"user"`
	Workspace string    `json:"ws"`
	Action    string    `json:"act"`
	Details   string    `json:"det"`
}

type Log struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time

	mu sync.Mutex
}

// New returns a log writing under dir (created lazily on first append).
func New(dir string, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{dir: dir, logger: logger, now: time.Now}
}

// Filename returns the partition file for an ISO year/week pair.
func Filename(year, week int) string {
	return fmt.Sprintf("log_%d_week%d.jsonl", year, week)
}

// ParseWeek parses the YYYY-Www selector used by the read API.
func ParseWeek(s string) (year, week int, err error) {
	parts := strings.SplitN(s, "-W", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid week selector %q", s)
	}
	year, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid week selector %q", s)
	}
	week, err = strconv.Atoi(parts[1])
	if err != nil || week < 1 || week > 53 {
		return 0, 0, fmt.Errorf("invalid week selector %q", s)
	}
	return year, week, nil
}

// Append records one event. It never fails the caller.
func (l *Log) Append(userID, workspace, action, details string) {
	if userID == "" {
		userID = "system"
	}
	if workspace == "" {
		workspace = "-"
	}
	now := l.now().UTC()
	entry := Entry{TS: now, User: userID, Workspace: workspace, Action: action, Details: details}

	line, err := json.Marshal(entry)
	if err != nil {
		l.logger.Warn("audit encode failed", zap.Error(err), zap.String("action", action))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		l.logger.Warn("audit dir create failed", zap.Error(err))
		return
	}
	year, week := now.ISOWeek()
	path := filepath.Join(l.dir, Filename(year, week))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.logger.Warn("audit open failed", zap.Error(err), zap.String("file", path))
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		l.logger.Warn("audit write failed", zap.Error(err), zap.String("file", path))
	}
}

// CurrentWeek returns the ISO year/week the next append lands in.
func (l *Log) CurrentWeek() (year, week int) {
	return l.now().UTC().ISOWeek()
}

// Week reads one partition, newest entry first. A missing partition is not an
// error; found reports whether the file existed. Unparseable lines are
// skipped.
func (l *Log) Week(year, week int) (entries []Entry, file string, found bool, err error) {
	file = Filename(year, week)
	f, err := os.Open(filepath.Join(l.dir, file))
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, file, false, nil
		}
		return nil, file, false, fmt.Errorf("open audit log %s: %w", file, err)
	}
	defer f.Close()

	entries = []Entry{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if json.Unmarshal([]byte(line), &e) != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, file, true, fmt.Errorf("read audit log %s: %w", file, err)
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, file, true, nil
}
