package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pmteam/internal/logging"
)

const rotationStamp = "20060102_150405"

// AuditLogger appends one JSON object per line to Path. The file is opened and
// closed on every call. When MaxBytes > 0 and the file grows past it, the file
// is renamed to <base>.<UTC stamp>.jsonl and the next write starts a new one.
//
// There is no locking: several processes appending to the same file may
// interleave lines and race on the rotation check. Callers that need a strict
// order across runs must serialize them.
type AuditLogger struct {
	Path     string
	MaxBytes int64
	Now      func() time.Time
	Logger   *slog.Logger

	rename func(oldpath, newpath string) error
}

func NewAuditLogger(path string, maxBytes int64, logger *slog.Logger) *AuditLogger {
	return &AuditLogger{Path: path, MaxBytes: maxBytes, Now: time.Now, Logger: logging.OrDiscard(logger)}
}

func (a *AuditLogger) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Log writes {event, at, ...fields}. Rotation problems are logged and ignored.
func (a *AuditLogger) Log(event string, fields map[string]any) error {
	line, err := encodeEntry(event, a.now().UTC().Format(time.RFC3339Nano), fields)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(a.Path), 0o755); err != nil {
		return fmt.Errorf("audit dir: %w", err)
	}
	f, err := os.OpenFile(a.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	_, werr := f.Write(line)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("write audit log: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("close audit log: %w", cerr)
	}
	a.maybeRotate()
	return nil
}

func (a *AuditLogger) maybeRotate() {
	if a.MaxBytes <= 0 {
		return
	}
	info, err := os.Stat(a.Path)
	if err != nil || info.Size() <= a.MaxBytes {
		return
	}
	rename := a.rename
	if rename == nil {
		rename = os.Rename
	}
	if err := rename(a.Path, a.rotatedName()); err != nil {
		logging.OrDiscard(a.Logger).Warn("audit rotation failed", "path", a.Path, "err", err)
	}
}

// rotatedName picks <base>.<stamp>.jsonl, adding _N when a file rotated in the
// same second already holds that name.
func (a *AuditLogger) rotatedName() string {
	base := strings.TrimSuffix(a.Path, ".jsonl")
	stamp := a.now().UTC().Format(rotationStamp)
	name := fmt.Sprintf("%s.%s.jsonl", base, stamp)
	for i := 1; ; i++ {
		if _, err := os.Stat(name); os.IsNotExist(err) {
			return name
		}
		name = fmt.Sprintf("%s.%s_%d.jsonl", base, stamp, i)
	}
}

// encodeEntry renders event and at first, followed by the remaining fields.
func encodeEntry(event, at string, fields map[string]any) ([]byte, error) {
	rest := make(map[string]any, len(fields))
	for k, v := range fields {
		if k == "event" || k == "at" {
			continue
		}
		rest[k] = v
	}
	head, err := json.Marshal(struct {
		Event string `json:"event"`
		At    string `json:"at"`
	}{event, at})
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(head[:len(head)-1])
	if len(rest) > 0 {
		tail, err := json.Marshal(rest)
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(tail[1:])
	} else {
		buf.WriteByte('}')
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// ReadEntries parses every line of an audit file. Unparseable lines are skipped.
func ReadEntries(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, scanner.Err()
}
