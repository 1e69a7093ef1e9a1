package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"svocraft.ai/internal/sim/terrain/store"
)

// JSONLZstdWriter appends JSON lines to zstd files rotated per UTC hour:
// <baseDir>/<prefix>-YYYY-MM-DD-HH.jsonl.zst.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	// onClosed, if set, receives the path of every file the writer finishes.
	onClosed func(path string)

	mu      sync.Mutex
	curHour string
	curPath string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
	lines   int64
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

// Lines is the number of records written since the writer was created.
func (w *JSONLZstdWriter) Lines() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lines
}

func (w *JSONLZstdWriter) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour || w.w == nil {
		if err := w.openLocked(hour); err != nil {
			return err
		}
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	w.lines++
	return w.w.Flush()
}

func (w *JSONLZstdWriter) openLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f, w.enc = f, enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curHour, w.curPath = hour, path
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err error
	if w.w != nil {
		err = w.w.Flush()
		w.w = nil
	}
	if w.enc != nil {
		if cerr := w.enc.Close(); err == nil {
			err = cerr
		}
		w.enc = nil
	}
	if w.f != nil {
		if cerr := w.f.Close(); err == nil {
			err = cerr
		}
		w.f = nil
	}
	if w.curPath != "" && err == nil && w.onClosed != nil {
		w.onClosed(w.curPath)
	}
	w.curHour, w.curPath = "", ""
	return err
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// Files lists the rotated files of this writer, oldest first.
func (w *JSONLZstdWriter) Files() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(w.baseDir, w.prefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// ReadJSONL decodes every line of a .jsonl.zst file into fn. Appended sessions
// are separate zstd frames; the decoder reads them back to back.
func ReadJSONL(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		if err := fn(sc.Bytes()); err != nil {
			return err
		}
	}
	return sc.Err()
}

// BuildLogger writes one JSONL entry per chunk build (compressed). It is a
// store.BuildObserver; write failures are reported through onErr.
type BuildLogger struct {
	w     *JSONLZstdWriter
	onErr func(error)
}

func NewBuildLogger(dataDir string, onErr func(error)) *BuildLogger {
	return &BuildLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "builds"), "builds"), onErr: onErr}
}

func (l *BuildLogger) WriteBuild(v store.BuildRecord) error { return l.w.Write(v) }
func (l *BuildLogger) Close() error                         { return l.w.Close() }
func (l *BuildLogger) Files() ([]string, error)             { return l.w.Files() }

// OnFileClosed registers fn to receive each build log file once it is complete
// (on hourly rotation and on Close). Call before the first build is observed.
func (l *BuildLogger) OnFileClosed(fn func(path string)) {
	l.w.mu.Lock()
	l.w.onClosed = fn
	l.w.mu.Unlock()
}

func (l *BuildLogger) ObserveBuild(v store.BuildRecord) {
	if err := l.WriteBuild(v); err != nil && l.onErr != nil {
		l.onErr(err)
	}
}

// ReadBuilds decodes every record of one build log file.
func ReadBuilds(path string) ([]store.BuildRecord, error) {
	var out []store.BuildRecord
	err := ReadJSONL(path, func(line []byte) error {
		var r store.BuildRecord
		if err := json.Unmarshal(line, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}
