// Package file provides a JSON Lines audit store with daily and size
// rotation, per-line xxhash checksums and cross-process append locking.
package file

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/klauspost/compress/zstd"
)

// logFilePattern matches audit-YYYY-MM-DD.jsonl or audit-YYYY-MM-DD-N.jsonl,
// optionally zstd-compressed (.jsonl.zst) once archived.
var logFilePattern = regexp.MustCompile(`^audit-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.jsonl(\.zst)?$`)

const (
	dateLayout   = "2006-01-02"
	lockFileName = ".audit.lock"
	archiveDir   = "archive"
	archiveExt   = ".zst"
)

// logFile identifies one file of the log. name is relative to the log
// directory; archived files live under archiveDir.
type logFile struct {
	name     string
	date     string
	suffix   int
	archived bool
}

func parseLogFilename(name string) (logFile, bool) {
	m := logFilePattern.FindStringSubmatch(name)
	if m == nil {
		return logFile{}, false
	}
	f := logFile{name: name, date: m[1], archived: m[3] != ""}
	if m[2] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return logFile{}, false
		}
		f.suffix = n
	}
	return f, true
}

func logFilename(date string, suffix int) string {
	if suffix == 0 {
		return fmt.Sprintf("audit-%s.jsonl", date)
	}
	return fmt.Sprintf("audit-%s-%d.jsonl", date, suffix)
}

func sortLogFiles(files []logFile) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].date != files[j].date {
			return files[i].date < files[j].date
		}
		return files[i].suffix < files[j].suffix
	})
}

// readLogDir returns the log files directly in dir matching archived.
func readLogDir(dir string, archived, skipEmpty bool) ([]logFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []logFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		f, ok := parseLogFilename(e.Name())
		if !ok || f.archived != archived {
			continue
		}
		if skipEmpty {
			info, err := e.Info()
			if err != nil || info.Size() == 0 {
				continue
			}
		}
		files = append(files, f)
	}
	return files, nil
}

// listLogFiles returns the live (uncompressed) log files in dir in
// chronological order. Empty files are skipped when skipEmpty is set.
func listLogFiles(dir string, skipEmpty bool) ([]logFile, error) {
	files, err := readLogDir(dir, false, skipEmpty)
	if err != nil {
		return nil, err
	}
	sortLogFiles(files)
	return files, nil
}

// listAllLogFiles returns archived and live log files in chronological
// order. A file present in both forms, left by an interrupted archive run,
// is listed once from its live copy.
func listAllLogFiles(dir string, skipEmpty bool) ([]logFile, error) {
	live, err := readLogDir(dir, false, skipEmpty)
	if err != nil {
		return nil, err
	}
	archived, err := readLogDir(filepath.Join(dir, archiveDir), true, skipEmpty)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	seen := make(map[string]bool, len(live))
	for _, f := range live {
		seen[f.name] = true
	}
	files := live
	for _, f := range archived {
		if seen[f.name[:len(f.name)-len(archiveExt)]] {
			continue
		}
		f.name = filepath.Join(archiveDir, f.name)
		files = append(files, f)
	}
	sortLogFiles(files)
	return files, nil
}

// openLogFile opens f for reading, decompressing archived files.
func openLogFile(dir string, f logFile) (io.ReadCloser, error) {
	file, err := os.Open(filepath.Join(dir, f.name))
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	if !f.archived {
		return file, nil
	}
	dec, err := zstd.NewReader(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("open archived audit file %s: %w", f.name, err)
	}
	return &archiveReader{Decoder: dec, file: file}, nil
}

type archiveReader struct {
	*zstd.Decoder
	file *os.File
}

func (r *archiveReader) Close() error {
	r.Decoder.Close()
	return r.file.Close()
}
