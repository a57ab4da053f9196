package file

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/erpkernel/erpkernel/internal/domain/audit"
)

// Entry is one decoded line of the log.
type Entry struct {
	Seq   uint64
	File  string
	Line  int
	Event audit.Event
}

// Problem describes a line that failed verification.
type Problem struct {
	File string `json:"file" yaml:"file"`
	Line int    `json:"line" yaml:"line"`
	Err  string `json:"error" yaml:"error"`
}

// Report summarizes a verification run.
type Report struct {
	Files    int       `json:"files" yaml:"files"`
	Lines    int       `json:"lines" yaml:"lines"`
	FirstSeq uint64    `json:"first_seq" yaml:"first_seq"`
	LastSeq  uint64    `json:"last_seq" yaml:"last_seq"`
	Problems []Problem `json:"problems" yaml:"problems"`
}

// OK reports whether every line verified and sequence numbers are gapless.
func (r Report) OK() bool {
	return len(r.Problems) == 0
}

// walk decodes every line of every log file in dir, archived files
// included, in chronological order. Lines that fail to decode are passed
// to bad; bad may be nil.
func walk(ctx context.Context, dir string, good func(Entry) error, bad func(file string, lineNo int, err error)) (int, error) {
	files, err := listAllLogFiles(dir, true)
	if err != nil {
		return 0, fmt.Errorf("list audit files: %w", err)
	}
	for _, lf := range files {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := walkFile(dir, lf, good, bad); err != nil {
			return 0, err
		}
	}
	return len(files), nil
}

func walkFile(dir string, lf logFile, good func(Entry) error, bad func(string, int, error)) error {
	r, err := openLogFile(dir, lf)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	lineNo := 0
	return scanLines(r, func(raw []byte) error {
		lineNo++
		l, err := decodeLine(raw)
		if err != nil {
			if bad != nil {
				bad(lf.name, lineNo, err)
			}
			return nil
		}
		return good(Entry{Seq: l.Seq, File: lf.name, Line: lineNo, Event: l.Record.Event()})
	})
}

// Verify checks every line's checksum and that sequence numbers increase
// by one across the whole log.
func Verify(ctx context.Context, dir string) (Report, error) {
	var r Report
	var prev uint64
	files, err := walk(ctx, dir,
		func(e Entry) error {
			r.Lines++
			if r.FirstSeq == 0 {
				r.FirstSeq = e.Seq
			} else if e.Seq != prev+1 {
				r.Problems = append(r.Problems, Problem{
					File: e.File,
					Line: e.Line,
					Err:  fmt.Sprintf("sequence gap: expected %d, found %d", prev+1, e.Seq),
				})
			}
			prev = e.Seq
			r.LastSeq = e.Seq
			return nil
		},
		func(file string, lineNo int, err error) {
			r.Lines++
			r.Problems = append(r.Problems, Problem{File: file, Line: lineNo, Err: err.Error()})
		},
	)
	if err != nil {
		return Report{}, err
	}
	r.Files = files
	return r, nil
}

// Tail returns the last n valid entries of the log in insertion order.
func Tail(ctx context.Context, dir string, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	ring := make([]Entry, 0, n)
	start := 0
	_, err := walk(ctx, dir, func(e Entry) error {
		if len(ring) < n {
			ring = append(ring, e)
			return nil
		}
		ring[start] = e
		start = (start + 1) % n
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return append(ring[start:], ring[:start]...), nil
}

// Query returns events matching filter in insertion order. When more
// events match than the filter limit, the most recent are kept.
func Query(ctx context.Context, dir string, filter audit.Filter) ([]audit.Event, error) {
	limit := filter.EffectiveLimit()
	var matched []audit.Event
	_, err := walk(ctx, dir, func(e Entry) error {
		if filter.Match(e.Event) {
			matched = append(matched, e.Event)
			if len(matched) > limit {
				matched = matched[1:]
			}
		}
		return nil
	}, nil)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return matched, err
}
