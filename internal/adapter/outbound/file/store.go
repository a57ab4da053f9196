package file

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/erpkernel/erpkernel/internal/domain/audit"
)

// Config holds configuration for the file-based audit store.
type Config struct {
	// Dir is the directory where audit files are stored.
	Dir string
	// ArchiveAfterDays moves files older than this many days into
	// Dir/archive as zstd-compressed copies. Archived lines stay readable
	// by Verify, Tail and Query; nothing is ever deleted. Zero disables
	// archiving.
	ArchiveAfterDays int
	// MaxFileSizeMB is the maximum file size in megabytes before rotation (default 100).
	MaxFileSizeMB int
	// SyncOnAppend fsyncs after every Append when set.
	SyncOnAppend bool
}

// Store implements audit.Store as JSON Lines with rotation and archiving.
// Appends are serialized in-process by a mutex and across processes by an
// advisory lock on a file in Dir.
type Store struct {
	dir          string
	maxFileSize  int64
	archiveAfter int
	syncOnAppend bool

	mu          sync.Mutex
	lock        *os.File
	current     *os.File
	currentName string
	currentDate string
	currentSize int64
	suffix      int
	lastSeq     uint64
	closed      bool

	logger *slog.Logger
	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the directory if needed, recovers the last sequence number
// from the newest file, and archives old files hourly when archiving is
// enabled.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("audit directory is required")
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	lock, err := os.OpenFile(filepath.Join(cfg.Dir, lockFileName), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	s := &Store{
		dir:          cfg.Dir,
		maxFileSize:  int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		archiveAfter: cfg.ArchiveAfterDays,
		syncOnAppend: cfg.SyncOnAppend,
		lock:         lock,
		logger:       logger,
		now:          time.Now,
		done:         make(chan struct{}),
	}

	if err := s.withLock(s.syncLocked); err != nil {
		_ = lock.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if s.archiveAfter > 0 {
		s.runArchive()
		go s.archiveLoop(ctx)
	} else {
		close(s.done)
	}
	return s, nil
}

// Append writes events as checksummed JSON lines, rotating by date and size
// as needed. Events are written in order with consecutive sequence numbers.
func (s *Store) Append(ctx context.Context, events ...audit.Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audit.ErrStoreClosed
	}

	return s.withLock(func() error {
		if err := s.syncLocked(); err != nil {
			return err
		}
		for _, e := range events {
			if err := s.appendLocked(e); err != nil {
				return err
			}
		}
		if s.syncOnAppend && s.current != nil {
			return s.current.Sync()
		}
		return nil
	})
}

func (s *Store) appendLocked(e audit.Event) error {
	date := e.Timestamp.UTC().Format(dateLayout)
	if s.current == nil || date > s.currentDate {
		if err := s.openLocked(date, 0); err != nil {
			return fmt.Errorf("date rotation: %w", err)
		}
	}
	if s.currentSize >= s.maxFileSize {
		if err := s.openLocked(s.currentDate, s.suffix+1); err != nil {
			return fmt.Errorf("size rotation: %w", err)
		}
	}

	data, err := encodeLine(s.lastSeq+1, e.ToRecord())
	if err != nil {
		return err
	}
	n, err := s.current.Write(data)
	s.currentSize += int64(n)
	if err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	s.lastSeq++
	return nil
}

// withLock runs fn while holding the cross-process lock.
func (s *Store) withLock(fn func() error) error {
	if err := lockFile(s.lock.Fd()); err != nil {
		return fmt.Errorf("acquire audit lock: %w", err)
	}
	defer func() { _ = unlockFile(s.lock.Fd()) }()
	return fn()
}

// syncLocked makes the in-memory write position agree with the directory,
// which another process may have appended to or rotated since our last
// write. Must be called with the cross-process lock held.
func (s *Store) syncLocked() error {
	files, err := listLogFiles(s.dir, false)
	if err != nil {
		return fmt.Errorf("list audit files: %w", err)
	}
	if len(files) == 0 {
		// Nothing written yet; the first append opens a file for its date.
		return nil
	}
	newest := files[len(files)-1]
	if s.current != nil && newest.name == s.currentName {
		info, err := s.current.Stat()
		if err != nil {
			return fmt.Errorf("stat audit file: %w", err)
		}
		if info.Size() == s.currentSize {
			return nil
		}
	}
	if s.current == nil || newest.name != s.currentName {
		if err := s.openLocked(newest.date, newest.suffix); err != nil {
			return err
		}
	}
	seq, size, err := s.recoverTail()
	if err != nil {
		return err
	}
	s.lastSeq = seq
	s.currentSize = size
	return nil
}

// recoverTail returns the last sequence number written to the log,
// archived files included, and the size of the newest file.
func (s *Store) recoverTail() (uint64, int64, error) {
	info, err := s.current.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("stat audit file: %w", err)
	}
	files, err := listAllLogFiles(s.dir, false)
	if err != nil {
		return 0, 0, fmt.Errorf("list audit files: %w", err)
	}
	for i := len(files) - 1; i >= 0; i-- {
		seq, ok, err := lastSeqIn(s.dir, files[i])
		if err != nil {
			return 0, 0, err
		}
		if ok {
			return seq, info.Size(), nil
		}
	}
	return 0, info.Size(), nil
}

func lastSeqIn(dir string, lf logFile) (uint64, bool, error) {
	f, err := openLogFile(dir, lf)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = f.Close() }()

	var (
		last  uint64
		found bool
	)
	err = scanLines(f, func(raw []byte) error {
		if l, err := decodeLine(raw); err == nil {
			last, found = l.Seq, true
		}
		return nil
	})
	return last, found, err
}

// openLocked switches the current file.
func (s *Store) openLocked(date string, suffix int) error {
	if s.current != nil {
		_ = s.current.Sync()
		_ = s.current.Close()
		s.current = nil
	}
	name := logFilename(date, suffix)
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open file %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat file %s: %w", name, err)
	}
	s.current = f
	s.currentName = name
	s.currentDate = date
	s.currentSize = info.Size()
	s.suffix = suffix
	return nil
}

// Flush syncs the current file to disk.
func (s *Store) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return s.current.Sync()
	}
	return nil
}

// Close stops the archive loop and closes the current file.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	var err error
	if s.current != nil {
		_ = s.current.Sync()
		err = s.current.Close()
		s.current = nil
	}
	_ = s.lock.Close()
	s.mu.Unlock()

	<-s.done
	return err
}

// Dir returns the directory the store writes to.
func (s *Store) Dir() string {
	return s.dir
}

// Query reads the log and returns matching events in insertion order.
func (s *Store) Query(ctx context.Context, filter audit.Filter) ([]audit.Event, error) {
	return Query(ctx, s.dir, filter)
}

// runArchive compresses files older than the archive threshold into the
// archive directory. The newest file is never archived so the write
// position can always be recovered from a live file.
func (s *Store) runArchive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err := s.withLock(s.archiveLocked); err != nil {
		s.logger.Error("audit archive failed", "dir", s.dir, "error", err)
	}
}

func (s *Store) archiveLocked() error {
	files, err := listLogFiles(s.dir, false)
	if err != nil {
		return fmt.Errorf("list audit files: %w", err)
	}
	if len(files) < 2 {
		return nil
	}

	cutoff := s.now().UTC().AddDate(0, 0, -s.archiveAfter)
	today := s.now().UTC().Format(dateLayout)
	archived := 0
	for _, f := range files[:len(files)-1] {
		fileDate, err := time.Parse(dateLayout, f.date)
		if err != nil || f.date == today || f.name == s.currentName || !fileDate.Before(cutoff) {
			continue
		}
		if err := archiveFile(s.dir, f.name); err != nil {
			s.logger.Error("audit archive: failed to compress file", "file", f.name, "error", err)
			continue
		}
		archived++
	}
	if archived > 0 {
		s.logger.Info("audit archive completed", "archived", archived)
	}
	return nil
}

// archiveFile writes a zstd copy of dir/name into the archive directory
// and removes the live file only once the copy is durable.
func archiveFile(dir, name string) error {
	dest := filepath.Join(dir, archiveDir)
	if err := os.MkdirAll(dest, 0o700); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	src, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	tmp, err := os.CreateTemp(dest, name+".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	enc, err := zstd.NewWriter(tmp)
	if err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := io.Copy(enc, src); err != nil {
		_ = enc.Close()
		_ = tmp.Close()
		return fmt.Errorf("compress: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("compress: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dest, name+archiveExt)); err != nil {
		return err
	}
	return os.Remove(filepath.Join(dir, name))
}

func (s *Store) archiveLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runArchive()
		}
	}
}

// scanLines calls fn for every non-empty line of r.
func scanLines(r io.Reader, fn func(raw []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Compile-time interface verification.
var (
	_ audit.Store      = (*Store)(nil)
	_ audit.QueryStore = (*Store)(nil)
)
