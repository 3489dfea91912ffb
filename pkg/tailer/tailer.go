package tailer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/loki-sidecar/pkg/metrics"
	"github.com/cuemby/loki-sidecar/pkg/types"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Defaults applied when a Config leaves a field unset
const (
	DefaultSuffix       = ".log"
	DefaultPollInterval = time.Second
	DefaultMaxLineBytes = 1 << 20
)

const (
	readBufferSize = 8192

	// maxReadsPerWake bounds one file's share of a single wake-up
	maxReadsPerWake = 128
)

var (
	ErrAlreadyStarted = errors.New("tailer already started")
	ErrStopped        = errors.New("tailer stopped")
	ErrWatcherClosed  = errors.New("file watcher closed")
)

// Parser converts a raw line into a record
type Parser interface {
	Parse(line string) types.Record
}

// Enqueuer accepts parsed records. Enqueue reports false when the record was rejected.
type Enqueuer interface {
	Enqueue(rec types.Record) bool
}

// Config configures a Tailer
type Config struct {
	// Directory is scanned (non-recursively) for files to tail
	Directory string

	// Suffix selects which files in Directory are tailed (default: ".log")
	Suffix string

	// PollInterval bounds each wait on the watcher. Every tracked file is
	// also read when it elapses. (default: 1s)
	PollInterval time.Duration

	// WatchNewFiles tails matching files created after Start
	WatchNewFiles bool

	// MaxLineBytes forces out a line that grows past this without a newline (default: 1 MiB)
	MaxLineBytes int

	Logger zerolog.Logger
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

// Tailer follows log files and feeds each complete line through the parser
// into the queue
type Tailer struct {
	cfg     Config
	dir     string
	parser  Parser
	queue   Enqueuer
	metrics *metrics.Registry
	logger  zerolog.Logger
	dropLog zerolog.Logger

	watcher *fsnotify.Watcher
	readBuf []byte

	// Loop-owned: files that hit the per-wake read cap, and files renamed away
	pending   map[*WatchedFile]struct{}
	pendingCh chan struct{}
	renamed   renamedSet

	// mu guards files. Reads and closes happen only on the loop goroutine.
	mu    sync.Mutex
	files map[string]*WatchedFile

	stateMu  sync.Mutex
	state    state
	err      error
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	rescanCh chan struct{}
}

// New creates a tailer. Failing to create the watcher is fatal.
func New(cfg Config, parser Parser, queue Enqueuer, reg *metrics.Registry) (*Tailer, error) {
	if cfg.Suffix == "" {
		cfg.Suffix = DefaultSuffix
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultMaxLineBytes
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Tailer{
		cfg:     cfg,
		dir:     filepath.Clean(cfg.Directory),
		parser:  parser,
		queue:   queue,
		metrics: reg,
		logger:  cfg.Logger,
		dropLog: cfg.Logger.Sample(&zerolog.BurstSampler{Burst: 1, Period: 10 * time.Second}),
		watcher: watcher,
		readBuf: make([]byte, readBufferSize),
		files:   make(map[string]*WatchedFile),
		pending: make(map[*WatchedFile]struct{}),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		// rescan requests and pending wake-ups coalesce
		rescanCh:  make(chan struct{}, 1),
		pendingCh: make(chan struct{}, 1),
	}, nil
}

// Start discovers the files already in the directory, positions each at its
// end and begins the event loop. Content written before Start is never read.
func (t *Tailer) Start() error {
	t.stateMu.Lock()
	switch t.state {
	case stateRunning:
		t.stateMu.Unlock()
		return ErrAlreadyStarted
	case stateStopped:
		t.stateMu.Unlock()
		return ErrStopped
	}
	t.state = stateRunning
	t.stateMu.Unlock()

	t.discover(false)

	if t.cfg.WatchNewFiles {
		if err := t.watcher.Add(t.dir); err != nil {
			t.logger.Warn().Err(err).Str("directory", t.dir).Msg("Cannot watch directory for new files")
		}
	}

	go t.run()

	t.logger.Info().
		Str("directory", t.dir).
		Str("suffix", t.cfg.Suffix).
		Int("files", len(t.Files())).
		Msg("Log watcher started")
	return nil
}

// Stop ends the event loop and releases every file descriptor. It does not
// wait; use Wait. Safe to call more than once and from any goroutine.
func (t *Tailer) Stop() {
	t.stopOnce.Do(func() {
		t.stateMu.Lock()
		prev := t.state
		t.state = stateStopped
		t.stateMu.Unlock()

		close(t.stopCh)

		// The loop never ran, so nothing else will release resources
		if prev != stateRunning {
			t.cleanup()
			close(t.doneCh)
		}
	})
}

// Wait blocks until the loop has exited and all files are closed
func (t *Tailer) Wait() {
	<-t.doneCh
}

// Done is closed when the loop has exited
func (t *Tailer) Done() <-chan struct{} {
	return t.doneCh
}

// Err returns why the loop exited on its own, or nil after a requested stop
func (t *Tailer) Err() error {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.err
}

func (t *Tailer) fail(err error) {
	t.logger.Error().Err(err).Msg("Log watcher failed")
	t.stateMu.Lock()
	t.err = err
	t.stateMu.Unlock()
}

// Rescan asks the loop to look for matching files that are not yet tracked.
// Files found this way are read from the beginning.
func (t *Tailer) Rescan() {
	select {
	case t.rescanCh <- struct{}{}:
	default:
	}
}

// AddFile starts tailing path from its current end. Errors are logged and
// returned; the tailer keeps running either way.
func (t *Tailer) AddFile(path string) error {
	return t.addFile(path, false)
}

// Files returns the tracked paths in sorted order
func (t *Tailer) Files() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	paths := make([]string, 0, len(t.files))
	for p := range t.files {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}

// Offset returns the read position of a tracked file
func (t *Tailer) Offset(path string) (int64, bool) {
	wf := t.lookup(filepath.Clean(path))
	if wf == nil {
		return 0, false
	}
	return wf.Offset(), true
}

func (t *Tailer) run() {
	defer close(t.doneCh)
	defer t.cleanup()

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			// Pick up anything written since the last wake-up
			t.pollAll()
			for len(t.pending) > 0 {
				t.readPending()
			}
			t.logger.Info().Msg("Log watcher stopped")
			return

		case event, ok := <-t.watcher.Events:
			if !ok {
				t.fail(ErrWatcherClosed)
				return
			}
			t.handleEvent(event)

		case err, ok := <-t.watcher.Errors:
			if !ok {
				t.fail(ErrWatcherClosed)
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				t.logger.Warn().Err(err).Msg("File watcher overflowed, reading all files")
				t.pollAll()
				continue
			}
			t.fail(fmt.Errorf("file watcher failed: %w", err))
			return

		case <-t.pendingCh:
			t.readPending()

		case <-t.rescanCh:
			t.discover(true)

		case <-ticker.C:
			t.pollAll()
		}
	}
}

func (t *Tailer) handleEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)

	if event.Has(fsnotify.Create) && t.cfg.WatchNewFiles && t.matches(path) && t.lookup(path) == nil {
		if err := t.addFile(path, true); err == nil {
			if wf := t.lookup(path); wf != nil {
				t.read(wf)
			}
		}
		return
	}

	wf := t.lookup(path)
	if wf == nil {
		return
	}

	if event.Has(fsnotify.Write) {
		t.read(wf)
	}

	switch {
	case event.Has(fsnotify.Remove):
		// The descriptor still reads the unlinked file, so drain it first
		t.drain(wf)
		t.closeFile(path, false)
	case event.Has(fsnotify.Rename):
		// A late event can arrive after path already names our file again
		if info, err := os.Stat(path); err == nil && os.SameFile(info, wf.info) {
			return
		}
		t.drain(wf)
		t.closeFile(path, true)
	}
}

// discover adds every matching regular file in the directory that is not
// already tracked
func (t *Tailer) discover(fromStart bool) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			t.logger.Warn().Str("directory", t.dir).Msg("Log directory does not exist")
			return
		}
		t.logger.Error().Err(err).Str("directory", t.dir).Msg("Failed to scan log directory")
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(t.dir, entry.Name())
		if !t.matches(path) || t.lookup(path) != nil {
			continue
		}
		// Failures are logged by addFile and the file is skipped
		_ = t.addFile(path, fromStart)
	}
}

func (t *Tailer) matches(path string) bool {
	return filepath.Dir(path) == t.dir && strings.HasSuffix(filepath.Base(path), t.cfg.Suffix)
}

func (t *Tailer) lookup(path string) *WatchedFile {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.files[path]
}

func (t *Tailer) addFile(path string, fromStart bool) error {
	path = filepath.Clean(path)
	if t.lookup(path) != nil {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		t.logger.Error().Err(err).Str("path", path).Msg("Failed to open file")
		return err
	}
	if !info.Mode().IsRegular() {
		err := fmt.Errorf("%s is not a regular file", path)
		t.logger.Error().Err(err).Str("path", path).Msg("Failed to open file")
		return err
	}

	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		t.logger.Error().Err(err).Str("path", path).Msg("Failed to open file")
		return err
	}

	// Identify what was actually opened, not what path named a moment ago
	info, err = f.Stat()
	if err != nil {
		_ = f.Close()
		t.logger.Error().Err(err).Str("path", path).Msg("Failed to stat file")
		return err
	}
	if other := t.trackedAs(info); other != "" {
		_ = f.Close()
		t.logger.Debug().Str("path", path).Str("tracked_as", other).Msg("File already tracked under another name")
		return nil
	}

	var (
		offset  int64
		partial []byte
	)
	switch {
	case !fromStart:
		offset, err = f.Seek(0, io.SeekEnd)
	default:
		if r, ok := t.renamed.take(info); ok && r.offset <= info.Size() {
			offset, partial = r.offset, r.partial
			_, err = f.Seek(offset, io.SeekStart)
			t.logger.Info().Str("path", path).Str("renamed_from", r.path).Msg("Resuming renamed file")
		}
	}
	if err != nil {
		_ = f.Close()
		t.logger.Error().Err(err).Str("path", path).Msg("Failed to seek file")
		return err
	}

	if err := t.watcher.Add(path); err != nil {
		_ = f.Close()
		t.logger.Error().Err(err).Str("path", path).Msg("Failed to add file to watcher")
		return err
	}

	t.mu.Lock()
	if _, exists := t.files[path]; exists {
		t.mu.Unlock()
		_ = f.Close()
		return nil
	}
	wf := &WatchedFile{Path: path, file: f, info: info, partial: partial}
	wf.offset.Store(offset)
	t.files[path] = wf
	t.mu.Unlock()

	t.logger.Info().Str("path", path).Int64("offset", offset).Msg("Watching file")
	return nil
}

// trackedAs returns the path under which the file described by info is
// already tracked, or ""
func (t *Tailer) trackedAs(info os.FileInfo) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	for path, wf := range t.files {
		if wf.info != nil && os.SameFile(wf.info, info) {
			return path
		}
	}
	return ""
}

// closeFile stops tailing path. A renamed file's position is remembered so it
// can resume under its new name; a removed file's unterminated last line is
// emitted since nothing can complete it.
func (t *Tailer) closeFile(path string, renamed bool) {
	t.mu.Lock()
	wf, ok := t.files[path]
	delete(t.files, path)
	t.mu.Unlock()
	if !ok {
		return
	}

	_ = t.watcher.Remove(path)
	delete(t.pending, wf)

	if renamed {
		evicted, ok := t.renamed.add(renamedFile{
			path:    path,
			info:    wf.info,
			offset:  wf.Offset(),
			partial: wf.partial,
		})
		if ok && len(evicted.partial) > 0 {
			t.logger.Warn().
				Str("path", evicted.path).
				Int("bytes", len(evicted.partial)).
				Msg("Discarding unterminated line of renamed file")
		}
	} else if len(wf.partial) > 0 {
		t.emit(wf.partial)
	}
	wf.partial = nil

	if err := wf.close(); err != nil {
		t.logger.Warn().Err(err).Str("path", path).Msg("Failed to close file")
	}
	t.logger.Info().Str("path", path).Bool("renamed", renamed).Msg("Stopped watching file")
}

func (t *Tailer) pollAll() {
	t.mu.Lock()
	files := make([]*WatchedFile, 0, len(t.files))
	for _, wf := range t.files {
		files = append(files, wf)
	}
	t.mu.Unlock()

	for _, wf := range files {
		t.read(wf)
	}
}

// read consumes one wake-up's worth of wf. A file with more left is queued
// for the loop to come back to before it blocks again.
func (t *Tailer) read(wf *WatchedFile) {
	if !t.readFile(wf) {
		return
	}
	t.pending[wf] = struct{}{}
	select {
	case t.pendingCh <- struct{}{}:
	default:
	}
}

func (t *Tailer) readPending() {
	files := t.pending
	t.pending = make(map[*WatchedFile]struct{}, len(files))
	for wf := range files {
		t.read(wf)
	}
}

// drain reads wf all the way to EOF
func (t *Tailer) drain(wf *WatchedFile) {
	for t.readFile(wf) {
	}
}

// readFile consumes what is available past the file's offset, up to the
// per-wake cap. It reports whether the cap cut the read short.
func (t *Tailer) readFile(wf *WatchedFile) bool {
	if wf.file == nil {
		return false
	}

	for i := 0; i < maxReadsPerWake; i++ {
		n, err := wf.file.Read(t.readBuf)
		if n > 0 {
			wf.offset.Add(int64(n))
			t.consume(wf, t.readBuf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				return false
			}
			t.logger.Warn().Err(err).Str("path", wf.Path).Msg("Failed to read file")
			return false
		}
		if n == 0 {
			return false
		}
	}
	return true
}

// consume splits chunk on newlines, emitting complete lines and carrying the
// unterminated tail in wf.partial
func (t *Tailer) consume(wf *WatchedFile, chunk []byte) {
	data := chunk
	if len(wf.partial) > 0 {
		wf.partial = append(wf.partial, chunk...)
		data = wf.partial
	}

	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		t.emit(data[:i])
		data = data[i+1:]
	}

	if len(data) > t.cfg.MaxLineBytes {
		t.logger.Warn().
			Str("path", wf.Path).
			Int("bytes", len(data)).
			Msg("Line exceeds maximum length, emitting without newline")
		t.emit(data)
		data = nil
	}

	// data may alias wf.partial; append copies with overlap-safe semantics
	wf.partial = append(wf.partial[:0], data...)
}

func (t *Tailer) emit(line []byte) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(line) == 0 {
		return
	}

	rec := t.parser.Parse(string(line))
	if !t.queue.Enqueue(rec) {
		t.metrics.IncDropped()
		t.dropLog.Warn().Msg("Queue full, dropping log line")
		return
	}
	t.metrics.IncProcessed()
}

func (t *Tailer) cleanup() {
	t.mu.Lock()
	files := t.files
	t.files = make(map[string]*WatchedFile)
	t.mu.Unlock()

	for path, wf := range files {
		if len(wf.partial) > 0 {
			t.logger.Warn().
				Str("path", path).
				Int("bytes", len(wf.partial)).
				Msg("Discarding unterminated line at shutdown")
		}
		if err := wf.close(); err != nil {
			t.logger.Warn().Err(err).Str("path", path).Msg("Failed to close file")
		}
	}

	if err := t.watcher.Close(); err != nil {
		t.logger.Warn().Err(err).Msg("Failed to close file watcher")
	}
}
