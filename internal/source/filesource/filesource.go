// Package filesource tails local log files and feeds the two-tier queue
// (C2) with envelopes, playing the "Source" role the core's data-flow
// diagram (spec §2) treats as an external collaborator. Grounded in the
// teacher's internal/monitors/file_monitor.go (fsnotify directory watch +
// nxadm/tail per-file tailers, worker-pool fan-in), adapted to push
// envelope.Envelope[*types.LogEntry] into a caller-supplied sink function
// instead of the teacher's own in-process Dispatcher type.
package filesource

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"streamship/internal/core/envelope"
	"streamship/pkg/types"

	"github.com/fsnotify/fsnotify"
	"github.com/nxadm/tail"
	"github.com/sirupsen/logrus"
)

// PushFunc delivers one envelope to the pipeline (typically a closure over
// queue.Queue[*types.LogEntry].Push plus the sink's SizeOf). It returns an
// error only for truly exceptional conditions; ordinary backpressure is the
// queue's own concern, not the source's.
type PushFunc func(ctx context.Context, e envelope.Envelope[*types.LogEntry]) error

// Config controls which files this source watches.
type Config struct {
	Directories     []string
	IncludePatterns []string
	PollInterval    time.Duration
}

// Source tails a set of directories for matching files and pushes each new
// line as an envelope. BookmarkKey is the absolute file path; Position is
// the tailer's byte offset, satisfying the monotonic-position invariant
// (spec §3) because nxadm/tail only ever advances forward within one file.
type Source struct {
	cfg    Config
	push   PushFunc
	logger *logrus.Logger

	initialOffset func(path string) int64

	mu      sync.Mutex
	tailers map[string]*tail.Tail

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// New constructs a Source. initialOffset supplies the starting byte offset
// for a newly discovered file (normally the bookmark coordinator's
// InitialPosition for that path); it may be nil, in which case files are
// always tailed from the beginning.
func New(cfg Config, push PushFunc, initialOffset func(path string) int64, logger *logrus.Logger) (*Source, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Source{
		cfg:           cfg,
		push:          push,
		logger:        logger,
		initialOffset: initialOffset,
		tailers:       make(map[string]*tail.Tail),
		watcher:       watcher,
	}, nil
}

// Start begins watching the configured directories and tailing matching
// files already present in them. It returns once the initial scan and watch
// registration complete; new files are picked up asynchronously.
func (s *Source) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	_ = ctx

	for _, dir := range s.cfg.Directories {
		if err := s.watcher.Add(dir); err != nil {
			s.logger.WithError(err).WithField("dir", dir).Warn("filesource: failed to watch directory")
			continue
		}
		matches := s.discover(dir)
		for _, path := range matches {
			s.startTailing(path)
		}
	}

	s.wg.Add(1)
	go s.watchLoop()
	return nil
}

func (s *Source) discover(dir string) []string {
	var out []string
	for _, pattern := range s.cfg.IncludePatterns {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			continue
		}
		out = append(out, matches...)
	}
	return out
}

func (s *Source) watchLoop() {
	defer s.wg.Done()
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				if s.matches(event.Name) {
					s.startTailing(event.Name)
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.WithError(err).Warn("filesource: watcher error")
		}
	}
}

func (s *Source) matches(path string) bool {
	for _, pattern := range s.cfg.IncludePatterns {
		if ok, _ := filepath.Match(pattern, filepath.Base(path)); ok {
			return true
		}
	}
	return false
}

func (s *Source) startTailing(path string) {
	s.mu.Lock()
	if _, exists := s.tailers[path]; exists {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	location := &tail.SeekInfo{Offset: 0, Whence: 0}
	var start int64
	if s.initialOffset != nil {
		if off := s.initialOffset(path); off > 0 {
			location = &tail.SeekInfo{Offset: off, Whence: 0}
			start = off
		}
	}

	t, err := tail.TailFile(path, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Location: location,
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		s.logger.WithError(err).WithField("path", path).Warn("filesource: failed to tail file")
		return
	}

	s.mu.Lock()
	s.tailers[path] = t
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLines(path, t, start)
}

func (s *Source) readLines(path string, t *tail.Tail, position int64) {
	defer s.wg.Done()
	for line := range t.Lines {
		if line.Err != nil {
			s.logger.WithError(line.Err).WithField("path", path).Warn("filesource: tail read error")
			continue
		}
		position += int64(len(line.Text)) + 1

		entry := &types.LogEntry{
			Timestamp:  line.Time,
			Message:    line.Text,
			SourceType: "file",
			SourceID:   path,
			Labels:     map[string]string{"file": path},
		}
		e := envelope.Envelope[*types.LogEntry]{
			Payload:     entry,
			Timestamp:   line.Time,
			BookmarkKey: path,
			Position:    position,
		}
		if err := s.push(context.Background(), e); err != nil {
			s.logger.WithError(err).WithField("path", path).Warn("filesource: push failed")
		}
	}
}

// Stop stops all tailers and the directory watcher, waiting for in-flight
// reads to settle.
func (s *Source) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	for _, t := range s.tailers {
		_ = t.Stop()
	}
	s.mu.Unlock()
	_ = s.watcher.Close()
	s.wg.Wait()
	return nil
}
