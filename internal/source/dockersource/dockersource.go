// Package dockersource streams container stdout/stderr logs and feeds the
// two-tier queue (C2) with envelopes, the container-log counterpart to
// filesource. Grounded in the teacher's internal/monitors/container_monitor.go
// (docker/docker/client container discovery + ContainerLogs streaming,
// stdcopy demultiplexing) and internal/docker/http_client.go (client
// construction), trimmed to the discovery+stream+push path this spec needs.
package dockersource

import (
	"bufio"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"streamship/internal/core/envelope"
	"streamship/pkg/types"

	dockerTypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"
)

// PushFunc delivers one envelope to the pipeline.
type PushFunc func(ctx context.Context, e envelope.Envelope[*types.LogEntry]) error

// Config controls container discovery.
type Config struct {
	LabelFilters   map[string]string
	PollInterval   time.Duration
	SinceDuration  time.Duration
}

// Source discovers running containers matching Config.LabelFilters and
// streams their logs. BookmarkKey is the container ID; Position is the
// cumulative byte offset read from that container's log stream since this
// process attached to it (Docker's log API has no server-side resume
// cursor, so exact-position resume across restarts is a known limitation
// the source layer accepts, consistent with spec §6 treating initial
// position policy as "the source's concern, out of scope here").
type Source struct {
	cfg    Config
	push   PushFunc
	logger *logrus.Logger
	cli    *client.Client

	mu         sync.Mutex
	attached   map[string]context.CancelFunc
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New connects to the local Docker daemon using the standard environment
// variables (DOCKER_HOST etc.).
func New(cfg Config, push PushFunc, logger *logrus.Logger) (*Source, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Source{
		cfg:      cfg,
		push:     push,
		logger:   logger,
		cli:      cli,
		attached: make(map[string]context.CancelFunc),
	}, nil
}

// Start begins the discovery poll loop in the background.
func (s *Source) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.pollLoop(ctx)
	return nil
}

func (s *Source) pollLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.discoverAndAttach(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.discoverAndAttach(ctx)
		}
	}
}

func (s *Source) discoverAndAttach(ctx context.Context) {
	f := filters.NewArgs()
	for k, v := range s.cfg.LabelFilters {
		f.Add("label", k+"="+v)
	}
	containers, err := s.cli.ContainerList(ctx, dockerTypes.ContainerListOptions{Filters: f})
	if err != nil {
		s.logger.WithError(err).Warn("dockersource: container list failed")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range containers {
		if _, attached := s.attached[c.ID]; attached {
			continue
		}
		cctx, ccancel := context.WithCancel(ctx)
		s.attached[c.ID] = ccancel
		s.wg.Add(1)
		go s.streamLogs(cctx, c.ID)
	}
}

func (s *Source) streamLogs(ctx context.Context, containerID string) {
	defer s.wg.Done()

	since := ""
	if s.cfg.SinceDuration > 0 {
		since = time.Now().Add(-s.cfg.SinceDuration).Format(time.RFC3339)
	}
	reader, err := s.cli.ContainerLogs(ctx, containerID, dockerTypes.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Since:      since,
	})
	if err != nil {
		s.logger.WithError(err).WithField("container", containerID).Warn("dockersource: failed to attach log stream")
		return
	}
	defer reader.Close()

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	go func() {
		defer outW.Close()
		defer errW.Close()
		_, _ = stdcopy.StdCopy(outW, errW, reader)
	}()

	var position atomic.Int64
	var wg sync.WaitGroup
	wg.Add(2)
	go s.scan(ctx, containerID, "stdout", outR, &position, &wg)
	go s.scan(ctx, containerID, "stderr", errR, &position, &wg)
	wg.Wait()
}

func (s *Source) scan(ctx context.Context, containerID, stream string, r io.Reader, position *atomic.Int64, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		pos := position.Add(int64(len(line)) + 1)

		entry := &types.LogEntry{
			Timestamp:  time.Now(),
			Message:    line,
			SourceType: "docker",
			SourceID:   containerID,
			Labels:     map[string]string{"container_id": containerID, "stream": stream},
		}
		e := envelope.Envelope[*types.LogEntry]{
			Payload:     entry,
			Timestamp:   entry.Timestamp,
			BookmarkKey: containerID,
			Position:    pos,
		}
		if err := s.push(ctx, e); err != nil {
			s.logger.WithError(err).WithField("container", containerID).Warn("dockersource: push failed")
		}
	}
}

// Stop cancels every attached stream and waits for them to exit.
func (s *Source) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	for _, cancel := range s.attached {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}
