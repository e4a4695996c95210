package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ashita-ai/renshu/internal/model"
)

// maxFrameSize bounds a single SSE line. Metric payloads with large
// custom metric maps stay far below this.
const maxFrameSize = 1 << 20

// Stream is a live SSE subscription to one run's event feed. Events is
// closed when the feed ends; Err then reports the transport cause, nil
// for a clean server-side close. Frames whose payload does not decode
// are dropped and counted, never surfaced as events or errors.
type Stream struct {
	body    io.ReadCloser
	logger  *slog.Logger
	events  chan model.MetricEvent
	done    chan struct{}
	dropped *atomic.Int64 // shared with the owning Client

	closeOnce sync.Once
	closed    atomic.Bool

	mu  sync.Mutex
	err error
}

func newStream(body io.ReadCloser, logger *slog.Logger, dropped *atomic.Int64) *Stream {
	s := &Stream{
		body:    body,
		logger:  logger,
		events:  make(chan model.MetricEvent, 64),
		done:    make(chan struct{}),
		dropped: dropped,
	}
	go s.run()
	return s
}

// Events returns the channel of decoded metric events, closed when the
// feed ends.
func (s *Stream) Events() <-chan model.MetricEvent {
	return s.events
}

// Err reports why the feed ended. It is meaningful once Events is
// closed: nil for a clean end, the transport error otherwise.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears down the subscription. Idempotent; a close initiated here
// never surfaces as a transport error.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		_ = s.body.Close()
	})
	return nil
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// run parses the wire format "event: <type>\ndata: <payload>\n\n" until
// the body ends. Comment lines (leading ':') are keepalives.
func (s *Stream) run() {
	defer close(s.events)

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			s.dispatch(strings.Join(data, "\n"))
			data = data[:0]
		case strings.HasPrefix(line, ":"):
			// Keepalive comment.
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// Other fields (event, id, retry) carry no payload we need.
		}
	}
	s.dispatch(strings.Join(data, "\n"))

	if err := scanner.Err(); err != nil && !s.closed.Load() {
		s.setErr(fmt.Errorf("control: read stream: %w", err))
	}
}

// dispatch decodes one frame's payload and delivers it. Payloads that do
// not decode as a metric event are dropped and counted. Delivery aborts
// when the stream is closed so a stalled receiver cannot pin this
// goroutine.
func (s *Stream) dispatch(payload string) {
	if payload == "" {
		return
	}
	var ev model.MetricEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		s.dropped.Add(1)
		s.logger.Debug("control: dropped malformed stream payload", "error", err)
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
