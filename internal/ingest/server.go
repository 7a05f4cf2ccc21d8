// Package ingest exposes harvesting sessions over WebSocket.
//
// A client connects to GET /v1/stream?session=<id>, which opens the session.
// Text messages are JSON [Control] frames; a "chunk" frame announces that the
// next binary message is the audio payload for its speaker. The server
// pushes JSON [Event] messages for extracted segments, speaker changes and
// stored samples on the same connection. Closing the connection or sending
// an "end" frame ends the session.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/voicesift/internal/observe"
	"github.com/MrWong99/voicesift/internal/selector"
	"github.com/MrWong99/voicesift/pkg/types"
)

var (
	// ErrSessionActive is returned by [Sessions.Open] when the id is in use.
	ErrSessionActive = errors.New("ingest: session already active")

	// ErrAtCapacity is returned by [Sessions.Open] when no further session
	// may be opened.
	ErrAtCapacity = errors.New("ingest: session limit reached")
)

// capacityRetryAfter is the Retry-After hint, in seconds, sent with 503s.
const capacityRetryAfter = "5"

// Defaults for [Server].
const (
	DefaultReadLimit    = 1 << 20
	DefaultEventBuffer  = 256
	DefaultCloseTimeout = 30 * time.Second
)

// Stream is one open harvesting session.
type Stream interface {
	// Ingest feeds one chunk payload for speakerID. A zero ts means "now".
	Ingest(ctx context.Context, payload []byte, speakerID string, ts time.Time) error

	// ChangeSpeaker reports a label switch that carries no audio.
	ChangeSpeaker(ctx context.Context, speakerID string, ts time.Time)

	// SetTranscript attaches text to the speaker's next extracted segment.
	SetTranscript(speakerID, text string)

	// Flush force-extracts pending audio and returns the segment count.
	Flush(ctx context.Context) int

	OnSegment(fn func(*types.ExtractedSegment)) (unsubscribe func())
	OnSpeakerChange(fn func(types.SpeakerChangeEvent)) (unsubscribe func())
	OnSample(fn func(selector.SampleEvent)) (unsubscribe func())
}

// Sessions opens and closes streams by id.
type Sessions interface {
	Open(ctx context.Context, id string) (Stream, error)
	Close(ctx context.Context, id string) ([]types.SpeakerStats, error)
}

// Server handles WebSocket ingest connections.
type Server struct {
	sessions     Sessions
	origins      []string
	readLimit    int64
	eventBuffer  int
	closeTimeout time.Duration

	mu      sync.Mutex
	conns   map[uint64]context.CancelFunc
	nextID  uint64
	closing bool
	active  sync.WaitGroup
}

// Option configures a [Server].
type Option func(*Server)

// WithOriginPatterns allows cross-origin connections from the given host
// patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithReadLimit caps the size of a single client message. Default:
// [DefaultReadLimit].
func WithReadLimit(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.readLimit = n
		}
	}
}

// WithEventBuffer sets how many outgoing events may queue per connection
// before new ones are dropped. Default: [DefaultEventBuffer].
func WithEventBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.eventBuffer = n
		}
	}
}

// WithCloseTimeout bounds how long ending a session may wait for uploads.
// Default: [DefaultCloseTimeout].
func WithCloseTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.closeTimeout = d
		}
	}
}

// New creates a Server on top of sessions.
func New(sessions Sessions, opts ...Option) *Server {
	s := &Server{
		sessions:     sessions,
		readLimit:    DefaultReadLimit,
		eventBuffer:  DefaultEventBuffer,
		closeTimeout: DefaultCloseTimeout,
		conns:        make(map[uint64]context.CancelFunc),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// StreamPath is the WebSocket ingest route.
const StreamPath = "/v1/stream"

// Register adds the stream route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+StreamPath, s.handleStream)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session")
	if id == "" {
		http.Error(w, "session query parameter is required", http.StatusBadRequest)
		return
	}
	ctx, done, ok := s.track(r.Context())
	if !ok {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer done()
	log := observe.SpeakerLogger(ctx, id, "")

	stream, err := s.sessions.Open(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, ErrSessionActive):
			http.Error(w, err.Error(), http.StatusConflict)
			return
		case errors.Is(err, ErrAtCapacity):
			log.Warn("ingest: session refused", "err", err)
			w.Header().Set("Retry-After", capacityRetryAfter)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		log.Error("ingest: open session failed", "err", err)
		http.Error(w, "cannot open session", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		log.Warn("ingest: websocket accept failed", "err", err)
		s.endSession(ctx, id, log)
		return
	}
	conn.SetReadLimit(s.readLimit)

	c := &connection{
		id:     id,
		conn:   conn,
		stream: stream,
		log:    log,
		out:    make(chan []byte, s.eventBuffer),
		done:   make(chan struct{}),
	}
	log.Info("ingest: stream opened")
	c.run(ctx)

	if !c.ended {
		c.finish()
		s.endSession(ctx, id, log)
		conn.CloseNow()
		return
	}
	// Final segments and sample events still reach the client.
	stats := s.endSession(ctx, id, log)
	c.finish()
	c.writeNow(ctx, Event{Type: EventSummary, Session: id, Stats: stats})
	conn.Close(websocket.StatusNormalClosure, "session ended")
}

// Shutdown cancels every open stream and waits until their sessions are
// closed or ctx expires. New connections are refused afterwards.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for _, cancel := range s.conns {
		cancel()
	}
	s.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		s.active.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ingest: shutdown: %w", ctx.Err())
	}
}

// track registers a connection so Shutdown can cancel it.
func (s *Server) track(parent context.Context) (context.Context, func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	id := s.nextID
	s.nextID++
	s.conns[id] = cancel
	s.active.Add(1)
	return ctx, func() {
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		cancel()
		s.active.Done()
	}, true
}

// endSession closes the session on a context that outlives the request.
func (s *Server) endSession(ctx context.Context, id string, log *slog.Logger) []types.SpeakerStats {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.closeTimeout)
	defer cancel()
	stats, err := s.sessions.Close(cctx, id)
	if err != nil {
		log.Warn("ingest: close session failed", "err", err)
	}
	log.Info("ingest: stream closed", "speakers", len(stats))
	return stats
}

// connection serves one WebSocket. Callbacks from the pipeline enqueue
// events; a single writer goroutine drains them.
type connection struct {
	id     string
	conn   *websocket.Conn
	stream Stream
	log    *slog.Logger

	out    chan []byte
	done   chan struct{}
	writer sync.WaitGroup
	unsubs []func()

	// pending is the header of the next binary message.
	pending *Control
	ended   bool
}

func (c *connection) run(ctx context.Context) {
	c.writer.Add(1)
	go c.writeLoop(ctx)

	c.unsubs = []func(){
		c.stream.OnSegment(func(seg *types.ExtractedSegment) { c.send(segmentEvent(seg)) }),
		c.stream.OnSpeakerChange(func(ev types.SpeakerChangeEvent) { c.send(changeEvent(ev)) }),
		c.stream.OnSample(func(ev selector.SampleEvent) { c.send(sampleEvent(ev)) }),
	}
	c.send(Event{Type: EventReady, Session: c.id})

	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				c.log.Debug("ingest: client closed stream")
			default:
				if ctx.Err() == nil {
					c.log.Warn("ingest: read failed", "err", err)
				}
			}
			return
		}
		switch typ {
		case websocket.MessageText:
			if c.handleControl(ctx, data) {
				c.ended = true
				return
			}
		case websocket.MessageBinary:
			c.handlePayload(ctx, data)
		}
	}
}

// handleControl applies one control frame and reports whether the client
// asked to end the session.
func (c *connection) handleControl(ctx context.Context, data []byte) bool {
	var ctl Control
	if err := json.Unmarshal(data, &ctl); err != nil {
		c.send(errorEvent(fmt.Errorf("ingest: malformed control frame: %w", err)))
		return false
	}
	switch ctl.Type {
	case FrameChunk:
		if ctl.Speaker == "" {
			c.send(errorEvent(errors.New("ingest: chunk frame needs a speaker")))
			return false
		}
		if c.pending != nil {
			c.log.Debug("ingest: chunk header replaced before payload", "speaker", c.pending.Speaker)
		}
		c.pending = &ctl
	case FrameSpeaker:
		if ctl.Speaker == "" {
			c.send(errorEvent(errors.New("ingest: speaker frame needs a speaker")))
			return false
		}
		c.stream.ChangeSpeaker(ctx, ctl.Speaker, ctl.Time())
	case FrameTranscript:
		c.stream.SetTranscript(ctl.Speaker, ctl.Text)
	case FrameFlush:
		n := c.stream.Flush(ctx)
		c.send(Event{Type: EventFlushed, Session: c.id, Count: n})
	case FrameEnd:
		return true
	default:
		c.send(errorEvent(fmt.Errorf("ingest: unknown control frame %q", ctl.Type)))
	}
	return false
}

func (c *connection) handlePayload(ctx context.Context, data []byte) {
	hdr := c.pending
	c.pending = nil
	if hdr == nil {
		c.send(errorEvent(errors.New("ingest: binary message without chunk frame")))
		return
	}
	if err := c.stream.Ingest(ctx, data, hdr.Speaker, hdr.Time()); err != nil {
		c.log.Debug("ingest: chunk not accepted", "speaker", hdr.Speaker, "bytes", len(data), "err", err)
		c.send(Event{Type: EventError, Speaker: hdr.Speaker, Error: err.Error()})
	}
}

// send queues ev without blocking. Events are dropped when the client
// falls behind or the connection is finishing.
func (c *connection) send(ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		c.log.Error("ingest: encode event", "type", ev.Type, "err", err)
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.out <- b:
	default:
		c.log.Warn("ingest: client too slow, event dropped", "type", ev.Type)
	}
}

func (c *connection) writeLoop(ctx context.Context) {
	defer c.writer.Done()
	for {
		select {
		case b := <-c.out:
			if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
				return
			}
		case <-c.done:
			for {
				select {
				case b := <-c.out:
					if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// finish detaches from the pipeline and flushes queued events.
func (c *connection) finish() {
	for _, u := range c.unsubs {
		u()
	}
	close(c.done)
	c.writer.Wait()
}

// writeNow writes ev directly; the writer goroutine must have exited.
func (c *connection) writeNow(ctx context.Context, ev Event) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(wctx, c.conn, ev); err != nil {
		c.log.Debug("ingest: write event failed", "type", ev.Type, "err", err)
	}
}
