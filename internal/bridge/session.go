// Package bridge pairs one WebSocket connection with one language server
// process and relays JSON-RPC messages between them until either side ends.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/codefionn/lspbridge/internal/backend"
	"github.com/codefionn/lspbridge/internal/frame"
	"github.com/codefionn/lspbridge/internal/logger"
	"github.com/codefionn/lspbridge/internal/metrics"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// How long the exit status may lag behind the end of stdout, and the
	// other way round.
	exitWait = 500 * time.Millisecond

	readBufferSize = 32 * 1024
	sendQueueSize  = 256

	defaultMaxMessageBytes = 16 << 20
	defaultTerminateGrace  = 2 * time.Second
)

// Options tune a session.
type Options struct {
	// MaxMessageBytes limits a single message in either direction. Zero
	// uses 16 MiB.
	MaxMessageBytes int64
	// TerminateGrace is how long the process may take to exit after
	// SIGTERM before it is killed.
	TerminateGrace time.Duration
	Logger         *logger.Logger
	Metrics        metrics.Collector
	Registry       *Registry
}

func (o Options) withDefaults() Options {
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = defaultMaxMessageBytes
	}
	if o.TerminateGrace <= 0 {
		o.TerminateGrace = defaultTerminateGrace
	}
	if o.Logger == nil {
		o.Logger = logger.Global()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewNoop()
	}
	if o.Registry == nil {
		o.Registry = NewRegistry()
	}
	return o
}

// Session is one client connection bridged to one language server process.
type Session struct {
	ID         string
	Kind       backend.Kind
	RemoteAddr string
	StartedAt  time.Time

	conn *websocket.Conn
	proc *backend.Process
	opts Options
	log  *logger.Logger
	// procLog carries the language server's stderr.
	procLog *logger.Logger

	send         chan []byte
	outboundDone chan struct{}
	done         chan struct{}

	ctx    context.Context
	cancel context.CancelCauseFunc

	runOnce sync.Once
}

// New pairs conn with proc. The session owns both from here on; Run must be
// called to start relaying and to release them.
func New(conn *websocket.Conn, proc *backend.Process, opts Options) *Session {
	opts = opts.withDefaults()
	id := uuid.NewString()

	ctx, cancel := context.WithCancelCause(context.Background())

	log := opts.Logger.WithPrefix("session:" + id[:8])
	return &Session{
		ID:           id,
		Kind:         proc.Kind,
		RemoteAddr:   conn.RemoteAddr().String(),
		StartedAt:    time.Now(),
		conn:         conn,
		proc:         proc,
		opts:         opts,
		log:          log,
		procLog:      log.WithPrefix(proc.Kind.String()),
		send:         make(chan []byte, sendQueueSize),
		outboundDone: make(chan struct{}),
		done:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Pid returns the language server's process id.
func (s *Session) Pid() int {
	return s.proc.Pid()
}

// Info returns a snapshot for listings.
func (s *Session) Info() Info {
	return Info{
		ID:         s.ID,
		Kind:       s.Kind.String(),
		PID:        s.proc.Pid(),
		RemoteAddr: s.RemoteAddr,
		StartedAt:  s.StartedAt,
	}
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close ends the session with cause. It returns immediately; use Done to
// wait for the teardown. Calling it more than once is harmless and only
// the first cause is kept.
func (s *Session) Close(cause error) {
	s.cancel(cause)
}

// Run relays messages until the client goes away, the process exits, the
// process closes its output, ctx is cancelled or Close is called. When Run
// returns the session is out of the registry, the process has been reaped
// and the connection is closed. The returned error is the termination
// cause.
func (s *Session) Run(ctx context.Context) error {
	var cause error
	s.runOnce.Do(func() {
		cause = s.run(ctx)
	})
	return cause
}

func (s *Session) run(parent context.Context) error {
	defer close(s.done)

	stop := context.AfterFunc(parent, func() {
		s.cancel(context.Cause(parent))
	})
	defer stop()

	s.opts.Registry.Add(s)
	s.opts.Metrics.SessionStarted(s.Kind.String())
	s.log.Info("Bridging %s (pid %d) for %s", s.Kind, s.proc.Pid(), s.RemoteAddr)

	g, ctx := errgroup.WithContext(s.ctx)
	g.Go(func() error { return s.inbound(ctx) })
	g.Go(func() error { return s.outbound(ctx) })
	g.Go(func() error { return s.watchExit(ctx) })
	g.Go(func() error { return s.writePump(ctx) })
	g.Go(func() error {
		s.relayStderr()
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.teardown()
		return nil
	})

	_ = g.Wait()
	cause := context.Cause(ctx)

	duration := time.Since(s.StartedAt)
	s.opts.Metrics.SessionEnded(s.Kind.String(), causeLabel(cause), duration)
	s.log.Info("Session ended after %s: %v", duration.Round(time.Millisecond), cause)
	return cause
}

// teardown releases the process side. The connection side is closed by the
// write pump once it has flushed the queue and sent the close frame.
func (s *Session) teardown() {
	s.opts.Registry.Remove(s.ID)
	if err := s.proc.Terminate(s.opts.TerminateGrace); err != nil {
		s.log.Error("Failed to stop %s: %v", s.Kind, err)
	}
}

// inbound forwards client messages to the process's stdin.
func (s *Session) inbound(ctx context.Context) error {
	s.conn.SetReadLimit(s.opts.MaxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("WebSocket read error: %v", err)
			}
			return fmt.Errorf("%w: %v", ErrClientClosed, err)
		}

		msg, err := frame.Parse(data)
		if err != nil {
			s.log.Warn("Dropping malformed client message (%d bytes): %v", len(data), err)
			s.opts.Metrics.MessageDropped(s.Kind.String(), metrics.Inbound)
			continue
		}

		framed, err := frame.Encode(msg)
		if err != nil {
			s.log.Warn("Dropping client message: %v", err)
			s.opts.Metrics.MessageDropped(s.Kind.String(), metrics.Inbound)
			continue
		}

		if _, err := s.proc.Stdin().Write(framed); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return s.processGone(ctx, fmt.Errorf("write to %s: %w", s.Kind, err))
		}
		s.opts.Metrics.MessageForwarded(s.Kind.String(), metrics.Inbound)
	}
}

// outbound decodes the process's stdout and queues each message for the
// client.
func (s *Session) outbound(ctx context.Context) error {
	defer close(s.outboundDone)

	dec := frame.NewDecoder()
	dec.MaxBodyBytes = int(s.opts.MaxMessageBytes)
	dec.OnDiscard = func(err error) {
		s.log.Warn("Dropping malformed frame from %s: %v", s.Kind, err)
		s.opts.Metrics.MessageDropped(s.Kind.String(), metrics.Outbound)
	}

	buf := make([]byte, readBufferSize)
	for {
		n, err := s.proc.Stdout().Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for msg := range dec.Messages() {
				data, err := json.Marshal(msg)
				if err != nil {
					s.log.Warn("Dropping message from %s: %v", s.Kind, err)
					s.opts.Metrics.MessageDropped(s.Kind.String(), metrics.Outbound)
					continue
				}
				select {
				case s.send <- data:
				case <-ctx.Done():
					return nil
				}
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if rest := dec.Buffered(); rest > 0 {
				s.log.Debug("%s output ended with %d undecoded bytes", s.Kind, rest)
			}
			return s.processGone(ctx, ErrOutputClosed)
		}
	}
}

// processGone prefers the exit status over err when the process exits
// shortly after.
func (s *Session) processGone(ctx context.Context, err error) error {
	timer := time.NewTimer(exitWait)
	defer timer.Stop()

	select {
	case <-s.proc.Done():
		return s.exitError()
	case <-timer.C:
		return err
	case <-ctx.Done():
		return nil
	}
}

// watchExit ends the session when the process exits, after giving the
// outbound pump a moment to flush what the process wrote last.
func (s *Session) watchExit(ctx context.Context) error {
	select {
	case <-s.proc.Done():
	case <-ctx.Done():
		return nil
	}

	timer := time.NewTimer(exitWait)
	defer timer.Stop()

	select {
	case <-s.outboundDone:
	case <-timer.C:
	case <-ctx.Done():
		return nil
	}
	return s.exitError()
}

func (s *Session) exitError() error {
	return &ExitError{
		Kind:   s.Kind,
		Code:   s.proc.ExitCode(),
		Status: s.proc.ExitStatus(),
	}
}

// writePump is the only writer of data frames. On termination it flushes the
// queue, sends the close frame and closes the connection.
func (s *Session) writePump(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data := <-s.send:
			if err := s.write(data); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: %v", ErrClientClosed, err)
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: %v", ErrClientClosed, err)
			}

		case <-ctx.Done():
			s.flush()
			s.sendClose(context.Cause(ctx))
			return nil
		}
	}
}

func (s *Session) write(data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	s.opts.Metrics.MessageForwarded(s.Kind.String(), metrics.Outbound)
	return nil
}

// flush writes whatever is still queued.
func (s *Session) flush() {
	for {
		select {
		case data := <-s.send:
			if err := s.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) sendClose(cause error) {
	code, reason, ok := closeFrame(s.Kind, cause)
	if !ok {
		return
	}
	msg := websocket.FormatCloseMessage(code, CloseReason(reason))
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		s.log.Debug("Failed to send close frame: %v", err)
	}
}

// relayStderr logs the process's stderr line by line. It is never sent to
// the client.
func (s *Session) relayStderr() {
	scanner := bufio.NewScanner(s.proc.Stderr())
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			s.procLog.Warn("%s", line)
		}
	}
}
