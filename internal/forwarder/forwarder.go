// Package forwarder streams run events to a remote collector over a
// WebSocket connection.
//
// Forwarding is best effort. Connection and send failures are reported
// through the logger and the OnError callback, never to the caller's report
// output, so a broken collector cannot change what a run prints or how it
// exits.
//
// Example usage:
//
//	fwd := forwarder.NewForwarder(cfg.Forward, runID)
//	fwd.SetLogger(logger.Component("forwarder"))
//	if err := fwd.ConnectWithRetry(ctx); err != nil {
//		// continue without forwarding
//	}
//	defer fwd.Close()
//
//	fwd.ScriptLaunched(0, "./src/script1.sh", pid)
package forwarder

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/bebsworthy/scriptwatch/internal/config"
	"github.com/bebsworthy/scriptwatch/internal/errors"
	"github.com/bebsworthy/scriptwatch/internal/logging"
	"github.com/bebsworthy/scriptwatch/internal/metrics"
	"github.com/bebsworthy/scriptwatch/internal/protocol"
	"github.com/bebsworthy/scriptwatch/internal/supervisor"
)

// queueSize bounds the number of serialized events waiting to be written
const queueSize = 256

// Forwarder manages the WebSocket connection to a collector
type Forwarder struct {
	serverURL string
	runID     string

	// Connection state
	conn      *websocket.Conn
	connected bool
	closed    bool
	mu        sync.Mutex

	queue chan []byte
	wg    sync.WaitGroup

	// Configuration
	reconnectDelay       time.Duration
	maxReconnectDelay    time.Duration
	maxReconnectAttempts int
	writeTimeout         time.Duration
	handshakeTimeout     time.Duration

	// Counters, guarded by mu
	sent    int
	dropped int

	// OnError is called for every connection or send failure
	OnError func(error)

	logger  *slog.Logger
	monitor *metrics.Monitor
}

// NewForwarder creates a forwarder for runID. Nothing is dialed until
// Connect or ConnectWithRetry is called.
func NewForwarder(cfg config.ForwardConfig, runID string) *Forwarder {
	return &Forwarder{
		serverURL:            cfg.URL,
		runID:                runID,
		queue:                make(chan []byte, queueSize),
		reconnectDelay:       cfg.ReconnectInitialDelay,
		maxReconnectDelay:    cfg.ReconnectMaxDelay,
		maxReconnectAttempts: cfg.ReconnectMaxAttempts,
		writeTimeout:         cfg.WriteTimeout,
		handshakeTimeout:     cfg.HandshakeTimeout,
		logger:               logging.Discard(),
		monitor:              metrics.NewMonitor(),
	}
}

// SetLogger sets the logger for the forwarder
func (f *Forwarder) SetLogger(logger *slog.Logger) {
	f.logger = logger.With(
		slog.String("component", "forwarder"),
		slog.String("server_url", f.serverURL),
	)
}

// SetMonitor sets the metrics monitor for the forwarder
func (f *Forwarder) SetMonitor(monitor *metrics.Monitor) {
	f.monitor = monitor
}

// Connect dials the collector once
func (f *Forwarder) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return errors.ErrNotConnected
	}
	if f.connected {
		return nil
	}

	u, err := url.Parse(f.serverURL)
	if err != nil {
		return errors.NetworkError(errors.CodeInvalidURL, "Invalid collector URL", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.NetworkError(errors.CodeInvalidURL, fmt.Sprintf("Unsupported URL scheme %q", u.Scheme), nil)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: f.handshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return errors.NetworkError(errors.CodeConnectFailed, "Failed to connect to collector", err)
	}

	f.conn = conn
	f.connected = true

	f.wg.Add(2)
	go f.handleOutgoing(conn)
	go f.handleIncoming(conn)

	f.logger.InfoContext(ctx, "Connected to collector")
	return nil
}

// ConnectWithRetry connects with exponential backoff. An invalid URL is not
// retried.
func (f *Forwarder) ConnectWithRetry(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.reconnectDelay
	bo.MaxInterval = f.maxReconnectDelay
	bo.MaxElapsedTime = 0
	bo.Multiplier = 2.0
	bo.RandomizationFactor = 0.1

	var policy backoff.BackOff = backoff.WithContext(bo, ctx)
	if f.maxReconnectAttempts > 0 {
		policy = backoff.WithMaxRetries(policy, uint64(f.maxReconnectAttempts-1))
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := f.Connect(ctx)
		if err == nil {
			return nil
		}
		if errors.IsCode(err, errors.CodeInvalidURL) || errors.IsCode(err, errors.CodeNotConnected) {
			return backoff.Permanent(err)
		}

		f.logger.WarnContext(ctx, "Connection attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		return err
	}

	err := f.monitor.TrackOperation(ctx, "forward_connect", func() error {
		return backoff.Retry(operation, policy)
	})
	if err != nil {
		f.fail(ctx, err)
	}
	return err
}

// Send queues an already built protocol message. It never blocks: when the
// queue is full the message is dropped and an error returned.
func (f *Forwarder) Send(msg interface{}) error {
	if err := protocol.ValidateMessage(msg); err != nil {
		return errors.InternalError(errors.CodeInvalidMessage, "Refusing to send invalid event", err).
			WithDetails("message_type", fmt.Sprintf("%T", msg))
	}

	data, err := protocol.SerializeMessage(msg)
	if err != nil {
		return errors.InternalError(errors.CodeSendFailed, "Failed to serialize event", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.connected || f.closed {
		f.dropped++
		return errors.ErrNotConnected
	}

	select {
	case f.queue <- data:
		return nil
	default:
		f.dropped++
		return errors.NetworkError(errors.CodeSendFailed, "Event queue full", nil)
	}
}

// handleOutgoing writes queued events until the queue is closed, then sends
// a close frame.
func (f *Forwarder) handleOutgoing(conn *websocket.Conn) {
	defer f.wg.Done()
	defer conn.Close()

	broken := false
	for data := range f.queue {
		if broken {
			f.countDropped()
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(f.writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			broken = true
			f.countDropped()
			f.fail(context.Background(), errors.NetworkError(errors.CodeSendFailed, "Failed to write event", err))
			continue
		}

		f.mu.Lock()
		f.sent++
		f.mu.Unlock()
	}

	if !broken {
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
	}
}

// handleIncoming discards anything the collector sends so control frames
// are processed. It returns once the connection is closed.
func (f *Forwarder) handleIncoming(conn *websocket.Conn) {
	defer f.wg.Done()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Forwarder) countDropped() {
	f.mu.Lock()
	f.dropped++
	f.mu.Unlock()
}

// fail records a non-fatal forwarding error
func (f *Forwarder) fail(ctx context.Context, err error) {
	f.monitor.TrackError(ctx, string(errors.GetType(err)), errors.GetCode(err), "forwarder", err.Error())
	f.logger.WarnContext(ctx, "Forwarding failed", slog.String("error", err.Error()))
	if f.OnError != nil {
		f.OnError(err)
	}
}

// IsConnected reports whether events are currently accepted
func (f *Forwarder) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected && !f.closed
}

// Stats returns the number of events written and dropped so far
func (f *Forwarder) Stats() (sent, dropped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent, f.dropped
}

// Close flushes queued events and closes the connection. It is safe to call
// more than once.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.connected = false
	close(f.queue)
	f.mu.Unlock()

	f.wg.Wait()

	sent, dropped := f.Stats()
	f.logger.Debug("Forwarder closed",
		slog.Int("sent", sent),
		slog.Int("dropped", dropped),
	)
	return nil
}

// publish sends msg and turns a failure into a warning
func (f *Forwarder) publish(msg interface{}) {
	if err := f.Send(msg); err != nil {
		f.fail(context.Background(), err)
	}
}

// RunStarted announces the scripts of the run
func (f *Forwarder) RunStarted(scripts []string, workingDir, hostname string) {
	f.publish(protocol.NewRunStartedMessage(f.runID, scripts, workingDir, hostname))
}

// ScriptLaunched announces a started child
func (f *Forwarder) ScriptLaunched(slot supervisor.SlotID, script string, pid int) {
	f.publish(protocol.NewScriptLaunchedMessage(f.runID, int(slot), script, pid))
}

// ScriptCompleted forwards the outcome of a reaped child
func (f *Forwarder) ScriptCompleted(result supervisor.Result) {
	var signal *int
	if result.Disposition.IsSignaled() {
		signum := result.Disposition.Signal
		signal = &signum
	}
	f.publish(protocol.NewScriptCompletedMessage(
		f.runID, int(result.Slot), result.Script, result.PID,
		result.ExitCode, signal, result.Stderr, result.Runtime,
	))
}

// PollError forwards a failed status query
func (f *Forwarder) PollError(slot supervisor.SlotID, pid int, err error) {
	f.publish(protocol.NewPollErrorMessage(f.runID, int(slot), pid, err))
}

// RunFinished forwards the final counters. runErr is set when the run was
// aborted.
func (f *Forwarder) RunFinished(children metrics.ChildMetrics, runErr error) {
	status := protocol.RunStatusCompleted
	if runErr != nil {
		status = protocol.RunStatusAborted
	}

	msg := protocol.NewRunFinishedMessage(f.runID, status,
		int(children.Launched), int(children.Reaped), int(children.Signaled), int(children.NonZeroExits))
	if runErr != nil {
		msg.WithError(errors.GetCode(runErr), runErr.Error())
	}
	f.publish(msg)
}
