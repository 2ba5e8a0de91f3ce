package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	stdSync "sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/c0deZ3R0/quotesync/logging"
	"github.com/c0deZ3R0/quotesync/synckit"
)

// ErrListenerClosed is returned by Start and Subscribe after Close.
var ErrListenerClosed = errors.New("listener is closed")

// RecordChange is the payload of a records trigger notification.
type RecordChange struct {
	Kind    synckit.Kind   `json:"kind"`
	ID      string         `json:"id"`
	Version uint64         `json:"version"`
	Origin  synckit.Origin `json:"origin"`
	Writer  string         `json:"writer"`
}

// Key returns the identity of the changed record.
func (c RecordChange) Key() synckit.Key { return synckit.Key{Kind: c.Kind, ID: c.ID} }

// ChangeHandler receives record changes. Handlers run on the listener goroutine.
type ChangeHandler func(ctx context.Context, change RecordChange)

// ParseRecordChange decodes a notification payload.
func ParseRecordChange(payload string) (RecordChange, error) {
	var c RecordChange
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return RecordChange{}, fmt.Errorf("failed to parse notification payload: %w", err)
	}
	if !c.Kind.Valid() || c.ID == "" {
		return RecordChange{}, fmt.Errorf("notification for unknown record %q/%q", c.Kind, c.ID)
	}
	return c, nil
}

// ListenerOption configures a RecordListener.
type ListenerOption func(*RecordListener)

// WithListenerLogger sets the listener logger.
func WithListenerLogger(logger *slog.Logger) ListenerOption {
	return func(l *RecordListener) { l.logger = logging.ForComponent(logger, "postgres-listener") }
}

// WithReconnectInterval sets the minimum pq.Listener reconnect interval.
func WithReconnectInterval(d time.Duration) ListenerOption {
	return func(l *RecordListener) { l.reconnectInterval = d }
}

// WithNotificationTimeout sets how long the listener waits before pinging an idle connection.
func WithNotificationTimeout(d time.Duration) ListenerOption {
	return func(l *RecordListener) { l.notificationTimeout = d }
}

// WithIgnoreWriter drops notifications for rows written by writer.
func WithIgnoreWriter(writer string) ListenerOption {
	return func(l *RecordListener) { l.ignoreWriter = writer }
}

// RecordListener delivers writes to the records table made by other processes.
type RecordListener struct {
	connectionString    string
	logger              *slog.Logger
	reconnectInterval   time.Duration
	notificationTimeout time.Duration
	ignoreWriter        string

	listener *pq.Listener

	mu       stdSync.RWMutex
	handlers []ChangeHandler

	started atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
	wg      stdSync.WaitGroup
}

// NewRecordListener creates a listener on RecordsChannel. Call Start to begin delivery.
func NewRecordListener(connectionString string, opts ...ListenerOption) (*RecordListener, error) {
	if connectionString == "" {
		return nil, ErrInvalidConnection
	}
	l := &RecordListener{
		connectionString:    connectionString,
		logger:              logging.ForComponent(nil, "postgres-listener"),
		reconnectInterval:   5 * time.Second,
		notificationTimeout: time.Minute,
		done:                make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.listener = pq.NewListener(connectionString, l.reconnectInterval, 2*l.reconnectInterval, l.eventCallback)
	return l, nil
}

func (l *RecordListener) eventCallback(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventConnected:
		l.logger.Info("Connected to PostgreSQL for LISTEN/NOTIFY")
	case pq.ListenerEventDisconnected:
		l.logger.Warn("Disconnected from PostgreSQL", slog.Any("error", err))
	case pq.ListenerEventReconnected:
		// pq.Listener re-issues LISTEN itself; notifications sent while we were away are lost.
		l.logger.Info("Reconnected to PostgreSQL")
	case pq.ListenerEventConnectionAttemptFailed:
		l.logger.Warn("Connection attempt failed", slog.Any("error", err))
	}
}

// Subscribe registers handler for every foreign record change.
func (l *RecordListener) Subscribe(handler ChangeHandler) error {
	if l.closed.Load() {
		return ErrListenerClosed
	}
	l.mu.Lock()
	l.handlers = append(l.handlers, handler)
	l.mu.Unlock()
	return nil
}

// Start issues LISTEN and runs the delivery loop until ctx is done or Close is called.
// Calling Start twice is a no-op.
func (l *RecordListener) Start(ctx context.Context) error {
	if l.closed.Load() {
		return ErrListenerClosed
	}
	if !l.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := l.listener.Listen(RecordsChannel); err != nil {
		l.started.Store(false)
		return fmt.Errorf("failed to listen to channel %s: %w", RecordsChannel, err)
	}
	l.logger.Info("Listening for record changes", slog.String("channel", RecordsChannel))

	l.wg.Add(1)
	go l.listenLoop(ctx)
	return nil
}

func (l *RecordListener) listenLoop(ctx context.Context) {
	defer l.wg.Done()
	defer l.logger.Debug("Record listener stopped")

	idle := time.NewTimer(l.notificationTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case n, ok := <-l.listener.Notify:
			if !ok {
				return
			}
			// A nil notification follows a reconnect.
			if n != nil {
				l.dispatch(ctx, n.Extra)
			}
		case <-idle.C:
			if err := l.listener.Ping(); err != nil {
				l.logger.Warn("Ping failed", slog.Any("error", err))
			}
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(l.notificationTimeout)
	}
}

// dispatch decodes payload and hands it to every handler unless this process wrote it.
func (l *RecordListener) dispatch(ctx context.Context, payload string) {
	change, err := ParseRecordChange(payload)
	if err != nil {
		l.logger.Warn("Dropping notification", slog.Any("error", err))
		return
	}
	if l.ignoreWriter != "" && change.Writer == l.ignoreWriter {
		return
	}

	l.mu.RLock()
	handlers := append([]ChangeHandler(nil), l.handlers...)
	l.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, change)
	}
}

// Close stops the delivery loop and closes the connection.
func (l *RecordListener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(l.done)
	l.wg.Wait()
	if err := l.listener.Close(); err != nil {
		l.logger.Warn("Error closing pq.Listener", slog.Any("error", err))
		return err
	}
	return nil
}

// RefreshOnChange returns a handler that reloads changed records into the engine's
// view by publishing a record_updated event built from the store's current row.
func RefreshOnChange(store synckit.RecordStore, publisher synckit.Publisher, clock synckit.Clock, logger *slog.Logger) ChangeHandler {
	logger = logging.ForComponent(logger, "postgres-listener")
	return func(ctx context.Context, change RecordChange) {
		rec, found, err := store.Get(ctx, change.Kind, change.ID)
		if err != nil {
			logger.Warn("Failed to load changed record",
				slog.String("record", change.Key().String()), slog.Any("error", err))
			return
		}
		// A later write already superseded this notification.
		if !found || rec.Version != change.Version {
			return
		}
		publisher.Publish(synckit.Event{
			Type:     synckit.EventRecordUpdated,
			Kind:     rec.Kind,
			RecordID: rec.ID,
			At:       clock.Now(),
			New:      &rec,
		})
	}
}
