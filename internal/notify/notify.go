// Package notify raises desktop notifications when a ping fires.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// Urgency follows the freedesktop notification urgency levels.
type Urgency byte

const (
	UrgencyLow Urgency = iota
	UrgencyNormal
	UrgencyCritical
)

// Notification is one message to show.
type Notification struct {
	Title string
	Body  string
	// Timeout is how long the notification stays up. Zero lets the server
	// decide.
	Timeout time.Duration
	Urgency Urgency
}

// Notifier shows notifications. Dismiss withdraws the last one shown.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
	Dismiss(ctx context.Context) error
	Close() error
}

const (
	busName   = "org.freedesktop.Notifications"
	objPath   = dbus.ObjectPath("/org/freedesktop/Notifications")
	ifaceName = "org.freedesktop.Notifications"
)

// DBus talks to the session bus notification server.
type DBus struct {
	appName string
	conn    *dbus.Conn
	obj     dbus.BusObject

	mu     sync.Mutex
	lastID uint32
}

// NewDBus connects a private session bus connection.
func NewDBus(appName string) (*DBus, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	return &DBus{
		appName: appName,
		conn:    conn,
		obj:     conn.Object(busName, objPath),
	}, nil
}

// Notify shows n, replacing the previous notification from this notifier.
func (d *DBus) Notify(ctx context.Context, n Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	expire := int32(-1)
	if n.Timeout > 0 {
		expire = int32(n.Timeout / time.Millisecond)
	}
	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(byte(n.Urgency)),
	}

	var id uint32
	call := d.obj.CallWithContext(ctx, ifaceName+".Notify", 0,
		d.appName, d.lastID, "", n.Title, n.Body, []string{}, hints, expire)
	if err := call.Store(&id); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	d.lastID = id
	return nil
}

// Dismiss closes the last notification, if any.
func (d *DBus) Dismiss(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lastID == 0 {
		return nil
	}
	call := d.obj.CallWithContext(ctx, ifaceName+".CloseNotification", 0, d.lastID)
	d.lastID = 0
	if call.Err != nil {
		return fmt.Errorf("close notification: %w", call.Err)
	}
	return nil
}

// Close closes the bus connection.
func (d *DBus) Close() error {
	return d.conn.Close()
}

// Log writes notifications to a logger. It is used where no notification
// server is reachable.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log-backed notifier.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With(slog.String("component", "notify"))}
}

func (l *Log) Notify(ctx context.Context, n Notification) error {
	l.logger.InfoContext(ctx, n.Title, slog.String("body", n.Body))
	return nil
}

func (l *Log) Dismiss(context.Context) error { return nil }

func (l *Log) Close() error { return nil }

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }
func (Nop) Dismiss(context.Context) error              { return nil }
func (Nop) Close() error                               { return nil }

// New returns a DBus notifier, or a Log notifier when the session bus is
// unavailable.
func New(appName string, logger *slog.Logger) Notifier {
	d, err := NewDBus(appName)
	if err == nil {
		return d
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("desktop notifications unavailable, logging pings instead", slog.Any("error", err))
	return NewLog(logger)
}

var (
	_ Notifier = (*DBus)(nil)
	_ Notifier = (*Log)(nil)
	_ Notifier = Nop{}
)
