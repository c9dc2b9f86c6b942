// Package notify sends desktop notifications for connection events.
// It talks to org.freedesktop.Notifications on the session bus and falls
// back to notify-send when the bus is unavailable.
package notify

import (
	"fmt"
	"os/exec"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/mesh-bridge/bridge"
	"github.com/yllada/mesh-bridge/common"
)

const (
	notificationsName   = "org.freedesktop.Notifications"
	notificationsPath   = "/org/freedesktop/Notifications"
	notificationsNotify = notificationsName + ".Notify"
)

// Urgency mirrors the freedesktop notification urgency levels.
type Urgency byte

const (
	UrgencyLow Urgency = iota
	UrgencyNormal
	UrgencyCritical
)

func (u Urgency) String() string {
	switch u {
	case UrgencyLow:
		return "low"
	case UrgencyCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Notification represents a desktop notification.
type Notification struct {
	Title   string
	Message string
	Icon    string
	Urgency Urgency
}

// caller is the part of dbus.BusObject the notifier uses.
type caller interface {
	Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// Notifier is a common.Notifier backed by D-Bus.
type Notifier struct {
	appName string
	bus     caller
	// fallback runs when the bus is missing or rejects the call.
	fallback func(n Notification) error
	log      common.Logger
}

var _ common.Notifier = (*Notifier)(nil)

// New connects to the session bus. Without a bus every notification goes
// through notify-send.
func New(logger common.Logger) *Notifier {
	if logger == nil {
		logger = common.Named("notify")
	}

	n := &Notifier{appName: common.AppName, log: logger}
	n.fallback = n.notifySend

	conn, err := dbus.SessionBus()
	if err != nil {
		logger.Debug("Session bus unavailable, using notify-send: %v", err)
		return n
	}
	n.bus = conn.Object(notificationsName, notificationsPath)
	return n
}

// Notify sends a notification with the default icon.
func (n *Notifier) Notify(title, message string) error {
	return n.Send(Notification{Title: title, Message: message, Urgency: UrgencyNormal})
}

// NotifyWithIcon sends a notification with a custom icon.
func (n *Notifier) NotifyWithIcon(title, message, icon string) error {
	return n.Send(Notification{Title: title, Message: message, Icon: icon, Urgency: UrgencyNormal})
}

// Send displays the notification.
func (n *Notifier) Send(note Notification) error {
	if note.Icon == "" {
		note.Icon = "network-vpn"
	}

	if n.bus != nil {
		var id uint32
		err := n.bus.Call(notificationsNotify, 0,
			n.appName,
			uint32(0),
			note.Icon,
			note.Title,
			note.Message,
			[]string{},
			map[string]dbus.Variant{"urgency": dbus.MakeVariant(byte(note.Urgency))},
			int32(-1),
		).Store(&id)
		if err == nil {
			n.log.Debug("Notification %d shown: %s", id, note.Title)
			return nil
		}
		n.log.Debug("D-Bus notification failed, trying notify-send: %v", err)
	}

	if err := n.fallback(note); err != nil {
		return fmt.Errorf("error showing notification: %w", err)
	}
	return nil
}

func (n *Notifier) notifySend(note Notification) error {
	return exec.Command("notify-send",
		"--app-name="+n.appName,
		"--icon="+note.Icon,
		"--urgency="+note.Urgency.String(),
		note.Title,
		note.Message,
	).Run()
}

// ForTransition builds the notification for a state change, if any.
func ForTransition(tr bridge.Transition) (Notification, bool) {
	host := tr.LoginHost
	if host == "" {
		host = "Tailscale"
	}

	switch tr.To.Kind {
	case bridge.StateConnecting:
		if tr.From.Kind == bridge.StateConnecting {
			return Notification{}, false
		}
		return Notification{
			Title:   "Connecting VPN",
			Message: "Connecting to " + host + "...",
			Icon:    "network-vpn-acquiring",
			Urgency: UrgencyLow,
		}, true

	case bridge.StateConnected:
		if tr.From.Kind == bridge.StateConnected {
			return Notification{}, false
		}
		message := "Connected to " + host
		if tr.Address != "" {
			message += " as " + tr.Address
		}
		return Notification{
			Title:   "VPN Connected",
			Message: message,
			Icon:    "network-vpn",
			Urgency: UrgencyNormal,
		}, true

	case bridge.StateError:
		return Notification{
			Title:   "Connection Error",
			Message: host + ": " + tr.To.Reason,
			Icon:    "network-vpn-error",
			Urgency: UrgencyCritical,
		}, true

	case bridge.StateDisconnected:
		if tr.From.Kind != bridge.StateConnected {
			return Notification{}, false
		}
		return Notification{
			Title:   "VPN Disconnected",
			Message: "The tunnel is down",
			Icon:    "network-vpn-disconnected",
			Urgency: UrgencyLow,
		}, true
	}

	return Notification{}, false
}

// Listener returns a bridge listener that notifies on state changes.
func (n *Notifier) Listener() bridge.Listener {
	return func(tr bridge.Transition) {
		note, ok := ForTransition(tr)
		if !ok {
			return
		}
		if err := n.Send(note); err != nil {
			n.log.Warn("%v", err)
		}
	}
}

// HealthReporter exposes the engine health. *bridge.Monitor implements it.
type HealthReporter interface {
	Health() bridge.Health
}

// ForHealth builds the notification for an engine health change, if any.
func ForHealth(oldState, newState bridge.HealthState, health bridge.Health) (Notification, bool) {
	switch {
	case newState == bridge.HealthUnhealthy:
		return Notification{
			Title:   "Tailscale Not Responding",
			Message: fmt.Sprintf("%d status checks failed in a row", health.ConsecutiveFails),
			Icon:    "network-vpn-error",
			Urgency: UrgencyCritical,
		}, true
	case newState == bridge.HealthHealthy && oldState == bridge.HealthUnhealthy:
		return Notification{
			Title:   "Tailscale Responding Again",
			Message: "Status checks are succeeding",
			Icon:    "network-vpn",
			Urgency: UrgencyLow,
		}, true
	}
	return Notification{}, false
}

// HealthListener returns a monitor callback that notifies on health changes.
func (n *Notifier) HealthListener(source HealthReporter) func(oldState, newState bridge.HealthState) {
	return func(oldState, newState bridge.HealthState) {
		note, ok := ForHealth(oldState, newState, source.Health())
		if !ok {
			return
		}
		if err := n.Send(note); err != nil {
			n.log.Warn("%v", err)
		}
	}
}
