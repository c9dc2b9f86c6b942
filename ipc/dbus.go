package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/yllada/mesh-bridge/bridge"
	"github.com/yllada/mesh-bridge/common"
)

const (
	dbusErrorPrefix   = common.DBusInterface + ".Error."
	dbusStateChanged  = common.DBusInterface + ".StateChanged"
	dbusIntrospectTag = "org.freedesktop.DBus.Introspectable"
)

// dbusObject is the exported object. Its exported methods become D-Bus
// methods of common.DBusInterface.
type dbusObject struct {
	dispatcher Dispatcher
	timeout    func() (context.Context, context.CancelFunc)
}

// Connect(loginServer, authKey) -> (status, message)
func (o *dbusObject) Connect(loginServer, authKey string) (string, string, *dbus.Error) {
	ctx, cancel := o.timeout()
	defer cancel()

	data, err := o.dispatcher.Dispatch(ctx, bridge.Command{
		Name: bridge.CommandConnect,
		Args: map[string]any{"loginServer": loginServer, "authKey": authKey},
	})
	if err != nil {
		return "", "", dbusError(err)
	}
	status, _ := data["status"].(string)
	message, _ := data["message"].(string)
	return status, message, nil
}

// Disconnect() -> status
func (o *dbusObject) Disconnect() (string, *dbus.Error) {
	ctx, cancel := o.timeout()
	defer cancel()

	data, err := o.dispatcher.Dispatch(ctx, bridge.Command{Name: bridge.CommandDisconnect})
	if err != nil {
		return "", dbusError(err)
	}
	status, _ := data["status"].(string)
	return status, nil
}

// GetStatus() -> (connected, ipAddress, state)
func (o *dbusObject) GetStatus() (bool, string, string, *dbus.Error) {
	ctx, cancel := o.timeout()
	defer cancel()

	data, err := o.dispatcher.Dispatch(ctx, bridge.Command{Name: bridge.CommandGetStatus})
	if err != nil {
		return false, "", "", dbusError(err)
	}
	status := StatusFromPayload(data)
	return status.Connected, status.IPAddress, status.State.String(), nil
}

// dbusError names the error after its wire code, e.g.
// com.yllada.MeshBridge.Error.NOT_INITIALIZED.
func dbusError(err error) *dbus.Error {
	resp := errorResponse("", err)
	return dbus.NewError(dbusErrorPrefix+resp.Error.Code, []interface{}{resp.Error.Message})
}

// DBusService exports the bridge on the session bus.
type DBusService struct {
	dispatcher Dispatcher
	log        common.Logger

	mu   sync.Mutex
	conn *dbus.Conn
}

// NewDBusService creates an unstarted service.
func NewDBusService(dispatcher Dispatcher, logger common.Logger) *DBusService {
	if logger == nil {
		logger = common.Named("dbus")
	}
	return &DBusService{dispatcher: dispatcher, log: logger}
}

func (s *DBusService) object() *dbusObject {
	return &dbusObject{
		dispatcher: s.dispatcher,
		timeout: func() (context.Context, context.CancelFunc) {
			return context.WithTimeout(context.Background(), common.IPCTimeout)
		},
	}
}

func introspection(obj *dbusObject) *introspect.Node {
	return &introspect.Node{
		Name: common.DBusPath,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:    common.DBusInterface,
				Methods: introspect.Methods(obj),
				Signals: []introspect.Signal{
					{
						Name: "StateChanged",
						Args: []introspect.Arg{
							{Name: "state", Type: "s"},
							{Name: "reason", Type: "s"},
							{Name: "ipAddress", Type: "s"},
						},
					},
				},
			},
		},
	}
}

// Start connects to the session bus, exports the object and claims
// common.DBusName.
func (s *DBusService) Start() error {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("connect to session bus: %w", err)
	}

	if err := s.export(conn); err != nil {
		conn.Close()
		return err
	}

	reply, err := conn.RequestName(common.DBusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return fmt.Errorf("request name %s: %w", common.DBusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return fmt.Errorf("request name %s: already taken", common.DBusName)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.log.Info("Exported %s on the session bus", common.DBusName)
	return nil
}

func (s *DBusService) export(conn *dbus.Conn) error {
	obj := s.object()
	if err := conn.Export(obj, common.DBusPath, common.DBusInterface); err != nil {
		return fmt.Errorf("export %s: %w", common.DBusPath, err)
	}
	node := introspection(obj)
	if err := conn.Export(introspect.NewIntrospectable(node), common.DBusPath, dbusIntrospectTag); err != nil {
		return fmt.Errorf("export introspection: %w", err)
	}
	return nil
}

// Run starts the service and stops it when ctx is done.
func (s *DBusService) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Close()
}

// Close releases the bus name and the connection.
func (s *DBusService) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	conn.ReleaseName(common.DBusName)
	return conn.Close()
}

// Listener returns a bridge listener emitting StateChanged signals while
// the service is running.
func (s *DBusService) Listener() bridge.Listener {
	return func(tr bridge.Transition) {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		err := conn.Emit(common.DBusPath, dbusStateChanged, tr.To.Kind.String(), tr.To.Reason, tr.Address)
		if err != nil && !errors.Is(err, dbus.ErrClosed) {
			s.log.Warn("Failed to emit StateChanged: %v", err)
		}
	}
}
