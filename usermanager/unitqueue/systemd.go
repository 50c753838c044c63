package unitqueue

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/sailfishos/user-managerd/logger"
)

const (
	systemdDest  = "org.freedesktop.systemd1"
	systemdPath  = dbus.ObjectPath("/org/freedesktop/systemd1")
	systemdIface = "org.freedesktop.systemd1.Manager"
)

// SystemdDispatcher drives systemd's Manager interface over the system
// bus: the session supervisor the original daemon targets, named in
// spec.md's GLOSSARY as starting/stopping "units".
type SystemdDispatcher struct {
	Conn *dbus.Conn
	Log  logger.Logger
}

func NewSystemdDispatcher(conn *dbus.Conn, log logger.Logger) *SystemdDispatcher {
	if log == nil {
		log = logger.Nop()
	}
	return &SystemdDispatcher{Conn: conn, Log: log}
}

// Dispatch issues an async StartUnit/StopUnit call and reports the
// assigned job's object path (used as the JobID) or the call error on
// the returned channel.
func (d *SystemdDispatcher) Dispatch(ctx context.Context, job Job) <-chan DispatchResult {
	out := make(chan DispatchResult, 1)

	method := "StartUnit"
	if job.Kind == Stop {
		method = "StopUnit"
	}
	mode := "fail"
	if job.Replace {
		mode = "replace"
	}

	obj := d.Conn.Object(systemdDest, systemdPath)
	call := obj.GoWithContext(ctx, systemdIface+"."+method, 0, nil, job.Unit, mode)

	go func() {
		<-call.Done
		if call.Err != nil {
			out <- DispatchResult{Err: call.Err}
			return
		}
		var jobPath dbus.ObjectPath
		if err := call.Store(&jobPath); err != nil {
			out <- DispatchResult{Err: fmt.Errorf("unitqueue: decoding %s reply: %w", method, err)}
			return
		}
		out <- DispatchResult{JobID: string(jobPath)}
	}()

	return out
}

// WatchJobRemoved subscribes to systemd's JobRemoved signal and
// forwards every occurrence until ctx is cancelled, for the owning
// event loop to select on alongside PendingReply.
func (d *SystemdDispatcher) WatchJobRemoved(ctx context.Context) (<-chan JobRemoved, error) {
	if err := d.Conn.AddMatchSignal(
		dbus.WithMatchInterface(systemdIface),
		dbus.WithMatchMember("JobRemoved"),
	); err != nil {
		return nil, fmt.Errorf("unitqueue: subscribing to JobRemoved: %w", err)
	}

	raw := make(chan *dbus.Signal, 16)
	d.Conn.Signal(raw)

	out := make(chan JobRemoved, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				d.Conn.RemoveSignal(raw)
				return
			case sig, ok := <-raw:
				if !ok {
					return
				}
				if sig.Name != systemdIface+".JobRemoved" || len(sig.Body) != 4 {
					continue
				}
				jobPath, ok := sig.Body[1].(dbus.ObjectPath)
				if !ok {
					continue
				}
				unit, _ := sig.Body[2].(string)
				result, _ := sig.Body[3].(string)
				out <- JobRemoved{ID: string(jobPath), Unit: unit, Result: result}
			}
		}
	}()

	return out, nil
}
