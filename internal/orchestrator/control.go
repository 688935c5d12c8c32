package orchestrator

import (
	"time"

	"github.com/remoshell/remoshelld/internal/ipc"
)

// The orchestrator is the ipc.Daemon behind the control socket: the CLI's
// status/sessions/stop requests all resolve against the live subsystem
// state it already owns.

// Status implements ipc.Daemon.
func (o *Orchestrator) Status() ipc.Response {
	deviceCount := 0
	if o.Trust != nil {
		deviceCount = o.Trust.Len()
	}
	sessionCount := 0
	if o.Router != nil {
		sessionCount = o.Router.SessionCount()
	}
	return ipc.Response{
		Type:         ipc.RespStatus,
		Running:      o.State() == Running,
		UptimeSecs:   uint64(time.Since(o.startedAt).Seconds()),
		SessionCount: sessionCount,
		DeviceCount:  deviceCount,
	}
}

// Sessions implements ipc.Daemon.
func (o *Orchestrator) Sessions() []ipc.SessionRow {
	infos := o.Router.ListSessions()
	rows := make([]ipc.SessionRow, len(infos))
	for i, info := range infos {
		rows[i] = ipc.SessionRow{Id: info.ID.String(), ConnectedAt: info.ConnectedAt}
	}
	return rows
}

// KillSession implements ipc.Daemon.
func (o *Orchestrator) KillSession(sessionID string, signal *int) error {
	return o.Router.KillSessionByID(sessionID, signal)
}

// RequestStop implements ipc.Daemon: shutdown runs on its own goroutine so
// the Stopping response reaches the client before teardown closes the
// socket under it.
func (o *Orchestrator) RequestStop() {
	go o.Stop()
}
