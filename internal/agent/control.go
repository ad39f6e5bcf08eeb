//go:build linux

package agent

import (
	"errors"

	"github.com/cdevfabric/cdevd/pkg/udevctrl"
)

// ServeControl runs the udev-admin-compatible control socket (spec.md
// C4/§4.4) until a receive fails for any reason other than an
// unauthorized peer (for example because the socket was closed).
// Messages from non-root peers are logged and skipped.
func (a *Agent) ServeControl(sock *udevctrl.Socket) {
	for {
		msg, err := sock.Recv()
		if err != nil {
			if errors.Is(err, udevctrl.ErrUnauthorized) {
				a.cfg.Log.Warn("rejected control message from non-root peer")
				continue
			}
			select {
			case <-a.shutdown.Done():
				return
			default:
			}
			a.cfg.Log.Warn("control socket recv error", "error", err)
			return
		}

		a.handleControl(msg)
	}
}

func (a *Agent) handleControl(msg udevctrl.Message) {
	switch msg.Type {
	case udevctrl.TypeSetLogLevel:
		a.cfg.Log.Info("control: SET_LOG_LEVEL", "level", msg.Intval)
	case udevctrl.TypeStopExecQueue:
		a.cfg.Log.Info("control: STOP_EXEC_QUEUE")
	case udevctrl.TypeStartExecQueue:
		a.cfg.Log.Info("control: START_EXEC_QUEUE")
	case udevctrl.TypeReload:
		a.cfg.Log.Info("control: RELOAD, reloading rules")
		a.rules = a.loadRules()
	case udevctrl.TypeSetEnv:
		a.cfg.Log.Info("control: SET_ENV", "value", msg.Buf)
	case udevctrl.TypeSetChildrenMax:
		a.cfg.Log.Info("control: SET_CHILDREN_MAX (no worker pool, ignored)", "value", msg.Intval)
	case udevctrl.TypePing:
		a.cfg.Log.Info("control: PING")
	case udevctrl.TypeExit:
		a.cfg.Log.Info("control: EXIT, shutting down")
		a.shutdown.Trigger("control EXIT")
	default:
		a.cfg.Log.Warn("control: unknown type", "type", msg.Type)
	}
}
