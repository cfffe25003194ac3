package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "guildwatch/pkg/logx"
)

// systemdNotifier speaks the sd_notify protocol. Outside systemd
// (NOTIFY_SOCKET unset) every call is a no-op.
type systemdNotifier struct {
	log logx.Logger
}

func newSystemdNotifier(log logx.Logger) *systemdNotifier {
	return &systemdNotifier{log: log.With(logx.String("comp", "systemd"))}
}

func (n *systemdNotifier) notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (n *systemdNotifier) ready()    { n.notify(daemon.SdNotifyReady) }
func (n *systemdNotifier) stopping() { n.notify(daemon.SdNotifyStopping) }

// watchdog pings at half the configured WatchdogSec until ctx is done.
func (n *systemdNotifier) watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	n.log.Info("watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
