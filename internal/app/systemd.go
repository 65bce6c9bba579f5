package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "bottlebot/pkg/logx"
)

// notifier reports service state to the init system.
type notifier interface {
	Ready()
	Stopping()
	Watchdog()
	// WatchdogInterval returns 0 when no watchdog is configured.
	WatchdogInterval() time.Duration
}

// systemdNotifier speaks sd_notify. Every call is a no-op outside systemd.
type systemdNotifier struct{}

func (systemdNotifier) Ready()    { _, _ = daemon.SdNotify(false, daemon.SdNotifyReady) }
func (systemdNotifier) Stopping() { _, _ = daemon.SdNotify(false, daemon.SdNotifyStopping) }
func (systemdNotifier) Watchdog() { _, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog) }

func (systemdNotifier) WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return 0
	}
	return d
}

// startWatchdog pings the watchdog at half its interval while the app runs.
func (a *App) startWatchdog() {
	every := a.notify.WatchdogInterval() / 2
	if every <= 0 {
		return
	}
	a.log.Info("systemd watchdog enabled", logx.Duration("every", every))
	a.sup.Go0("systemd.watchdog", func(ctx context.Context) {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				a.notify.Watchdog()
			}
		}
	})
}
