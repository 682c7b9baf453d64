// Package systemd reports service state to the systemd supervisor. Every
// call is a no-op outside a systemd unit.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready tells systemd start-up is complete (Type=notify units).
func Ready() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyReady)
}

// Stopping tells systemd shutdown has begun.
func Stopping() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// Reloading and Ready bracket a configuration reload.
func Reloading() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyReloading)
}

// Status sets the free-form status line shown by systemctl status.
func Status(text string) (bool, error) {
	return daemon.SdNotify(false, "STATUS="+text)
}

// WatchdogInterval returns the keep-alive period, or 0 when WatchdogSec is not
// configured for this process.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}

// Watchdog pings systemd at half the configured interval until ctx is done.
// alive is consulted before each ping; a false result skips it so systemd
// can restart a wedged process.
func Watchdog(ctx context.Context, alive func() bool) {
	interval := WatchdogInterval()
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if alive == nil || alive() {
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}
}
