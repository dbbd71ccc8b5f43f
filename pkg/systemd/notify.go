// Package systemd reports service state to systemd through sd_notify. Every
// call is a no-op when the process was not started by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "ttbot/pkg/logx"
)

// Ready tells systemd startup finished (Type=notify units).
func Ready() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReady) }

// Stopping tells systemd shutdown has begun.
func Stopping() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }

// Reloading marks a config reload; Ready ends it.
func Reloading() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func Status(text string) (bool, error) { return daemon.SdNotify(false, "STATUS="+text) }

// Watchdog pings the systemd watchdog at half its interval until ctx ends.
// It returns immediately when WatchdogSec is not configured.
func Watchdog(ctx context.Context, log logx.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	log.Debug("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warn("systemd watchdog ping failed", logx.Err(err))
			}
		}
	}
}
