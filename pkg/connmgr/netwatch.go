package connmgr

import (
	"context"
	"net"
	"time"
)

// netWatchInterval is how often the watcher snapshots local addresses.
const netWatchInterval = 5 * time.Second

// netWatchDebounce coalesces bursts of address changes (DHCP renew,
// interface flaps) into one connectivity probe.
const netWatchDebounce = 2 * time.Second

// WatchConnectivity polls the local interfaces and calls
// ConnectivityChanged whenever the address set changes, so dead sockets
// are detected and the published address refreshed after the machine
// moves networks. Blocks until ctx is cancelled; run it on its own
// goroutine.
func (m *ConnectionManager) WatchConnectivity(ctx context.Context) {
	ticker := time.NewTicker(netWatchInterval)
	defer ticker.Stop()

	last := snapshotAddrs()
	var pendingSince time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.closed:
			return
		case now := <-ticker.C:
			current := snapshotAddrs()
			if !sameAddrs(last, current) {
				last = current
				pendingSince = now
				continue
			}
			// Fire once the change has been stable past the debounce
			// window.
			if !pendingSince.IsZero() && now.Sub(pendingSince) >= netWatchDebounce {
				pendingSince = time.Time{}
				m.log.Debug().Msg("local addresses changed, probing connectivity")
				m.ConnectivityChanged()
			}
		}
	}
}

// snapshotAddrs returns the current set of interface addresses, loopback
// and down interfaces excluded.
func snapshotAddrs() map[string]bool {
	result := make(map[string]bool)
	ifaces, err := net.Interfaces()
	if err != nil {
		return result
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			result[addr.String()] = true
		}
	}
	return result
}

func sameAddrs(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for addr := range a {
		if !b[addr] {
			return false
		}
	}
	return true
}
