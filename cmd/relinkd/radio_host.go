//go:build !rp2350

package main

import (
	"fmt"

	"github.com/xtxerr/relink/internal/driver"
)

// newRadio on a host build only offers the simulator; the cyw43439 radio
// exists on the rp2350 target alone.
func newRadio(hostname string, sim bool) (driver.Radio, error) {
	if !sim {
		return nil, fmt.Errorf("no hardware radio on this platform, run with -sim")
	}
	return driver.NewSimulator(simScript()), nil
}

// simScript is a healthy network: one stable candidate that associates
// and leases on the first try, forever. Failure scenarios are driven
// through the tests, which script the simulator directly.
func simScript() driver.Script {
	return driver.Script{
		Scans: []driver.ScanOutcome{driver.ScanOK(driver.ScanResult{
			BSSID:   "02:00:00:00:ab:01",
			SSID:    "simnet",
			Channel: 6,
			RSSI:    -48,
			Auth:    driver.AuthWPA2,
		})},
		Assocs: []driver.AssocOutcome{driver.AssocOK()},
		Leases: []driver.LeaseOutcome{driver.LeaseOK("192.168.4.17")},
	}
}
