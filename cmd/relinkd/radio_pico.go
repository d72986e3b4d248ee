//go:build rp2350

package main

import (
	"github.com/xtxerr/relink/internal/driver"
)

// newRadio on the rp2350 target drives the onboard cyw43439. The -sim
// flag still works for bench runs without airtime.
func newRadio(hostname string, sim bool) (driver.Radio, error) {
	if sim {
		return driver.NewSimulator(driver.Script{}), nil
	}
	return driver.NewPicoRadio(hostname), nil
}
