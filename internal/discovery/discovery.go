// Package discovery finds and ranks association candidates for a
// configured network name.
//
// A discovery pass runs a directed active scan first and falls back to
// a passive sweep only when the active phase finds nothing. Results are
// deduplicated by BSSID and ranked deterministically, so identical scan
// responses always produce the same candidate ordering.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/xtxerr/relink/internal/driver"
	"github.com/xtxerr/relink/internal/errors"
	"github.com/xtxerr/relink/internal/logging"
	"github.com/xtxerr/relink/internal/policy"
	"github.com/xtxerr/relink/internal/telemetry"
)

var log = logging.Component("discovery")

// Candidate is one ranked association target.
type Candidate struct {
	BSSID   string
	SSID    string
	Channel uint8
	RSSI    int8
	Auth    driver.AuthMode
}

// Result is the outcome of one discovery pass.
type Result struct {
	Candidates []Candidate
	Phase      string // "active" or "passive"; the phase that produced the list
	Duration   time.Duration
}

// Discoverer runs scan passes against a radio.
type Discoverer struct {
	radio    driver.Radio
	counters *telemetry.Counters
}

func New(radio driver.Radio, counters *telemetry.Counters) *Discoverer {
	return &Discoverer{radio: radio, counters: counters}
}

// Discover runs one full discovery pass for the policy's SSID. The
// active phase uses the policy's dwell bounds; an empty active result
// triggers a single passive fallback sweep. An empty final list is not
// an error here, the caller decides how to escalate.
func (d *Discoverer) Discover(ctx context.Context, p policy.Policy) (Result, error) {
	start := time.Now()

	candidates, err := d.scan(ctx, p.SSID, driver.ScanRequest{
		SSID:     p.SSID,
		Kind:     driver.ScanActive,
		MinDwell: p.ScanActiveMin,
		MaxDwell: p.ScanActiveMax,
	})
	if err != nil {
		return Result{}, err
	}

	phase := "active"
	if len(candidates) == 0 {
		log.Debug("active scan empty, falling back to passive", "ssid", p.SSID)
		candidates, err = d.scan(ctx, p.SSID, driver.ScanRequest{
			Kind:     driver.ScanPassive,
			MinDwell: p.ScanPassive,
			MaxDwell: p.ScanPassive,
		})
		if err != nil {
			return Result{}, err
		}
		phase = "passive"
	}

	return Result{
		Candidates: candidates,
		Phase:      phase,
		Duration:   time.Since(start),
	}, nil
}

// scan runs one scan and ranks its results. Every scan counts as a run,
// and every completed scan lands in exactly one bucket: empty when it
// yields no candidate for the wanted SSID, hit otherwise.
func (d *Discoverer) scan(ctx context.Context, ssid string, req driver.ScanRequest) ([]Candidate, error) {
	d.counters.ScanRuns.Add(1)
	results, err := d.radio.Scan(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrScanFailed, err)
	}
	candidates := Rank(ssid, results)
	if len(candidates) == 0 {
		d.counters.ScanEmpty.Add(1)
	} else {
		d.counters.ScanHits.Add(1)
	}
	return candidates, nil
}

// Rank filters scan results to the wanted SSID, deduplicates by BSSID
// keeping the strongest observation, and orders by signal strength
// (strongest first) with channel number and then BSSID as tie-breakers.
// The ordering is total, so equal inputs yield equal output.
func Rank(ssid string, results []driver.ScanResult) []Candidate {
	byBSSID := make(map[string]driver.ScanResult, len(results))
	for _, r := range results {
		if r.SSID != ssid {
			continue
		}
		if prev, ok := byBSSID[r.BSSID]; !ok || r.RSSI > prev.RSSI {
			byBSSID[r.BSSID] = r
		}
	}

	out := make([]Candidate, 0, len(byBSSID))
	for _, r := range byBSSID {
		out = append(out, Candidate{
			BSSID:   r.BSSID,
			SSID:    r.SSID,
			Channel: r.Channel,
			RSSI:    r.RSSI,
			Auth:    r.Auth,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].BSSID < out[j].BSSID
	})
	return out
}
