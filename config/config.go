// package config finds and reads d2see's on-disk state: the
// per-monitor calibrated delay file and the optional quirks overrides,
// both living under the XDG config directories.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adrg/xdg"
	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const appDir = "d2see"

// DefaultDelay mirrors the conservative delay used before calibration.
const DefaultDelay = 200 * time.Millisecond

// Delays is a monitor's calibrated delay pair.
type Delays struct {
	Read  time.Duration
	Write time.Duration
}

// DefaultDelays are what a monitor starts with; loading them (rather
// than a calibrated pair) is the signal to run calibration.
func DefaultDelays() Delays {
	return Delays{Read: DefaultDelay, Write: DefaultDelay}
}

// LoadDelays reads the two-line delay file for the monitor id. A file
// that is absent, short or unparseable yields the defaults and
// calibrated=false.
func LoadDelays(id string) (d Delays, calibrated bool) {
	d = DefaultDelays()
	path, err := xdg.SearchConfigFile(filepath.Join(appDir, id))
	if err != nil {
		return d, false
	}
	f, err := os.Open(path)
	if err != nil {
		return d, false
	}
	defer f.Close()
	var vals []float64
	sc := bufio.NewScanner(f)
	for sc.Scan() && len(vals) < 2 {
		v, err := strconv.ParseFloat(sc.Text(), 64)
		if err != nil {
			return DefaultDelays(), false
		}
		vals = append(vals, v)
	}
	if len(vals) < 2 {
		return DefaultDelays(), false
	}
	return Delays{
		Read:  time.Duration(vals[0] * float64(time.Second)),
		Write: time.Duration(vals[1] * float64(time.Second)),
	}, true
}

// SaveDelays writes the calibrated pair, two floating-point seconds on
// two lines.
func SaveDelays(id string, d Delays) error {
	path, err := xdg.ConfigFile(filepath.Join(appDir, id))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	content := fmt.Sprintf("%g\n%g\n", d.Read.Seconds(), d.Write.Seconds())
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// MonitorQuirks pre-locks the determinators of one monitor. Nil
// pointers leave the determination to observation.
type MonitorQuirks struct {
	ChoppedReads *bool `yaml:"chopped_reads"`
	NeedsReset52 *bool `yaml:"needs_reset52"`
	Supports52   *bool `yaml:"supports52"`
}

// Quirks is the optional quirks.yaml: per-monitor overrides plus buses
// the coldplug scan must leave alone.
type Quirks struct {
	Monitors  map[string]MonitorQuirks `yaml:"monitors"`
	SkipBuses []int                    `yaml:"skip_buses"`
}

// For returns the overrides for a monitor id, if any.
func (q Quirks) For(id string) MonitorQuirks {
	return q.Monitors[id]
}

// SkipBus reports whether bus number n is quirked out of scanning.
func (q Quirks) SkipBus(n int) bool {
	for _, b := range q.SkipBuses {
		if b == n {
			return true
		}
	}
	return false
}

// LoadQuirks reads quirks.yaml. A missing file means no overrides; a
// malformed one is logged and ignored.
func LoadQuirks(logger *log.Logger) Quirks {
	var q Quirks
	path, err := xdg.SearchConfigFile(filepath.Join(appDir, "quirks.yaml"))
	if err != nil {
		return q
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("cannot read quirks file", "path", path, "err", err)
		}
		return q
	}
	if err := yaml.Unmarshal(data, &q); err != nil {
		logger.Warn("malformed quirks file ignored", "path", path, "err", err)
		return Quirks{}
	}
	return q
}
