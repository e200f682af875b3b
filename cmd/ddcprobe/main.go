// Command ddcprobe pokes at the monitors on the i2c buses: EDID
// identifiers, bus speed measurements, capability strings, timing
// reports and raw frame reads for debugging misbehaving hardware.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"d2see.dev/ddcci"
	"d2see.dev/edid"
	"d2see.dev/i2c"
)

func main() {
	verbose := pflag.BoolP("verbose", "v", false, "debug logging")
	buses := pflag.IntSlice("bus", nil, "probe only these bus numbers")
	measure := pflag.Bool("measure", false, "measure bus read costs")
	capabilities := pflag.Bool("capabilities", false, "dump the capability string")
	timing := pflag.Bool("timing", false, "request a timing report")
	raw := pflag.Int("raw", 0, "read the bus N bytes at a time (at most twice) and dump the frame found")
	pflag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: "ddcprobe"})
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}

	if _, err := host.Init(); err != nil {
		logger.Fatal("host init", "err", err)
	}
	ctx := context.Background()
	for _, ref := range i2creg.All() {
		if ref.Number < 0 {
			continue
		}
		if len(*buses) > 0 && !contains(*buses, ref.Number) {
			continue
		}
		node := fmt.Sprintf("/dev/i2c-%d", ref.Number)
		probe(ctx, node, *measure, *capabilities, *timing, *raw, logger)
	}
}

func contains(ns []int, n int) bool {
	for _, v := range ns {
		if v == n {
			return true
		}
	}
	return false
}

func probe(ctx context.Context, node string, measure, capabilities, timing bool, raw int, logger *log.Logger) {
	eb, err := i2c.Open(node, edid.SlaveAddr, i2c.Resilient, logger)
	if err != nil {
		logger.Debug("cannot open", "bus", node, "err", err)
		return
	}
	defer eb.Close()
	e, err := edid.Probe(eb, logger)
	if err != nil {
		logger.Debug("no monitor", "bus", node, "err", err)
		return
	}
	fmt.Printf("%s: %s\n", node, e.ID())

	if measure {
		m, err := eb.Measure()
		if err != nil {
			logger.Error("measure failed", "bus", node, "err", err)
		} else {
			slow := ""
			if m.Slow() {
				slow = " (slow!)"
			}
			fmt.Printf("  read cost: %s%s\n", m, slow)
		}
	}

	if !capabilities && !timing && raw <= 0 {
		return
	}
	db, err := i2c.Open(node, ddcci.SlaveAddr, i2c.Resilient, logger)
	if err != nil {
		logger.Error("cannot open ddc/ci", "bus", node, "err", err)
		return
	}
	defer db.Close()
	waiter := ddcci.NewWaiter(ddcci.DefaultDelay, ddcci.DefaultDelay)
	chopped := ddcci.NewDeterminator("chopped-reads", true, 1, 2, logger)
	reader := ddcci.NewReader(db, chopped, logger)
	m := ddcci.New(db, waiter, reader, logger)

	if capabilities {
		caps, err := m.ReadCapabilitiesSync(ctx)
		if err != nil {
			logger.Error("capabilities read failed", "bus", node, "err", err)
		} else {
			fmt.Printf("  capabilities: %s\n", caps)
		}
	}
	if timing {
		tr, err := m.RequestTimingSync(ctx)
		if err != nil {
			logger.Error("timing report failed", "bus", node, "err", err)
		} else {
			fmt.Printf("  timing: status 0x%02x, %d Hz x %d Hz\n", tr.Status, tr.Horizontal, tr.Vertical)
		}
	}
	if raw > 0 {
		payload, err := reader.FindNext(ddcci.Hint{Raw: raw})
		if err != nil {
			logger.Error("raw read found nothing", "bus", node, "err", err)
		} else {
			fmt.Printf("  frame: % x\n", payload)
		}
	}
}
