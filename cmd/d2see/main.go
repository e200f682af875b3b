// Command d2see adjusts brightness and contrast of every attached
// monitor over DDC/CI, keeping multi-screen setups in lockstep.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"d2see.dev/monitor"
)

func main() {
	verbose := pflag.BoolP("verbose", "v", false, "debug logging, wire traffic included")
	buses := pflag.IntSlice("bus", nil, "restrict the scan to these i2c bus numbers")
	calibrate := pflag.Bool("calibrate", false, "rerun delay calibration")
	list := pflag.Bool("list", false, "list detected monitors and exit")
	sets := pflag.StringArray("set", nil, "write REG=VALUE (hex register, decimal value) to every monitor, e.g. --set 10=50")
	pflag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "d2see",
	})
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}

	monitors, err := monitor.Scan(monitor.Options{
		Buses:            *buses,
		ForceCalibration: *calibrate,
		Logger:           logger,
	})
	if err != nil {
		logger.Fatal("scan failed", "err", err)
	}
	if len(monitors) == 0 {
		logger.Fatal("no monitors found")
	}
	if *list {
		for _, m := range monitors {
			fmt.Println(m.ID())
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// With --set, stop once every monitor confirmed every value.
	remaining := 0
	var remainingMu sync.Mutex
	done := func() {
		remainingMu.Lock()
		remaining--
		n := remaining
		remainingMu.Unlock()
		if n == 0 {
			stop()
		}
	}
	for _, arg := range *sets {
		reg, value, err := parseSet(arg)
		if err != nil {
			logger.Fatal("bad --set", "arg", arg, "err", err)
		}
		for _, m := range monitors {
			m := m
			remaining++
			fired := false
			m.AddListeners(reg, func(v uint16) {
				logger.Info("confirmed", "monitor", m.ID(), "register", fmt.Sprintf("0x%02x", reg), "value", v)
				if !fired {
					fired = true
					done()
				}
			}, nil)
			m.Write(reg, value)
		}
	}

	var wg sync.WaitGroup
	for _, m := range monitors {
		m := m
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("monitor task died", "monitor", m.ID(), "err", err)
			}
		}()
	}
	wg.Wait()
}

func parseSet(arg string) (byte, uint16, error) {
	reg, value, ok := strings.Cut(arg, "=")
	if !ok {
		return 0, 0, fmt.Errorf("want REG=VALUE")
	}
	r, err := strconv.ParseUint(reg, 16, 8)
	if err != nil {
		return 0, 0, err
	}
	v, err := strconv.ParseUint(value, 10, 16)
	if err != nil {
		return 0, 0, err
	}
	return byte(r), uint16(v), nil
}
