// command rangectl drives a DW1000-family transceiver through the
// periodic multi-node ranging sweep: configure the device, register the
// TWR engine, and let the scheduler round-robin a fixed set of peers
// until interrupted, logging each completed round's ring-slot indices.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/physic"

	"dw1000/device"
	"dw1000/frame"
	"dw1000/scheduler"
	"dw1000/transport"
	"dw1000/twr"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rangectl: %v\n", err)
		os.Exit(2)
	}
}

func run() error {
	spiName := flag.String("spi", "", "SPI port name (empty picks the first available bus)")
	speedMHz := flag.Int("speed-mhz", 20, "SPI clock speed, in MHz")
	addr := flag.Uint("addr", 1, "this device's short address")
	panID := flag.Uint("pan", 0xDEAD, "PAN id")
	peers := flag.String("peers", "", "comma-separated peer short addresses to range against, e.g. 2,3,4")
	period := flag.Duration("period", 200*time.Millisecond, "scheduler tick period")
	code := flag.Uint("code", uint(twr.DSTWR), "ranging code to issue each tick (16=DSTWR, 32=DSTWR-EXT; 0 is replaced by the scheduler's default, DSTWR, so SSTWR cannot be selected)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	log.WithFields(logrus.Fields{"addr": *addr, "peers": *peers}).Info("rangectl: starting")

	nodeAddr, err := parsePeers(*peers)
	if err != nil {
		return err
	}
	if len(nodeAddr) == 0 {
		return fmt.Errorf("rangectl: at least one -peers address is required")
	}

	bus, err := transport.OpenSPI(*spiName, physic.Frequency(*speedMHz)*physic.MegaHertz)
	if err != nil {
		return fmt.Errorf("rangectl: %w", err)
	}
	defer bus.Close()

	tr := transport.New(bus)
	dev := device.New(tr, nil, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := device.Config{ShortAddress: uint16(*addr), PANID: uint16(*panID)}
	if err := dev.Configure(ctx, cfg); err != nil {
		return fmt.Errorf("rangectl: configure device: %w", err)
	}
	defer dev.Close()

	radio := frame.New(tr)
	engine := twr.New(dev, radio, twr.Config{}, 8, log)

	sched := scheduler.New(dev, engine, nodeAddr, scheduler.Config{
		Period: *period,
		Code:   twr.Code(*code),
	}, log)
	defer sched.Close()

	sched.AddPostProcess(func(indices []uint16) {
		log.WithField("slots", indices).Info("rangectl: round complete")
	})

	log.Info("rangectl: ranging, press ctrl-c to stop")
	sched.Run(ctx)
	return nil
}

func parsePeers(s string) ([]uint16, error) {
	var out []uint16
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		v, err := strconv.ParseUint(field, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("rangectl: invalid peer address %q: %w", field, err)
		}
		out = append(out, uint16(v))
	}
	return out, nil
}
