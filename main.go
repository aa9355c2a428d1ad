package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/cburgoyne/adagio/adagio"
	"github.com/cburgoyne/adagio/rpi"
	"github.com/golang/glog"
	"github.com/google/shlex"
)

var enableOscillator = flag.Bool("osc", false, "Configure GPCLKn as the clock source for the board")
var enableForceStopExisting = flag.Bool("osc_stop_existing", false, "Stop a GPCLK which is already running (dangerous, suggests it's in use by something else)")
var debugVerbosity = flag.Int("debug", 0, "Log verbosity, passed on to glog's -v")
var mclkPin = flag.Int("mclkpin", adagio.MClkPin, "The GPIO carrying the codec's master clock")
var muteLine = flag.String("mute", "mute", "The name of the GPIO line muting the amplifier, empty if there's none")
var resetLine = flag.String("reset", "reset", "The name of the GPIO line resetting the codec, empty if there's none")
var mutePin = flag.Int("mutepin", -1, "A GPIO pin muting the amplifier when high. -1 means use the named line.")
var resetPin = flag.Int("resetpin", -1, "A GPIO pin resetting the codec when high. -1 means use the named line.")
var port = flag.Int("port", 24602, "The port that the control server should listen to")
var optionsFile = flag.String("options", "", "A modprobe-style file with further options, overridden by the command line")

// optionModule is the module name option file lines have to name.
const optionModule = "adagio_connect"

// Option file keys that differ from the flag names.
var optionAliases = map[string]string{
	"cfg_osc":               "osc",
	"cfg_osc_stop_existing": "osc_stop_existing",
}

// loadOptions applies "options <module> key=value ..." lines from fn to fs, skipping flags in
// skip. Lines for other modules and comments are ignored.
func loadOptions(fs *flag.FlagSet, fn string, skip map[string]bool) error {
	f, err := os.Open(fn)
	if err != nil {
		return fmt.Errorf("couldn't open options: %w", err)
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for n := 1; s.Scan(); n++ {
		l := strings.TrimSpace(s.Text())
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		t, err := shlex.Split(l)
		if err != nil {
			return fmt.Errorf("%s:%d: %w", fn, n, err)
		}
		if len(t) < 2 || t[0] != "options" || t[1] != optionModule {
			continue
		}
		for _, kv := range t[2:] {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				v = "1"
			}
			if a, ok := optionAliases[k]; ok {
				k = a
			}
			if skip[k] {
				glog.V(1).Infof("Option %s=%s overridden by command line", k, v)
				continue
			}
			if fs.Lookup(k) == nil {
				return fmt.Errorf("%s:%d: unknown option %q", fn, n, k)
			}
			err = fs.Set(k, optionValue(v))
			if err != nil {
				return fmt.Errorf("%s:%d: option %s: %w", fn, n, k, err)
			}
		}
	}
	return s.Err()
}

// optionValue accepts the Y/N spelling of module parameter booleans.
func optionValue(v string) string {
	switch strings.ToUpper(v) {
	case "Y":
		return "true"
	case "N":
		return "false"
	}
	return v
}

func parseFlags() {
	flag.Parse()
	if *optionsFile != "" {
		set := map[string]bool{}
		flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
		err := loadOptions(flag.CommandLine, *optionsFile, set)
		if err != nil {
			glog.Exitf("Failed loading options: %v", err)
		}
	}
	if *debugVerbosity > 0 {
		flag.Set("v", strconv.Itoa(*debugVerbosity))
	}
}

// openLine gets a line from the named GPIO line if pin is negative, or drives pin directly.
func openLine(rp *rpi.RPi, name string, pin int, initial int) (adagio.Line, error) {
	if pin >= 0 {
		err := rp.InitGPIO()
		if err != nil {
			return nil, err
		}
		return adagio.NewRawLine(rp, pin, initial, false)
	}
	if name == "" {
		return nil, nil
	}
	return adagio.RequestLine(name, initial, false)
}

func main() {
	parseFlags()
	defer glog.Flush()

	opts := rpi.DefaultClockOptions()
	opts.ForceStop = *enableForceStopExisting
	rp, err := rpi.NewRPi(opts)
	if err != nil {
		glog.Exitf("Failed detecting board: %v", err)
	}
	glog.Infof("Running on %s", rp.Name())

	// Reset is held until Probe pulses it.
	mute, err := openLine(rp, *muteLine, *mutePin, 0)
	if err != nil {
		glog.Exitf("Failed getting mute line: %v", err)
	}
	reset, err := openLine(rp, *resetLine, *resetPin, 1)
	if err != nil {
		glog.Exitf("Failed getting reset line: %v", err)
	}

	cfg := adagio.DefaultConfig()
	cfg.Oscillator = *enableOscillator
	cfg.MClkPin = *mclkPin
	d := adagio.New(cfg, rp, mute, reset)

	s, err := NewServer(*port, d)
	if err != nil {
		glog.Exitf("Failed creating server: %v", err)
	}
	err = d.Probe(s)
	if err != nil {
		glog.Exitf("Failed probing: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go s.handleConnections()
	glog.Infof("Got %v, shutting down", <-sig)
	s.Close()
	err = d.Remove(s)
	if err != nil {
		glog.Errorf("Failed removing: %v", err)
	}
}
