// Public domain.

package afprog

import (
	"bufio"
	"encoding/gob"
	"flag"
	"fmt"
	"go/build"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"time"

	xrand "golang.org/x/exp/rand"

	"github.com/atmofit/atmofit/geom"
	"github.com/atmofit/atmofit/internal/affm"
	"github.com/atmofit/atmofit/internal/afinv"
	"github.com/atmofit/atmofit/internal/aflut"
	"github.com/atmofit/atmofit/internal/afoe"
	"github.com/atmofit/atmofit/internal/afprior"
	"github.com/soniakeys/exit"
)

const parentImport = "atmofit"
const versionString = "atmofit version 0.1 Go source."
const copyrightString = "Public domain."

// Default file names, relative to the -p path.
const (
	tableFn   = "atmofit.lut"
	surfaceFn = "atmofit.surface"
	configFn  = "atmofit.config"
)

// PixelObs is one measured pixel of the input stream: a radiance
// spectrum on the table wavelength grid, its noise variance per
// channel, and the observation geometry.  The input file is a gob
// stream of these.
type PixelObs struct {
	Row, Col  int
	Radiance  []float64
	NoiseDiag []float64
	Geom      geom.Geometry
}

func Main() {
	defer exit.Handler()

	// these functions all set up package vars and terminate on error
	cl := parseCommandLine()
	tab := readTable(cl)
	sfc := readSurface(cl)
	cfg := readConfig(cl)

	// open pixel file
	var f *os.File
	if cl.fnObs == "-" {
		f = os.Stdin
		cl.fnObs = "input stream"
	} else {
		var err error
		f, err = os.Open(cl.fnObs)
		if err != nil {
			exit.Log(err)
		}
		defer f.Close()
	}

	// remainder of main constructs and starts all the concurrent parts
	// of the program.

	// pixChIn supplies pixels by reading the input stream.  It is fed
	// by splitter, running as a separate goroutine.  If splitter
	// encounters an error reading the file, it reports the error on
	// errCh and terminates immediately.
	pixChIn := make(chan *PixelObs)
	errCh := make(chan error)
	go splitter(f, tab, cfg, pixChIn, errCh)

	// prCh keeps processed results in submission order.  it is a
	// buffered channel so that a fast worker can drop off the result
	// without waiting for workers ahead of it.  the size of the buffer
	// must be at least maxWorkers, but otherwise isn't critical.
	maxWorkers := runtime.GOMAXPROCS(0)
	prCh := make(chan chan string, maxWorkers*2)
	pixChSeq := make(chan *pixSeq)

	// dispatcher.  for each pixel, attach a return channel that works
	// like a ticket for picking up the result of processing the pixel.
	// wait for an available worker, send the pixel to the worker and
	// drop the ticket in the queue for printing.
	go func() {
		for p := range pixChIn {
			rch := make(chan string, 1)
			pixChSeq <- &pixSeq{p, rch}
			prCh <- rch
		}
		close(prCh)
	}()

	// start worker goroutines, not all up front but only as the
	// dispatcher calls for them.  we may have more cores than pixels.
	go func() {
		for n := 0; n < maxWorkers; n++ {
			p, ok := <-pixChSeq
			if !ok {
				return
			}
			go solve(tab, sfc, cfg, p, pixChSeq, errCh)
		}
	}()

	// column headings, delayed until now to avoid printing column
	// headings only to terminate with an error message if some
	// initialization fails.
	printHeadings(tab, cfg)

	// everything is on its way.  just wait for results and print them
	// as they are available.  prCh is our channel of result channels in
	// the correct order.
	for {
		select {
		case err := <-errCh:
			exit.Log(err)
		// wait here for next result channel in processing order
		case rch, ok := <-prCh:
			if !ok {
				return // normal return
			}
			select {
			case err := <-errCh:
				exit.Log(err)
			case r := <-rch:
				fmt.Println(r) // wait here for processing result
			}
		}
	}
}

type pixSeq struct {
	p   *PixelObs
	rch chan string
}

// splitter decodes the gob stream of pixels.  decode errors other than
// EOF terminate the program.
func splitter(r io.Reader, tab *aflut.Table, cfg *config, pixCh chan *PixelObs, errCh chan error) {
	dec := gob.NewDecoder(bufio.NewReader(r))
	for {
		p := new(PixelObs)
		err := dec.Decode(p)
		if err == io.EOF {
			break
		}
		if err != nil {
			errCh <- err
			break
		}
		sendValid(p, tab, cfg, pixCh)
	}
	close(pixCh)
}

// sendValid checks that a pixel is invertible, applies the noise floor
// and sends.  invalid pixels are dropped without notification.
func sendValid(p *PixelObs, tab *aflut.Table, cfg *config, pixCh chan *PixelObs) {
	nw := len(tab.Wave)
	if len(p.Radiance) != nw || len(p.NoiseDiag) != nw {
		return
	}
	for _, v := range p.Radiance {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return
		}
	}
	for i, v := range p.NoiseDiag {
		if math.IsNaN(v) {
			return
		}
		if v < cfg.noiseFloor {
			p.NoiseDiag[i] = cfg.noiseFloor
		}
	}
	if p.Geom.CosSolarZenith() <= 0 {
		return // sun below the horizon
	}
	pixCh <- p
}

// worker process, inverts pixels.
// the first pixel to invert will be waiting in pixCh.
// additional pixels are requested by receiving from pixCh again.
func solve(tab *aflut.Table, sfc *afprior.Model, cfg *config,
	p *pixSeq, // first pixel to invert
	pixCh chan *pixSeq, // channel for getting more pixels
	errCh chan error) {
	rnd := xrand.New(&xrand.PCGSource{})
	if !cfg.repeatable {
		rnd.Seed(uint64(time.Now().UnixNano()))
	}
	policy := aflut.ClampDomain
	if cfg.strict {
		policy = aflut.FailDomain
	}
	// each worker gets its own querier, forward model and inverter.
	// they hold per-evaluation scratch and are not shared.
	m, err := affm.New(tab.NewQuerier(policy), tab.Wave, tab.Irrad, cfg.fm)
	if err != nil {
		errCh <- err
		return
	}
	iv := afinv.New(m, cfg.driver, rnd)
	// this is an infinite loop.  it just runs until the program shuts
	// down.
	for ; ; p = <-pixCh {
		if cfg.repeatable {
			rnd.Seed(3)
		}
		obs := &afoe.Observation{
			Radiance:  p.p.Radiance,
			NoiseDiag: p.p.NoiseDiag,
		}
		pr := sfc.Prior(&p.p.Geom, p.p.Radiance)
		res := iv.Invert(obs, &p.p.Geom, pr, nil)

		// build output line
		rfl, atm := m.Unpack(res.State)
		var sum float64
		for _, r := range rfl {
			sum += r
		}
		ol := fmt.Sprintf("%5d %5d %-4s %4d %11.5g",
			p.p.Row, p.p.Col, phaseAbbr(res.Phase), res.Iterations, res.Cost)
		for _, a := range atm {
			ol = fmt.Sprintf("%s %8.4f", ol, a)
		}
		ol = fmt.Sprintf("%s %7.4f", ol, sum/float64(len(rfl)))
		if res.Degraded {
			ol += " *"
		}

		// processing results sent on private result channel.
		p.rch <- ol // buffered.  just drop off results and continue
	}
}

func phaseAbbr(ph afoe.Phase) string {
	switch ph {
	case afoe.Converged:
		return "conv"
	case afoe.Diverged:
		return "div"
	case afoe.MaxIterationsExceeded:
		return "max"
	}
	return "?"
}

type commandLine struct {
	dc    string // config file
	dt    string // table file
	ds    string // surface file
	dp    string // default path
	fnObs string // pixel file
}

func parseCommandLine() *commandLine {
	// Package path of atmofit is used as the default location of the
	// table, surface and config files.
	pp, ppErr := build.Import(parentImport, "", build.FindOnly)
	var cl commandLine
	if ppErr == nil {
		cl.dp = pp.Dir
	}
	dh := flag.Bool("h", false, "")
	dv := flag.Bool("v", false, "")
	flag.StringVar(&cl.dc, "c", "", "")
	flag.StringVar(&cl.dt, "t", "", "")
	flag.StringVar(&cl.ds, "s", "", "")
	flag.StringVar(&cl.dp, "p", cl.dp, "")
	flag.Usage = func() {
		os.Stderr.WriteString(`
Usage: atmofit [options] <pixfile>    invert pixels in file
       atmofit [options] -           invert pixels from stdin
       atmofit -h                    display help and quick reference
       atmofit -v                    display version and copyright

Options:
       -c <config-file>
       -t <table-file>
       -s <surface-file>
       -p <path>
`)
		if ppErr == nil {
			os.Stderr.WriteString(`
Default:
       -p=` + pp.Dir + "\n")
		}
	}
	flag.Parse()
	switch {
	case *dh:
		printHelp()
		os.Exit(0)
	case *dv:
		fmt.Println(versionString)
		fmt.Println(copyrightString)
		os.Exit(0)
	case flag.NArg() != 1:
		flag.Usage()
		os.Exit(1)
	}
	cl.fnObs = flag.Arg(0)
	return &cl
}

// reads lookup table (created by lutgen)
func readTable(cl *commandLine) *aflut.Table {
	tab, err := aflut.ReadFile(cl.fixupCP(cl.dt, tableFn))
	if err != nil {
		log.Println(err)
		exit.Log(`Use command "lutgen" to regenerate the table file.`)
	}
	return tab
}

func readSurface(cl *commandLine) *afprior.Model {
	sfc, err := afprior.ReadFile(cl.fixupCP(cl.ds, surfaceFn))
	if err != nil {
		exit.Log(err)
	}
	return sfc
}

type config struct {
	headings   bool
	repeatable bool
	strict     bool
	noiseFloor float64
	fm         affm.Config
	driver     afinv.Config
}

func readConfig(cl *commandLine) *config {
	// default configuration
	cfg := &config{
		headings: true,
		fm:       affm.DefaultConfig(),
		driver:   afinv.DefaultConfig(),
	}
	f, err := os.Open(cl.fixupCP(cl.dc, configFn))
	if err != nil {
		if cl.dc == "" {
			return cfg
		}
		exit.Log(err)
	}
	defer f.Close()

	rxKeyVal := regexp.MustCompile(`^[ \t]*(.*?)[ \t]*=[ \t]*(.+)$`)
	for lr := bufio.NewReader(f); ; {
		l, isPre, err := lr.ReadLine()
		switch {
		case err == io.EOF:
			return cfg
		case err != nil:
			exit.Log(err)
		case isPre:
			exit.Log("Unexpected long line in config file.")
		case len(l) == 0:
			continue
		case l[0] == '#':
			continue
		}
		ls := string(l)
		switch ls {
		case "headings":
			cfg.headings = true
			continue
		case "noheadings":
			cfg.headings = false
			continue
		case "repeatable":
			cfg.repeatable = true
			continue
		case "random":
			cfg.repeatable = false
			continue
		case "strictdomain":
			cfg.strict = true
			continue
		case "clampdomain":
			cfg.strict = false
			continue
		}
		// only valid possibility left is key = value
		ss := rxKeyVal.FindStringSubmatch(ls)
		if len(ss) != 3 {
			exit.Log("Unrecognized line in config file: " + ls)
		}
		if errStr := cfg.set(ss[1], ss[2]); errStr > "" {
			exit.Log(fmt.Sprintf("%s\nConfig file line: %s", errStr, ls))
		}
	}
}

// set applies one key = value config setting.
func (cfg *config) set(key, val string) (parseErr string) {
	switch key {
	case "maxiter", "retries":
		n, err := strconv.Atoi(val)
		if err != nil {
			return err.Error()
		}
		if n < 0 {
			return "Negative " + key + " not allowed."
		}
		if key == "maxiter" {
			cfg.driver.Settings.MaxIterations = n
		} else {
			cfg.driver.Retries = n
		}
		return ""
	case "costtol", "statetol", "perturb", "fdstep", "noisefloor":
		v, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return err.Error()
		}
		if v < 0 || math.IsNaN(v) {
			return "Negative " + key + " not allowed."
		}
		switch key {
		case "costtol":
			cfg.driver.Settings.CostTol = v
		case "statetol":
			cfg.driver.Settings.StateTol = v
		case "perturb":
			cfg.driver.Perturb = v
		case "fdstep":
			cfg.fm.FDStep = v
		case "noisefloor":
			cfg.noiseFloor = v
		}
		return ""
	}
	return "Unrecognized config keyword: " + key
}

func printHeadings(tab *aflut.Table, cfg *config) {
	if !cfg.headings {
		return
	}
	fmt.Println(versionString)
	fmt.Printf("%5s %5s %-4s %4s %11s", "Row", "Col", "Fit", "Iter", "Cost")
	for _, n := range tab.Names {
		fmt.Printf(" %8s", n)
	}
	fmt.Printf(" %7s\n", "MeanRfl")
}

func (cl *commandLine) fixupCP(fnSpec, fnDefault string) string {
	if fnSpec > "" {
		return fnSpec
	}
	return filepath.Join(cl.dp, fnDefault)
}

func printHelp() {
	fmt.Println(`
Atmofit retrieves surface reflectance and atmospheric parameters from
measured at-sensor radiance spectra by iterated optimal estimation
against a precomputed radiative transfer lookup table.  Input is a gob
stream of pixels, each holding a radiance spectrum, per channel noise
variance and observation geometry.  Output is one line per pixel with
the fit outcome, retrieved atmospheric parameters and mean retrieved
reflectance.

Config file keywords:
   headings
   noheadings
   repeatable
   random
   strictdomain
   clampdomain
   maxiter = <n>
   costtol = <x>
   statetol = <x>
   retries = <n>
   perturb = <x>
   fdstep = <x>
   noisefloor = <x>

For full documentation:
   godoc atmofit`)
}
