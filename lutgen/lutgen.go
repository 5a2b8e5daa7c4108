// Lutgen builds the binary lookup table file read by atmofit.
//
// Input is a text dump of radiative transfer simulation results, one
// simulation per grid point.  The format is line oriented:
//
//	atmofit lut
//	dim <name> <grid values...>     (one line per grid dimension)
//	wave <wavelengths...>
//	irrad <solar irradiance...>
//	point <grid indexes...>         (one block per grid point)
//	path <values...>
//	salb <values...>
//	tdn <values...>
//	tup <values...>
//
// Grid values must be sorted ascending.  Every term line holds one
// value per wavelength.  Output is the gob table file, by default
// atmofit.lut in the current directory.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/atmofit/atmofit/internal/aflut"
)

const versionString = "lutgen version 0.1 Go source."
const copyrightString = "Public domain."
const outFn = "atmofit.lut"

type fatal struct {
	err error
}

func exit(err error) {
	panic(fatal{err})
}

func handleFatal() {
	if err := recover(); err != nil {
		if f, ok := err.(fatal); ok {
			log.Fatal(f.err)
		}
		panic(err)
	}
}

func main() {
	defer handleFatal()

	flag.Usage = func() {
		os.Stderr.WriteString(`Usage:
  lutgen [-o <table-file>] <simfile>  Build lookup table from simulation dump.
  lutgen -v                           Display version and copyright.

Default:
  -o=` + outFn + `

For full documentation:
   go doc lutgen
`)
	}
	clOut := flag.String("o", outFn, "output table file")
	vers := flag.Bool("v", false, "display version and copyright")
	flag.Parse()
	if *vers {
		fmt.Println(versionString)
		fmt.Println(copyrightString)
		os.Exit(0)
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	simFn := flag.Arg(0)
	fmt.Println("Reading", simFn)

	f, err := os.Open(simFn)
	if err != nil {
		exit(err)
	}
	bf := bufio.NewReader(f)
	var ln int
	// close on f, ln
	corrupt := func(i interface{}) {
		if i != nil {
			log.Println(i)
		}
		f.Close()
		exit(fmt.Errorf("%s corrupt. line %d", simFn, ln))
	}
	readLine := func() (string, bool) {
		ln++
		line, isPre, err := bf.ReadLine()
		if err != nil {
			return "", false
		}
		if isPre {
			corrupt("unexpected long line")
		}
		return string(line), true
	}
	mustRead := func() string {
		line, ok := readLine()
		if !ok {
			corrupt("unexpected end of file")
		}
		return line
	}
	parseFloats := func(flds []string) []float64 {
		part := make([]float64, len(flds))
		for px, p := range flds {
			f, err := strconv.ParseFloat(p, 64)
			if err != nil {
				corrupt(err)
			}
			part[px] = f
		}
		return part
	}
	if mustRead() != "atmofit lut" {
		corrupt(`"atmofit lut" expected`)
	}

	// header: dim lines, then wave and irrad
	var names []string
	var grids [][]float64
	var wave, irrad []float64
	line := mustRead()
	for {
		flds := strings.Fields(line)
		if len(flds) < 2 || flds[0] != "dim" {
			break
		}
		names = append(names, flds[1])
		grids = append(grids, parseFloats(flds[2:]))
		line = mustRead()
	}
	readSpectrum := func(key string, flds []string) []float64 {
		if len(flds) < 2 || flds[0] != key {
			corrupt(key + " line expected")
		}
		return parseFloats(flds[1:])
	}
	wave = readSpectrum("wave", strings.Fields(line))
	irrad = readSpectrum("irrad", strings.Fields(mustRead()))

	tab, err := aflut.New(names, grids, wave, irrad)
	if err != nil {
		corrupt(err)
	}

	// point blocks
	seen := make([]bool, tab.Size())
	readTerm := func(key string) []float64 {
		t := readSpectrum(key, strings.Fields(mustRead()))
		if len(t) != len(wave) {
			corrupt(fmt.Sprintf("%d %s values for %d wavelengths",
				len(t), key, len(wave)))
		}
		return t
	}
	for {
		line, ok := readLine()
		if !ok {
			break
		}
		if line == "" {
			continue
		}
		flds := strings.Fields(line)
		if flds[0] != "point" || len(flds) != len(grids)+1 {
			corrupt("point line expected")
		}
		ix := make([]int, len(grids))
		for d, s := range flds[1:] {
			i, err := strconv.Atoi(s)
			if err != nil {
				corrupt(err)
			}
			if i < 0 || i >= len(grids[d]) {
				corrupt(fmt.Sprintf("index %d out of range for %s", i, names[d]))
			}
			ix[d] = i
		}
		tab.SetPoint(ix,
			readTerm("path"), readTerm("salb"),
			readTerm("tdn"), readTerm("tup"))
		seen[tab.Mx(ix)] = true
	}
	f.Close()

	missing := 0
	for _, s := range seen {
		if !s {
			missing++
		}
	}
	fmt.Println(tab.Size()-missing, "grid points read")
	if missing > 0 {
		exit(fmt.Errorf("%d of %d grid points missing", missing, tab.Size()))
	}

	fmt.Println("Writing", *clOut)
	if err := tab.WriteFile(*clOut); err != nil {
		exit(err)
	}
}
