// Report summarizes an atmofit output file.
//
// It tallies pixels by fit outcome, counts degraded retrievals and
// prints mean iterations, cost and retrieved values over the converged
// pixels.  Lines that do not parse as atmofit output, headings
// included, are ignored.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
)

const parentImport = "atmofit"
const versionString = "report version 0.1"
const copyrightString = "Public domain."

var ignored int

func main() {
	flag.Usage = func() {
		os.Stderr.WriteString(
			"Usage: report [options] <atmofit-output>\n")
		flag.PrintDefaults()
		os.Stderr.WriteString(`
For full documentation:
   go doc ` + parentImport + `/report
`)
	}
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
	b, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		log.Fatalln("output file:", err)
	}

	var conv, div, maxed, degraded int
	var iterSum, costSum float64
	var valSum []float64
	for _, line := range strings.Split(string(b), "\n") {
		f := strings.Fields(line)
		// row col fit iter cost <values...>
		if len(f) < 6 {
			ignored++
			continue
		}
		if f[len(f)-1] == "*" {
			degraded++
			f = f[:len(f)-1]
		}
		iter, err := strconv.Atoi(f[3])
		if err != nil {
			ignored++
			continue
		}
		cost, err := strconv.ParseFloat(f[4], 64)
		if err != nil {
			ignored++
			continue
		}
		switch f[2] {
		case "conv":
		case "div":
			div++
			continue
		case "max":
			maxed++
			continue
		default:
			ignored++
			continue
		}
		vals := f[5:]
		if valSum == nil {
			valSum = make([]float64, len(vals))
		}
		if len(vals) != len(valSum) {
			ignored++
			continue
		}
		ok := true
		for i, s := range vals {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				ok = false
				break
			}
			valSum[i] += v
		}
		if !ok {
			ignored++
			continue
		}
		conv++
		iterSum += float64(iter)
		costSum += cost
	}

	total := conv + div + maxed
	fmt.Println("\nOutput file:       ", flag.Arg(0))
	fmt.Println("Total pixels:      ", total)
	if ignored != 0 {
		fmt.Println("Lines ignored:     ", ignored)
	}
	fmt.Println("Converged:         ", conv)
	fmt.Println("Diverged:          ", div)
	fmt.Println("Iterations run out:", maxed)
	fmt.Println("Degraded:          ", degraded)
	if total > 0 {
		fmt.Printf("Converged fraction: %.3f\n", float64(conv)/float64(total))
	}
	if conv > 0 {
		fmt.Println()
		fmt.Printf("Mean iterations:    %.1f\n", iterSum/float64(conv))
		fmt.Printf("Mean cost:          %.4g\n", costSum/float64(conv))
		fmt.Print("Mean retrieved:    ")
		for _, s := range valSum {
			fmt.Printf(" %.4f", s/float64(conv))
		}
		fmt.Println()
	}
}
