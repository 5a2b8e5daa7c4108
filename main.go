// Public domain.

package main

import "github.com/atmofit/atmofit/internal/afprog"

func main() {
	afprog.Main()
}
