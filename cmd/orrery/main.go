// Command orrery runs the Keplerian solar-system propagator as a service, a
// headless simulation, or one-shot tools over a body table.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
