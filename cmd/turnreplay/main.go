// Command turnreplay replays a scripted transcript timeline through the turn
// assembler and prints what would have been dispatched.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
