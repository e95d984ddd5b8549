// Command coachkb builds per-creator knowledge bases from social media post
// exports, searches them, and answers questions in the creator's voice. It
// provides a CLI (via Cobra) and an HTTP API server.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/coachkb/cmd/coachkb/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
