// Command clawd is the issue dispatch orchestrator: a daemon that turns
// tracker webhooks into supervised agent work, plus operator tooling for
// diagnosing the setup, inspecting dispatch state, and managing the
// tracker-side webhook registration.
package main

import (
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
