// Command relaygroup runs the session bridge server and offers client
// commands that talk to a running server.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
