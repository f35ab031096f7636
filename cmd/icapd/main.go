// Command icapd is an ICAP (RFC 3507) server carrying the built-in echo
// service, with Prometheus metrics and a health endpoint on a separate
// listener.
//
// Usage:
//
//	icapd [--config=PATH] [--port=PORT] [--log=PATH] [--log-rotate-size=MB] [--log-level=LEVEL]
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
