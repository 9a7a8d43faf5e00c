// difctl is the operator CLI for the difbot distribution service.
//
// Usage:
//
//	difctl login --user <telegram-id> [--api http://localhost:4000]
//	difctl colors set red=3 blue=2 | --file quota.yaml
//	difctl colors get
//	difctl distribute [--size N]
//	difctl simulate [--size N] [--teams N | --file quota.yaml]
//	difctl teams list | clear | announce
//	difctl participants count | activate | deactivate | team <id>
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
