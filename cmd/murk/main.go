// Command murk is an HTTP load generator.
package main

import (
	"fmt"
	"os"

	"github.com/xd009642/murk/cmd/murk/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "murk:", err)
		os.Exit(1)
	}
}
