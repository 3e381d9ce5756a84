// Command locallab serves one local language model over HTTP.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "locallab:", err)
		os.Exit(1)
	}
}
