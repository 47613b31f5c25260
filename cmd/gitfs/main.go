// Command gitfs mounts git repositories as a FUSE filesystem (see spec.md).
package main

import (
	"fmt"
	"os"

	"github.com/kirr/gitfs/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
