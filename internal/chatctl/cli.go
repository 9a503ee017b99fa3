package chatctl

import (
	"fmt"
	"os"
)

// Config holds CLI-wide settings resolved from flags and environment.
type Config struct {
	Server string
}

// MainWithArgs runs the CLI with explicit args, returning a process exit code.
func MainWithArgs(args []string) int {
	cfg := &Config{Server: envServer()}
	root := buildRootCmd(cfg)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "chatctl: %v\n", err)
		return 1
	}
	return 0
}

// Main is the conventional entry point.
func Main() int { return MainWithArgs(os.Args[1:]) }
