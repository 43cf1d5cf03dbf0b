package main

import (
	"flag"
	"os"

	"github.com/rickchristie/opengauss-mcp/internal/configure"
)

func runConfigure(args []string) error {
	fs := flag.NewFlagSet("configure", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file (.json or .toml)")
	fs.Parse(args)

	printBanner(os.Stderr, isTTY(os.Stderr.Fd()))
	return configure.Run(*configPath)
}
