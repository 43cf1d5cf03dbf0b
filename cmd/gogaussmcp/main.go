package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "configure":
		err = runConfigure(os.Args[2:])
	case "doctor":
		err = runDoctor(os.Args[2:])
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("gogaussmcp: openGauss / PostgreSQL MCP Server")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  gogaussmcp serve       Start the MCP server")
	fmt.Println("  gogaussmcp configure   Run interactive configuration wizard")
	fmt.Println("  gogaussmcp doctor      Check the configuration and print agent snippets")
	fmt.Println("  gogaussmcp --help      Show this help message")
	fmt.Println()
	fmt.Println("Run 'gogaussmcp serve -h' for serve flags.")
}
