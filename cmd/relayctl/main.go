package main

import (
	"fmt"
	"os"

	"github.com/lsm/booking-relay/internal/cli"
)

const usage = `relayctl - booking-relay toolkit

Usage:
  relayctl <command> [arguments]

Commands:
  validate [path]   Validate a relay configuration file
  transform         Dry-run the transform over local records
  send              Send a batch to a running relay

Run 'relayctl <command> -h' for help on a specific command.`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		return nil
	}

	switch os.Args[1] {
	case "validate":
		return cli.RunValidate(os.Args[2:], os.Stdout, os.Stderr)
	case "transform":
		return cli.RunTransform(os.Args[2:], os.Stdin, os.Stdout, os.Stderr)
	case "send":
		return cli.RunSend(os.Args[2:], os.Stdin, os.Stdout)
	case "-h", "--help", "help":
		fmt.Println(usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\nRun 'relayctl help' for usage", os.Args[1])
	}
}
