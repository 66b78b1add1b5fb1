// Command rioctl inspects, verifies and recompresses rio container files.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "rioctl: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		printUsage(stderr)
		return flag.ErrHelp
	}

	cmd := &command{stdout: stdout, stderr: stderr}
	switch args[0] {
	case "inspect":
		return cmd.inspect(args[1:])
	case "records":
		return cmd.records(args[1:])
	case "schemas":
		return cmd.schemas(args[1:])
	case "verify":
		return cmd.verify(args[1:])
	case "recompress":
		return cmd.recompress(args[1:])
	case "config":
		return cmd.config(args[1:])
	case "version":
		fmt.Fprintf(stdout, "rioctl %s\n", version)
		return nil
	case "help", "-h", "--help":
		printUsage(stderr)
		return nil
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return flag.ErrHelp
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "Usage: rioctl <command> [options]\n")
	fmt.Fprintf(w, "\nCommands:\n")
	fmt.Fprintf(w, "  inspect     Show the header, sections and blocks of a file\n")
	fmt.Fprintf(w, "  records     List the records of a file\n")
	fmt.Fprintf(w, "  schemas     Print the embedded schema table as YAML\n")
	fmt.Fprintf(w, "  verify      Decompress and decode every record\n")
	fmt.Fprintf(w, "  recompress  Rewrite a file with another compression\n")
	fmt.Fprintf(w, "  config      Print or save the effective configuration\n")
	fmt.Fprintf(w, "  version     Show version information\n")
	fmt.Fprintf(w, "\nRun 'rioctl <command> -h' for help on a specific command.\n")
}
