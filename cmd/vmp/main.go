package main

import (
	"fmt"
	"io"
	"os"

	_ "github.com/lib/pq" // Postgres driver
)

// version is stamped into /healthz and telemetry resources.
const version = "0.3.1"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests.
var startServer = runServe

// Run dispatches the subcommand. Bare invocations and invocations that
// start with a flag fall through to the server, so `vmp` under systemd or
// in a container just serves.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer()
	}

	switch args[1] {
	case "serve", "server":
		return startServer()
	case "migrate":
		return runMigrate(args[2:], stdout, stderr)
	case "soa":
		return runSOACmd(args[2:], stdout, stderr)
	case "tenant":
		return runTenantCmd(args[2:], stdout, stderr)
	case "user":
		return runUserCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "vmp %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer()
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI colors
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sVMP %s%s\n", ColorBold+ColorBlue, "v"+version, ColorReset)
	fmt.Fprintf(w, "%sVendor cases, evidence, and statement reconciliation.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  vmp <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "PORTAL")
	printCommand(w, "serve", "Run the portal server (default)")
	printCommand(w, "migrate", "Apply store schemas to the database")
	printCommand(w, "health", "Check a running portal's health (HTTP)")

	printSection(w, "RECONCILIATION")
	printCommand(w, "soa check", "Match a statement CSV against an invoice CSV offline")
	printCommand(w, "soa runs", "Show journaled offline check runs")

	printSection(w, "ADMINISTRATION")
	printCommand(w, "tenant add", "Provision a tenant")
	printCommand(w, "user add", "Provision an internal or supplier user")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}
