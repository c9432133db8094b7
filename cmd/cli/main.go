// Command accessctl is a thin client for the facilityaccess API.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

type command struct {
	name    string
	summary string
	run     func(args []string) error
}

var commands = []command{
	{"token", "mint an operator token (needs JWT_SECRET) and save it", runToken},
	{"evaluate", "evaluate access for a user at a door", runEvaluate},
	{"unlock", "unlock a door", runUnlock},
	{"lock", "lock a door", runLock},
	{"doors", "list doors", runDoors},
	{"logs", "query access logs", runLogs},
	{"export", "export access logs as CSV", runExport},
	{"stats", "show access statistics", runStats},
	{"suspicious", "show users and IPs with repeated failures", runSuspicious},
	{"verify", "verify the tamper-evident log chain", runVerify},
}

func main() {
	if len(os.Args) < 2 || os.Args[1] == "help" || os.Args[1] == "-h" || os.Args[1] == "--help" {
		printUsage()
		if len(os.Args) < 2 {
			os.Exit(1)
		}
		return
	}

	name, args := os.Args[1], os.Args[2:]
	for _, c := range commands {
		if c.name != name {
			continue
		}
		if err := c.run(args); err != nil {
			if errors.Is(err, pflag.ErrHelp) {
				return
			}
			fmt.Fprintf(os.Stderr, "✗ %s: %v\n", name, err)
			os.Exit(1)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "unknown command: %s\n", name)
	printUsage()
	os.Exit(1)
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false
	return fs
}

func printUsage() {
	fmt.Print(`accessctl: facilityaccess API client

Usage:
  accessctl <command> [flags]

Commands:
`)
	for _, c := range commands {
		fmt.Printf("  %-11s %s\n", c.name, c.summary)
	}
	fmt.Print(`
Environment Variables:
  ACCESSCTL_API    API endpoint (default: http://localhost:8080)
  ACCESSCTL_TOKEN  operator token (default: the one saved by "accessctl token")
  JWT_SECRET       signing secret, only needed by "token"

Examples:
  accessctl token --tenant gym-1 --user admin-1 --role ADMIN
  accessctl evaluate --door front --user member-7
  accessctl logs --result DENIED --limit 20
  accessctl export --from 2024-05-01T00:00:00Z -o may.csv
`)
}
