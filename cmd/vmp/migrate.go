package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/procurehq/vmp/pkg/config"
	"github.com/procurehq/vmp/pkg/database"
)

// runMigrate applies every store schema. Schemas are idempotent
// (CREATE TABLE IF NOT EXISTS) so re-running against a live database is
// safe; serve applies them too, this command just makes deploys explicit.
func runMigrate(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("migrate", flag.ContinueOnError)
	cmd.SetOutput(os.Stderr)

	var timeout time.Duration
	cmd.DurationVar(&timeout, "timeout", 2*time.Minute, "Abort if migrations run longer than this")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	st := newStores(db)
	for _, m := range st.migrations() {
		if err := m.store.Init(ctx); err != nil {
			fmt.Fprintf(stderr, "%s✗%s %-14s %v\n", ColorRed, ColorReset, m.name, err)
			return 1
		}
		fmt.Fprintf(stdout, "%s✓%s %s\n", ColorGreen, ColorReset, m.name)
	}
	fmt.Fprintf(stdout, "\n%sSchema ready:%s %d stores migrated\n", ColorBold, ColorReset, len(st.migrations()))
	return 0
}
