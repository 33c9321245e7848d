package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/procurehq/vmp/pkg/config"
	"github.com/procurehq/vmp/pkg/database"
	"github.com/procurehq/vmp/pkg/identity"
	"github.com/procurehq/vmp/pkg/tenants"
)

// runTenantCmd provisions tenants. The portal has no self-serve signup;
// the first tenant and its first internal user come from this CLI.
func runTenantCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "add" {
		fmt.Fprintln(stderr, "Usage: vmp tenant add --name <name>")
		return 2
	}

	cmd := flag.NewFlagSet("tenant add", flag.ContinueOnError)
	cmd.SetOutput(os.Stderr)

	var (
		name       string
		jsonOutput bool
	)
	cmd.StringVar(&name, "name", "", "Tenant display name (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	if name == "" {
		fmt.Fprintln(stderr, "Error: --name is required")
		cmd.Usage()
		return 2
	}

	cfg := config.Load()
	ctx := context.Background()

	db, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	store := tenants.NewStore(db)
	if err := store.Init(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	t, err := store.CreateTenant(ctx, name)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(t)
		return 0
	}
	fmt.Fprintf(stdout, "%s✓%s tenant created\n", ColorGreen, ColorReset)
	fmt.Fprintf(stdout, "  id:   %s\n", t.ID)
	fmt.Fprintf(stdout, "  name: %s\n", t.Name)
	return 0
}

// runUserCmd provisions portal users. Internal users carry no vendor
// binding; supplier users must name their vendor.
func runUserCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "add" {
		fmt.Fprintln(stderr, "Usage: vmp user add --tenant <id> --email <email> --password <pw> [--internal | --vendor <id>]")
		return 2
	}

	cmd := flag.NewFlagSet("user add", flag.ContinueOnError)
	cmd.SetOutput(os.Stderr)

	var (
		tenantID    string
		email       string
		password    string
		displayName string
		internal    bool
		vendorID    string
		jsonOutput  bool
	)
	cmd.StringVar(&tenantID, "tenant", "", "Tenant id the user belongs to (REQUIRED)")
	cmd.StringVar(&email, "email", "", "Login email (REQUIRED)")
	cmd.StringVar(&password, "password", "", "Initial password, at least 8 characters (REQUIRED)")
	cmd.StringVar(&displayName, "name", "", "Display name")
	cmd.BoolVar(&internal, "internal", false, "Create an internal (AP staff) user")
	cmd.StringVar(&vendorID, "vendor", "", "Vendor id binding a supplier user")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	if tenantID == "" || email == "" || password == "" {
		fmt.Fprintln(stderr, "Error: --tenant, --email, and --password are required")
		cmd.Usage()
		return 2
	}

	cfg := config.Load()
	ctx := context.Background()

	db, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	users := identity.NewUserStore(db)
	if err := users.Init(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	u, err := users.Create(ctx, identity.CreateParams{
		TenantID:    tenantID,
		Email:       email,
		Password:    password,
		DisplayName: displayName,
		Internal:    internal,
		VendorID:    vendorID,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(u)
		return 0
	}
	role := "supplier"
	if u.Internal {
		role = "internal"
	}
	fmt.Fprintf(stdout, "%s✓%s user created\n", ColorGreen, ColorReset)
	fmt.Fprintf(stdout, "  id:    %s\n", u.ID)
	fmt.Fprintf(stdout, "  email: %s\n", u.Email)
	fmt.Fprintf(stdout, "  role:  %s\n", role)
	if u.VendorID != "" {
		fmt.Fprintf(stdout, "  vendor: %s\n", u.VendorID)
	}
	return 0
}
