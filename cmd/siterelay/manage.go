package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"siterelay/internal/auth"
	"siterelay/internal/inspect"
	"siterelay/internal/policy"
	"siterelay/internal/queue"
	"siterelay/internal/storage"
)

var knownScopes = []string{
	auth.ScopeCommandsRO,
	auth.ScopeCommandsRW,
	auth.ScopeEventsRO,
	auth.ScopeAdmin,
	"*",
}

func runTenantNoun(args []string) int {
	if len(args) < 1 {
		printTenantNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printTenantNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "add":
		if hasHelpFlag(actionArgs) {
			printTenantAddHelp()
			return 0
		}
		return runTenantAdd(actionArgs)
	case "list":
		if hasHelpFlag(actionArgs) {
			printTenantListHelp()
			return 0
		}
		return runTenantList(actionArgs)
	case "help":
		printTenantNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown tenant action: %s\n", action)
		return 1
	}
}

func runTokenNoun(args []string) int {
	if len(args) < 1 {
		printTokenNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printTokenNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "issue":
		if hasHelpFlag(actionArgs) {
			printTokenIssueHelp()
			return 0
		}
		return runTokenIssue(actionArgs)
	case "help":
		printTokenNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown token action: %s\n", action)
		return 1
	}
}

func runCommandNoun(args []string) int {
	if len(args) < 1 {
		printCommandNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printCommandNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "inspect":
		if hasHelpFlag(actionArgs) {
			printCommandInspectHelp()
			return 0
		}
		return runCommandInspect(actionArgs)
	case "help":
		printCommandNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command action: %s\n", action)
		return 1
	}
}

func runAdminNoun(args []string) int {
	if len(args) < 1 {
		printAdminNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printAdminNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "cleanup":
		if hasHelpFlag(actionArgs) {
			printAdminCleanupHelp()
			return 0
		}
		return runAdminCleanup(actionArgs)
	case "help":
		printAdminNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown admin action: %s\n", action)
		return 1
	}
}

func runTenantAdd(args []string) int {
	var configPath, id, plan, siteURL, secret string
	var disabled bool

	fs := flag.NewFlagSet("tenant add", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to config file or directory")
	fs.StringVar(&id, "id", "", "Tenant id")
	fs.StringVar(&plan, "plan", "free", "Plan name")
	fs.StringVar(&siteURL, "url", "", "Site base URL")
	fs.StringVar(&secret, "secret", "", "Shared secret (generated when omitted)")
	fs.BoolVar(&disabled, "disabled", false, "Register the tenant disabled")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if id == "" {
		fmt.Fprintln(os.Stderr, "Error: --id is required")
		return 1
	}
	if siteURL == "" {
		fmt.Fprintln(os.Stderr, "Error: --url is required")
		return 1
	}
	if !strings.HasPrefix(siteURL, "http://") && !strings.HasPrefix(siteURL, "https://") {
		fmt.Fprintln(os.Stderr, "Error: --url must start with http:// or https://")
		return 1
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	provider, err := policy.NewProvider(cfg.Policy.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Policy load error: %v\n", err)
		return 1
	}
	plan = strings.ToLower(plan)
	if !planKnown(provider.Plans(), plan) {
		fmt.Fprintf(os.Stderr, "Error: unknown plan %q (known: %s)\n", plan, strings.Join(sortedPlans(provider.Plans()), ", "))
		return 1
	}

	generated := false
	if secret == "" {
		secret, err = generateSecureToken(32)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate secret: %v\n", err)
			return 1
		}
		generated = true
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.Storage.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	err = queue.New(db).UpsertTenant(ctx, queue.Tenant{
		ID:      id,
		Plan:    plan,
		SiteURL: strings.TrimRight(siteURL, "/"),
		Secret:  secret,
		Enabled: !disabled,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to store tenant: %v\n", err)
		return 1
	}

	fmt.Printf("Tenant %s registered (plan %s)\n", id, plan)
	if generated {
		fmt.Printf("Shared secret: %s\n", secret)
		fmt.Println("Store it with the platform now; it is not shown again.")
	}
	return 0
}

type tenantRow struct {
	ID        string    `json:"id"`
	Plan      string    `json:"plan"`
	SiteURL   string    `json:"site_url"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

func runTenantList(args []string) int {
	fs := flag.NewFlagSet("tenant list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.Storage.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	tenants, err := queue.New(db).ListTenants(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list tenants: %v\n", err)
		return 1
	}

	if *jsonOut {
		// Secrets are deliberately left out of every listing.
		rows := make([]tenantRow, 0, len(tenants))
		for _, t := range tenants {
			rows = append(rows, tenantRow{
				ID:        t.ID,
				Plan:      t.Plan,
				SiteURL:   t.SiteURL,
				Enabled:   t.Enabled,
				CreatedAt: t.CreatedAt,
			})
		}
		data, _ := json.MarshalIndent(rows, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	if len(tenants) == 0 {
		fmt.Println("No tenants registered. Run: siterelay tenant add")
		return 0
	}

	fmt.Printf("%-24s %-12s %-8s %s\n", "ID", "PLAN", "ENABLED", "SITE")
	for _, t := range tenants {
		fmt.Printf("%-24s %-12s %-8t %s\n", t.ID, t.Plan, t.Enabled, t.SiteURL)
	}
	return 0
}

type tokenIssueOutput struct {
	Token     string   `json:"token"`
	Subject   string   `json:"subject"`
	Scopes    []string `json:"scopes"`
	ExpiresAt string   `json:"expires_at"`
}

func runTokenIssue(args []string) int {
	var configPath, subject, scopesArg, format string
	var ttl time.Duration

	fs := flag.NewFlagSet("token issue", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to config file or directory")
	fs.StringVar(&subject, "subject", "", "Token subject (who holds it)")
	fs.StringVar(&scopesArg, "scopes", "", "Comma-separated scopes")
	fs.DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if subject == "" {
		fmt.Fprintln(os.Stderr, "Error: --subject is required")
		return 1
	}
	if scopesArg == "" {
		fmt.Fprintf(os.Stderr, "Error: --scopes is required (known: %s)\n", strings.Join(knownScopes, ", "))
		return 1
	}
	if ttl <= 0 {
		fmt.Fprintln(os.Stderr, "Error: --ttl must be positive")
		return 1
	}

	scopes := parseCSVScopes(scopesArg)
	for _, s := range scopes {
		if !scopeKnown(s) {
			fmt.Fprintf(os.Stderr, "Error: unknown scope %q (known: %s)\n", s, strings.Join(knownScopes, ", "))
			return 1
		}
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	if cfg.API.Auth.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "Error: api.auth.jwt_secret is not configured")
		return 1
	}

	token, err := auth.IssueOperatorToken(cfg.API.Auth.JWTSecret, subject, scopes, ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to issue token: %v\n", err)
		return 1
	}

	expiresAt := time.Now().Add(ttl).UTC().Format(time.RFC3339)
	if format == "json" {
		out := tokenIssueOutput{
			Token:     token,
			Subject:   subject,
			Scopes:    scopes,
			ExpiresAt: expiresAt,
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("Token for %s (expires %s):\n%s\n", subject, expiresAt, token)
	fmt.Println()
	fmt.Println("Use it as: Authorization: Bearer <token>")
	return 0
}

func runCommandInspect(args []string) int {
	fs := flag.NewFlagSet("command inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: siterelay command inspect [--json] <id>")
		return 1
	}
	id := fs.Arg(0)

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.Storage.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	store := queue.New(db)
	if *jsonOut {
		out, err := inspect.BuildJSONReport(ctx, store, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
			return 1
		}
		fmt.Println(out)
		return 0
	}

	out, err := inspect.BuildReport(ctx, store, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}
	fmt.Print(out)
	return 0
}

func runAdminCleanup(args []string) int {
	var configPath string
	var days int

	fs := flag.NewFlagSet("admin cleanup", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to config file or directory")
	fs.IntVar(&days, "days", 0, "Delete terminal commands older than this many days")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	if days <= 0 {
		days = cfg.Retention.Days
	}
	if days <= 0 {
		fmt.Fprintln(os.Stderr, "Error: --days is required when retention is disabled in config")
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.Storage.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	cutoff := time.Now().AddDate(0, 0, -days)
	deleted, err := queue.New(db).Cleanup(ctx, cutoff)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cleanup failed: %v\n", err)
		return 1
	}

	fmt.Printf("Deleted %d terminal commands older than %d days\n", deleted, days)
	return 0
}

func generateSecureToken(byteLen int) (string, error) {
	buf := make([]byte, byteLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func parseCSVScopes(in string) []string {
	parts := strings.Split(in, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func scopeKnown(scope string) bool {
	for _, s := range knownScopes {
		if s == scope {
			return true
		}
	}
	return false
}

func planKnown(plans []string, plan string) bool {
	for _, p := range plans {
		if p == plan {
			return true
		}
	}
	return false
}

func sortedPlans(plans []string) []string {
	out := make([]string, len(plans))
	copy(out, plans)
	sort.Strings(out)
	return out
}

func printTenantNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: siterelay tenant <action> [flags]")
	fmt.Fprintln(w, "Actions: add, list")
}

func printTokenNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: siterelay token <action> [flags]")
	fmt.Fprintln(w, "Actions: issue")
}

func printAdminNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: siterelay admin <action> [flags]")
	fmt.Fprintln(w, "Actions: cleanup")
}

func printCommandNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: siterelay command <action> [flags]")
	fmt.Fprintln(w, "Actions: inspect")
}

func printCommandInspectHelp() {
	fmt.Println("Usage: siterelay command inspect [--json] <id>")
	fmt.Println("Report one command's status, schedule, payload, and outcome from the local database.")
}

func printTenantAddHelp() {
	fmt.Println("Usage: siterelay tenant add --id ID --url URL [--plan PLAN] [--secret SECRET] [--disabled]")
	fmt.Println("Register a tenant or update an existing row. A secret is generated when omitted.")
}

func printTenantListHelp() {
	fmt.Println("Usage: siterelay tenant list [--json]")
	fmt.Println("List registered tenants. Secrets are never printed.")
}

func printTokenIssueHelp() {
	fmt.Println("Usage: siterelay token issue --subject NAME --scopes S1,S2 [--ttl DUR] [--format human|json]")
	fmt.Printf("Mint a scoped operator JWT. Known scopes: %s\n", strings.Join(knownScopes, ", "))
}

func printAdminCleanupHelp() {
	fmt.Println("Usage: siterelay admin cleanup [--days N]")
	fmt.Println("Delete completed/failed/cancelled commands older than N days (default from retention config).")
}
