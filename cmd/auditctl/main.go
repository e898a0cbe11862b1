package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/InspectionAudit/internal/audit"
	"github.com/jmerrifield20/InspectionAudit/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	driver  string
	dsn     string
	verbose bool
)

// errChainBroken makes verify exit non-zero without printing usage.
var errChainBroken = errors.New("audit chain integrity check failed")

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "auditctl",
	Short: "Inspect and verify site-inspection audit chains",
	Long: `auditctl reads a tenant's audit chain directly from the audit store.

It verifies the hash chain, prints entries, shows the chain head and
computes the canonical hash of arbitrary JSON documents.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default configs/auditd.yaml or ./auditd.yaml)")
	rootCmd.PersistentFlags().StringVar(&driver, "driver", "", "storage driver: postgres or sqlite (overrides config)")
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", "", "postgres URL or sqlite file path (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log store activity to stderr")

	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(headCmd)
	rootCmd.AddCommand(hashCmd)
	rootCmd.AddCommand(versionCmd)
}

// openLedger resolves the store from the config file and flag overrides.
func openLedger(ctx context.Context) (audit.Ledger, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	store := cfg.Store()
	if driver != "" {
		store.Driver = driver
	}
	if dsn != "" {
		store.URL = dsn
	}
	if store.Driver == audit.DriverMemory {
		return nil, nil, errors.New("the memory driver holds no persistent chain; use --driver postgres or sqlite")
	}

	logger := zap.NewNop()
	if verbose {
		logger, _ = zap.NewDevelopment()
	}
	return audit.Open(ctx, store, logger)
}

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verifyTenant string
	verifyFormat string
)

var verifyCmd = &cobra.Command{
	Use:   "verify --tenant <id>",
	Short: "Recompute a tenant's hash chain and report the first broken link",
	Long: `Verify walks the tenant's chain from the first entry, recomputing every
entry hash from the stored payload and checking each link to its predecessor.

The command exits with status 1 when the chain is broken.`,
	Args: cobra.NoArgs,
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&verifyTenant, "tenant", "", "tenant ID (required)")
	verifyCmd.Flags().StringVar(&verifyFormat, "format", "text", "Output format: text or json")
	_ = verifyCmd.MarkFlagRequired("tenant")
}

func runVerify(cmd *cobra.Command, _ []string) error {
	ledger, closeLedger, err := openLedger(cmd.Context())
	if err != nil {
		return err
	}
	defer closeLedger()

	report, err := ledger.Verify(cmd.Context(), verifyTenant)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if verifyFormat == "json" {
		if err := printJSON(out, report); err != nil {
			return err
		}
	} else if report.Valid {
		fmt.Fprintf(out, "OK  tenant %s: %d entries verified, root %s\n", report.TenantID, report.Entries, rootOrEmpty(report.Root))
	} else {
		v := report.Violation
		fmt.Fprintf(out, "BROKEN  tenant %s\n", report.TenantID)
		fmt.Fprintf(out, "  index:    %d\n", v.Index)
		fmt.Fprintf(out, "  entry:    %s\n", v.EntryID)
		fmt.Fprintf(out, "  check:    %s\n", v.Kind)
		fmt.Fprintf(out, "  expected: %s\n", v.Expected)
		fmt.Fprintf(out, "  actual:   %s\n", v.Actual)
	}

	if !report.Valid {
		return errChainBroken
	}
	return nil
}

func rootOrEmpty(root string) string {
	if root == "" {
		return "(empty chain)"
	}
	return root
}

// ── log ──────────────────────────────────────────────────────────────────────

var (
	logTenant string
	logOffset int
	logLimit  int
	logFormat string
)

var logCmd = &cobra.Command{
	Use:   "log --tenant <id>",
	Short: "Print a tenant's audit entries in chain order",
	Args:  cobra.NoArgs,
	RunE:  runLog,
}

func init() {
	logCmd.Flags().StringVar(&logTenant, "tenant", "", "tenant ID (required)")
	logCmd.Flags().IntVar(&logOffset, "offset", 0, "Skip this many entries")
	logCmd.Flags().IntVar(&logLimit, "limit", 50, "Maximum entries to print")
	logCmd.Flags().StringVar(&logFormat, "format", "text", "Output format: text or json")
	_ = logCmd.MarkFlagRequired("tenant")
}

func runLog(cmd *cobra.Command, _ []string) error {
	ledger, closeLedger, err := openLedger(cmd.Context())
	if err != nil {
		return err
	}
	defer closeLedger()

	entries, err := ledger.List(cmd.Context(), logTenant, logOffset, logLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if logFormat == "json" {
		return printJSON(out, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintf(out, "no entries for tenant %s\n", logTenant)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tCREATED\tACTOR\tROLE\tENTITY\tACTION\tENTRY HASH")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s/%s\t%s\t%s\n",
			e.Seq, e.CreatedAt.Format(time.RFC3339), e.ActorUserID, e.ActorRole,
			e.EntityType, e.EntityID, e.Action, shortHash(e.EntryHash))
	}
	return w.Flush()
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}

// ── head ─────────────────────────────────────────────────────────────────────

var headTenant string

var headCmd = &cobra.Command{
	Use:   "head --tenant <id>",
	Short: "Print the most recent entry of a tenant's chain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ledger, closeLedger, err := openLedger(cmd.Context())
		if err != nil {
			return err
		}
		defer closeLedger()

		head, err := ledger.Head(cmd.Context(), headTenant)
		if errors.Is(err, audit.ErrNotFound) {
			return fmt.Errorf("tenant %s has no audit entries", headTenant)
		}
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), head)
	},
}

func init() {
	headCmd.Flags().StringVar(&headTenant, "tenant", "", "tenant ID (required)")
	_ = headCmd.MarkFlagRequired("tenant")
}

// ── hash ─────────────────────────────────────────────────────────────────────

var hashPrev string

var hashCmd = &cobra.Command{
	Use:   "hash <file|->",
	Short: "Print the canonical form and SHA-256 of a JSON document",
	Long: `Hash canonicalises a JSON document (keys sorted, compact separators,
non-ASCII escaped) and prints its SHA-256. With --prev it also prints the
entry hash the document would receive when appended after that hash.

  auditctl hash payload.json
  echo '{"b":2,"a":1}' | auditctl hash --prev GENESIS -`,
	Args: cobra.ExactArgs(1),
	RunE: runHash,
}

func init() {
	hashCmd.Flags().StringVar(&hashPrev, "prev", "", "previous entry hash (use GENESIS for the first entry)")
}

func runHash(cmd *cobra.Command, args []string) error {
	var r io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	if !json.Valid(data) {
		return fmt.Errorf("%w: input is not valid JSON", audit.ErrNotCanonical)
	}

	doc := json.RawMessage(data)
	canonical, err := audit.Canonicalize(doc)
	if err != nil {
		return err
	}
	payloadHash, err := audit.CanonicalHash(doc)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "canonical:    %s\n", canonical)
	fmt.Fprintf(out, "payload_hash: %s\n", payloadHash)
	if hashPrev != "" {
		entryHash, err := audit.ChainHash(hashPrev, doc)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "entry_hash:   %s\n", entryHash)
	}
	return nil
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the auditctl version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "auditctl %s\n", version)
	},
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
