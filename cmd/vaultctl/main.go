package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/havenhealth/auditvault/internal/ledger"
	"github.com/havenhealth/auditvault/internal/retention"
	"github.com/havenhealth/auditvault/internal/vault"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile   string
	vaultRoot string
	jsonOut   bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vaultctl",
	Short: "Audit vault operations CLI",
	Long: `vaultctl operates directly on a local audit vault: it inspects the
event ledger and verification chain, verifies stored files, rotates
encryption keys, and manages retention policies and disposal records.

Run it on the vault host while auditd is stopped, or point it at a copy
of the vault directory for offline forensics.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.SetConfigName("auditd")
			viper.SetConfigType("yaml")
			viper.AddConfigPath("configs")
			viper.AddConfigPath(".")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if vaultRoot == "" {
			vaultRoot = viper.GetString("vault.root")
		}
		if vaultRoot == "" {
			vaultRoot = "vaultdata"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default configs/auditd.yaml)")
	rootCmd.PersistentFlags().StringVar(&vaultRoot, "vault", "", "vault root directory (default from config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "emit JSON instead of tables")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(rotateCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(retentionCmd)
	rootCmd.AddCommand(versionCmd)

	retentionCmd.AddCommand(retentionPoliciesCmd)
	retentionCmd.AddCommand(retentionHoldsCmd)
	retentionCmd.AddCommand(retentionCertsCmd)
}

// openVault wires the vault store and ledger from the local directory.
func openVault() (*vault.Store, *ledger.Ledger, error) {
	logger := zap.NewNop()

	ks, err := vault.OpenKeystore(vaultRoot+"/keys", logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open keystore: %w", err)
	}
	store, err := vault.NewStore(vaultRoot, ks, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open vault store: %w", err)
	}

	ledgerDir := viper.GetString("ledger.dir")
	if ledgerDir == "" {
		ledgerDir = vaultRoot + "/ledger"
	}
	l := ledger.New(ks.SigningKey(), ledgerDir, ks, logger)
	if err := l.Open(context.Background()); err != nil {
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}
	store.SetResealer(l)
	return store, l, nil
}

func openEngine(store *vault.Store, l *ledger.Ledger) (*retention.Engine, error) {
	stateDir := viper.GetString("retention.state_dir")
	if stateDir == "" {
		stateDir = vaultRoot + "/retention"
	}
	ss, err := retention.NewStateStore(stateDir, store.CertificatesDir())
	if err != nil {
		return nil, err
	}
	return retention.NewEngine(ss, l, store, zap.NewNop())
}

func emit(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── status ───────────────────────────────────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vault, ledger, and key status",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, l, err := openVault()
		if err != nil {
			return err
		}
		defer l.Close() //nolint:errcheck

		files, err := store.ListFiles()
		if err != nil {
			return err
		}

		if jsonOut {
			return emit(map[string]any{
				"vault_root":  vaultRoot,
				"key_version": store.Keystore().CurrentVersion(),
				"files":       len(files),
				"chain_tip":   l.LastHash(),
			})
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "Vault root:\t%s\n", vaultRoot)
		fmt.Fprintf(w, "Key version:\t%d\n", store.Keystore().CurrentVersion())
		fmt.Fprintf(w, "Stored files:\t%d\n", len(files))
		fmt.Fprintf(w, "Ledger tip:\t%s\n", l.LastHash())
		return w.Flush()
	},
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyFiles bool

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the event hash chain and, optionally, every stored file",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, l, err := openVault()
		if err != nil {
			return err
		}
		defer l.Close() //nolint:errcheck

		events, err := l.Query(ledger.Criteria{})
		if err != nil {
			return err
		}

		chainErr := l.VerifyEvents(events)
		if jsonOut {
			out := map[string]any{"events": len(events), "chain_valid": chainErr == nil}
			if chainErr != nil {
				out["chain_error"] = chainErr.Error()
			}
			if err := emit(out); err != nil {
				return err
			}
		} else if chainErr != nil {
			fmt.Printf("chain: BROKEN over %d events: %v\n", len(events), chainErr)
		} else {
			fmt.Printf("chain: OK (%d events)\n", len(events))
		}

		if !verifyFiles {
			if chainErr != nil {
				return fmt.Errorf("verification failed")
			}
			return nil
		}

		files, err := store.ListFiles()
		if err != nil {
			return err
		}
		bad := 0
		for _, name := range files {
			report, err := store.VerifyFileIntegrity(context.Background(), name)
			if err != nil {
				return fmt.Errorf("verify %s: %w", name, err)
			}
			if !report.Valid {
				bad++
				fmt.Printf("file: %s INVALID %v\n", name, report.Errors)
			}
		}
		if !jsonOut {
			fmt.Printf("files: %d checked, %d invalid\n", len(files), bad)
		}
		if chainErr != nil || bad > 0 {
			return fmt.Errorf("verification failed")
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyFiles, "files", false, "also verify every stored container")
}

// ── rotate-keys ──────────────────────────────────────────────────────────────

var rotateCmd = &cobra.Command{
	Use:   "rotate-keys",
	Short: "Rotate the encryption key and re-encrypt all stored files",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, l, err := openVault()
		if err != nil {
			return err
		}
		defer l.Close() //nolint:errcheck

		report, err := store.RotateEncryptionKey(context.Background())
		if err != nil {
			return err
		}
		if jsonOut {
			return emit(report)
		}
		fmt.Printf("rotated to key version %d, re-encrypted %d files in %s\n",
			report.NewVersion, len(report.Reencrypted), report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
		return nil
	},
}

// ── export ───────────────────────────────────────────────────────────────────

var (
	exportFormat string
	exportFrom   string
	exportTo     string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit events for external compliance review",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, l, err := openVault()
		if err != nil {
			return err
		}
		defer l.Close() //nolint:errcheck

		to := time.Now().UTC()
		from := to.AddDate(0, -1, 0)
		if exportFrom != "" {
			if from, err = time.Parse(time.RFC3339, exportFrom); err != nil {
				return fmt.Errorf("invalid --from: %w", err)
			}
		}
		if exportTo != "" {
			if to, err = time.Parse(time.RFC3339, exportTo); err != nil {
				return fmt.Errorf("invalid --to: %w", err)
			}
		}
		return l.Export(os.Stdout, from, to, ledger.ExportFormat(exportFormat))
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "export format: json or csv")
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "start of export window (RFC 3339)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "end of export window (RFC 3339)")
}

// ── retention ────────────────────────────────────────────────────────────────

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Inspect retention policies, legal holds, and disposal certificates",
}

var retentionPoliciesCmd = &cobra.Command{
	Use:   "policies",
	Short: "List retention policies",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, l, err := openVault()
		if err != nil {
			return err
		}
		defer l.Close() //nolint:errcheck
		engine, err := openEngine(store, l)
		if err != nil {
			return err
		}

		policies := engine.Policies()
		if jsonOut {
			return emit(policies)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tRETENTION\tPRIORITY\tAUTO")
		for _, p := range policies {
			auto := "-"
			switch {
			case p.AutoDelete:
				auto = "delete"
			case p.AutoArchive:
				auto = "archive"
			}
			fmt.Fprintf(w, "%s\t%s\t%dd\t%d\t%s\n", p.ID, p.Name, p.RetentionPeriodDays, p.Priority, auto)
		}
		return w.Flush()
	},
}

var retentionHoldsCmd = &cobra.Command{
	Use:   "holds",
	Short: "List legal holds",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, l, err := openVault()
		if err != nil {
			return err
		}
		defer l.Close() //nolint:errcheck
		engine, err := openEngine(store, l)
		if err != nil {
			return err
		}

		holds := engine.Holds()
		if jsonOut {
			return emit(holds)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCASE\tSTATUS\tPRESERVED\tCREATED")
		for _, h := range holds {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				h.ID, h.CaseReference, h.Status, len(h.PreservedEvents), h.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var retentionCertsCmd = &cobra.Command{
	Use:   "certificates",
	Short: "List disposal certificates",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, l, err := openVault()
		if err != nil {
			return err
		}
		defer l.Close() //nolint:errcheck
		engine, err := openEngine(store, l)
		if err != nil {
			return err
		}

		certs, err := engine.Certificates()
		if err != nil {
			return err
		}
		if jsonOut {
			return emit(certs)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDATE\tMETHOD\tRESOURCES")
		for _, c := range certs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
				c.ID, c.DisposalDate.Format(time.RFC3339), c.Method, len(c.ResourcesDisposed))
		}
		return w.Flush()
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the vaultctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("vaultctl", version)
	},
}
