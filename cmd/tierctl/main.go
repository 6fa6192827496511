// Command tierctl is an operator CLI that talks to the tier ledger directly.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/mbd888/tiergate/internal/catalog"
	"github.com/mbd888/tiergate/internal/config"
	"github.com/mbd888/tiergate/internal/ledger"
	"github.com/mbd888/tiergate/internal/logging"
	"github.com/mbd888/tiergate/internal/notify"
	"github.com/mbd888/tiergate/internal/server"
	"github.com/mbd888/tiergate/internal/tier"
)

func main() {
	root := &cobra.Command{
		Use:     "tierctl",
		Short:   "Inspect and repair tier state",
		Version: server.Version,
	}

	root.AddCommand(
		newSnapshotCmd(),
		newGrantCmd(),
		newDowngradeCmd(),
		newSweepCmd(),
		newTransitionsCmd(),
		newModelsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openService wires a tier service against DATABASE_URL. Notifications
// queued by CLI actions land in the same table the server relays from.
func openService(ctx context.Context) (*tier.Service, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	models := catalog.Default()
	if cfg.ModelsFile != "" {
		if models, err = catalog.Load(cfg.ModelsFile); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	svc := server.NewTierService(cfg, ledger.NewPostgresStore(db), notify.NewPostgresStore(db), models, logger)

	return svc, func() { _ = db.Close() }, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot <user-id>",
		Short: "Show a user's tier snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			return printJSON(svc.Snapshot(cmd.Context(), args[0]))
		},
	}
}

func newGrantCmd() *cobra.Command {
	var (
		tokens int64
		ref    string
	)
	cmd := &cobra.Command{
		Use:   "grant <user-id>",
		Short: "Credit purchased tokens and upgrade to paid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if ref == "" {
				return fmt.Errorf("--ref is required so a retried grant is not applied twice")
			}
			svc, closeFn, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := svc.UpgradeToPaid(cmd.Context(), args[0], tokens, ref)
			if err != nil {
				return err
			}
			if res.Duplicate {
				fmt.Println("payment ref already applied; no change")
			}
			return printJSON(res.Account)
		},
	}
	cmd.Flags().Int64Var(&tokens, "tokens", 0, "tokens purchased")
	cmd.Flags().StringVar(&ref, "ref", "", "payment reference used for deduplication")
	return cmd
}

func newDowngradeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "downgrade <user-id>",
		Short: "Finalize a downgrade to free",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := ledger.Reason(reason)
			if !r.IsDowngrade() {
				return fmt.Errorf("reason must be grace_expired, depletion or manual")
			}
			svc, closeFn, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := svc.FinalizeDowngrade(cmd.Context(), args[0], r)
			if err != nil {
				return err
			}
			if res == nil {
				fmt.Println("no transition")
				return nil
			}
			if res.Forfeited > 0 {
				fmt.Printf("forfeited %d paid tokens\n", res.Forfeited)
			}
			return printJSON(res.Account)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", string(ledger.ReasonManual), "grace_expired, depletion or manual")
	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Downgrade every account whose grace period has expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := svc.Sweep(cmd.Context())
			fmt.Printf("downgraded %d account(s)\n", n)
			return err
		},
	}
}

func newTransitionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "transitions <user-id>",
		Short: "List a user's tier transitions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			events, err := svc.Transitions(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tFROM\tTO\tREASON\tTOKENS\tPAYMENT REF")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					e.CreatedAt.Format(time.RFC3339), e.FromTier, e.ToTier, e.Reason, e.TokensAtTransition, e.PaymentRef)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum events to show")
	return cmd
}

func newModelsCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List model classifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			table := catalog.Default()
			if path != "" {
				var err error
				if table, err = catalog.Load(path); err != nil {
					return err
				}
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tKIND\tPREMIUM")
			for _, m := range table.All() {
				fmt.Fprintf(w, "%s\t%s\t%t\n", m.ModelID, m.Kind, m.RequiresPremium)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&path, "file", "f", "", "models file (YAML); defaults to the built-in table")
	return cmd
}
