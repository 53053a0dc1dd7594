package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chimera-gw/chimera/internal/adapter/outbound/ledgerfile"
	"github.com/chimera-gw/chimera/internal/config"
	"github.com/chimera-gw/chimera/internal/domain/ledger"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and verify the decision ledger",
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Replay the hash chain and report tampering",
	Long: `Replay the ledger's hash chain from the genesis anchor.

Each entry's hash must equal the digest of its canonical form chained
onto the previous hash. Any edited, removed, or reordered line breaks
every hash from that point on. With no path argument the configured
ledger.path is verified.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}

		path := cfg.Ledger.Path
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			return fmt.Errorf("no ledger path: pass one or set ledger.path")
		}

		entries, err := ledgerfile.ReadAll(path)
		if err != nil {
			return err
		}
		if err := ledger.VerifyChain(entries, cfg.Ledger.Genesis); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Printf("%s: chain intact, %d entries\n", path, len(entries))
		return nil
	},
}

func init() {
	ledgerCmd.AddCommand(ledgerVerifyCmd)
	rootCmd.AddCommand(ledgerCmd)
}
