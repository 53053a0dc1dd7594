package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chimera-gw/chimera/internal/domain/warrant"
)

var (
	keygenDir  string
	keygenBits int
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the two routing keypairs",
	Long: `Generate the two routing keypairs.

Two independent RSA keypairs are written under the key directory:

  prime_private.pem  / prime_public.pem   - commits a call to production
  shadow_private.pem / shadow_public.pem  - commits a call to the shadow plane

The gateway signs warrants with the private keys; the backend verifies
with the public keys. The key id in each warrant header is an opaque
fingerprint, so nothing on the wire names a plane.

Existing key files are never overwritten.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, slot := range []string{warrant.SlotPrime, warrant.SlotShadow} {
			if err := warrant.GenerateKeyFiles(keygenDir, slot, keygenBits); err != nil {
				return err
			}
			fmt.Printf("wrote %s keypair under %s\n", slot, keygenDir)
		}
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenDir, "dir", "keys", "directory for the generated key files")
	keygenCmd.Flags().IntVar(&keygenBits, "bits", warrant.DefaultKeyBits, "RSA key size in bits")
	rootCmd.AddCommand(keygenCmd)
}
