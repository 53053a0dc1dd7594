package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chimera-gw/chimera/internal/domain/auth"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Hash an API key for the HTTP listener config",
	Long: `Hash an API key for use in the gateway.api_keys config list.

The output is a PHC argon2id string that goes in the hash field:

  gateway:
    api_keys:
      - id: agent-1
        hash: "$argon2id$v=19$..."

Example:
  chimera hash-key "my-secret-api-key"

Security note: The key will appear in shell history.
Consider clearing history after use or using an environment variable:
  chimera hash-key "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashKey(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
