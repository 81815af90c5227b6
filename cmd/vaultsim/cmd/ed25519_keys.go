package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"gitlab.com/mayachain/vaultsim/common/crypto/ed25519"
)

func GetEd25519Keys() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ed25519 [hex seed]",
		Short: "Print the public key and vault address of an ed25519 key",
		Long:  `Without an argument the key is read from stdin, either as a hex seed or as a mnemonic.`,
		Args:  cobra.MaximumNArgs(1),
		RunE:  ed25519Keys,
	}
	return cmd
}

func ed25519Keys(cmd *cobra.Command, args []string) error {
	var secret string
	if len(args) == 1 {
		secret = args[0]
	} else {
		fmt.Fprint(cmd.ErrOrStderr(), "Enter hex seed or mnemonic: ")
		buf := bufio.NewReader(cmd.InOrStdin())
		line, err := buf.ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("fail to read key: %w", err)
		}
		secret = strings.TrimSpace(line)
	}

	key, err := ed25519.PrivateKeyFromString(secret)
	if err != nil {
		return fmt.Errorf("fail to parse key: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "pubkey:  %s\n", key.PubKeyHex())
	fmt.Fprintf(out, "address: %s\n", key.Address())
	return nil
}
