package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/age-rs/snocat/pkg/authn"
)

var (
	certgenOutDir   string
	certgenValidity time.Duration
	certgenPeers    []string
)

// certgenCmd bootstraps a deployment on a custom trust anchor: one CA
// certificate to distribute as trust_anchor_file, plus a cert/key pair
// per peer.
var certgenCmd = &cobra.Command{
	Use:   "certgen",
	Short: "Generate a CA and peer certificates for a private deployment",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(certgenPeers) == 0 {
			return fmt.Errorf("at least one --peer is required")
		}
		if err := os.MkdirAll(certgenOutDir, 0o700); err != nil {
			return err
		}

		ca, err := authn.GenerateCA("snocat-ca", certgenValidity)
		if err != nil {
			return err
		}
		caPath := filepath.Join(certgenOutDir, "ca.pem")
		if err := os.WriteFile(caPath, ca.CertPEM(), 0o644); err != nil {
			return err
		}
		fmt.Println("wrote", caPath)

		for _, peer := range certgenPeers {
			cert, err := ca.Issue(peer, certgenValidity)
			if err != nil {
				return fmt.Errorf("issue certificate for %s: %w", peer, err)
			}
			certPEM, keyPEM, err := authn.EncodeIdentity(cert)
			if err != nil {
				return err
			}
			certPath := filepath.Join(certgenOutDir, peer+".pem")
			keyPath := filepath.Join(certgenOutDir, peer+".key")
			if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
				return err
			}
			if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
				return err
			}
			fmt.Println("wrote", certPath, "and", keyPath)
		}
		return nil
	},
}

func init() {
	certgenCmd.Flags().StringVar(&certgenOutDir, "out", "certs", "output directory")
	certgenCmd.Flags().DurationVar(&certgenValidity, "validity", 365*24*time.Hour, "certificate validity period")
	certgenCmd.Flags().StringSliceVar(&certgenPeers, "peer", nil, "peer common name (repeatable)")
	rootCmd.AddCommand(certgenCmd)
}
