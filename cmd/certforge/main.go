// Command certforge runs the certificate-issuance control plane: an HTTP
// command channel through which authenticated requestors enroll, confirm,
// revoke and retrieve certificates from the configured CAs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build-time variables (injected by the release pipeline)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "certforge",
	Short: "Certificate-issuance control plane",
	Long: `certforge exposes certification authorities over an HTTP command
channel. Requestors authenticate with TLS client certificates and are
bound to per-CA permission sets and certificate-profile allow-lists.

Commands are addressed as /<ca>/<command>: enrollment (enroll,
enroll_kup, poll_cert, confirm_enroll, revoke_pending_cert), revocation
(revoke_cert, unsuspend_cert, remove_cert), CRLs (gen_crl, crl) and
retrieval (get_cert, cacert, cacertchain, health).

Examples:
  # Start the server with a configuration file
  certforge serve --config /etc/certforge/certforge.yaml

  # Verify an audit log's hash chain
  certforge audit verify --log /var/log/certforge/audit.log`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
