package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/freessl/internal/auth"
	"github.com/jmerrifield20/freessl/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	cfgFile   string
	token     string
	insecure  bool
	output    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sslctl",
	Short: "freessl command-line client",
	Long: `sslctl talks to a certd instance: issue and renew certificates, pay for
renewal, inspect scheduled sweeps and read a certificate's audit trail.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.sslctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("SSLCTL")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if token == "" {
			token = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.sslctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "certd base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "bearer token (default from config or SSLCTL_TOKEN)")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "Skip TLS certificate verification (development only)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "text", "Output format: text or json")

	certsCmd.AddCommand(certsListCmd, certsGetCmd, certsIssueCmd, certsRenewCmd)
	ordersCmd.AddCommand(ordersCreateCmd, ordersGetCmd, ordersCancelCmd)
	sweepsCmd.AddCommand(sweepsListCmd, sweepsRunCmd)

	rootCmd.AddCommand(certsCmd, ordersCmd, sweepsCmd, evaluateCmd, auditCmd, tokenCmd, versionCmd)
}

func newClient() (*client.Client, error) {
	opts := []client.Option{}
	if token != "" {
		opts = append(opts, client.WithBearerToken(token))
	}
	if insecure {
		opts = append(opts, client.WithInsecureSkipVerify())
	}
	return client.New(serverURL, opts...)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── certs ────────────────────────────────────────────────────────────────────

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Issue, inspect and renew certificates",
}

var certsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your certificates",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		list, err := c.ListCertificates(cmd.Context())
		if err != nil {
			return fmt.Errorf("list certificates: %w", err)
		}
		if output == "json" {
			return printJSON(cmd.OutOrStdout(), list)
		}
		return printCertTable(cmd.OutOrStdout(), list)
	},
}

var certsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		cert, err := c.GetCertificate(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("get certificate: %w", err)
		}
		return printCert(cmd.OutOrStdout(), cert)
	},
}

var certsIssueCmd = &cobra.Command{
	Use:   "issue <domain> [domain] ...",
	Short: "Issue a new certificate; the first domain is the primary",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		cert, err := c.IssueCertificate(cmd.Context(), args)
		if err != nil {
			return fmt.Errorf("issue certificate: %w", err)
		}
		return printCert(cmd.OutOrStdout(), cert)
	},
}

var certsRenewCmd = &cobra.Command{
	Use:   "renew <id>",
	Short: "Renew a paid certificate now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		cert, err := c.RenewCertificate(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("renew certificate: %w", err)
		}
		return printCert(cmd.OutOrStdout(), cert)
	},
}

func printCert(w io.Writer, cert *client.Certificate) error {
	if output == "json" {
		return printJSON(w, cert)
	}
	fmt.Fprintf(w, "ID:           %s\n", cert.ID)
	fmt.Fprintf(w, "Domains:      %s\n", strings.Join(cert.Domains, ", "))
	fmt.Fprintf(w, "Status:       %s\n", cert.Status)
	fmt.Fprintf(w, "Expires:      %s\n", cert.ExpiresAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Free trial:   %s\n", cert.FreeTrialEndsAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Payment:      %s\n", cert.PaymentStatus)
	fmt.Fprintf(w, "Can renew:    %t\n", cert.CanRenew)
	if cert.NextAction != "" {
		fmt.Fprintf(w, "Next action:  %s\n", cert.NextAction)
	}
	return nil
}

func printCertTable(w io.Writer, list []client.Certificate) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPRIMARY\tSTATUS\tEXPIRES\tPAYMENT")
	for _, cert := range list {
		primary := ""
		if len(cert.Domains) > 0 {
			primary = cert.Domains[0]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			cert.ID, primary, cert.Status, cert.ExpiresAt.Format("2006-01-02"), cert.PaymentStatus)
	}
	return tw.Flush()
}

// ── orders ───────────────────────────────────────────────────────────────────

var (
	orderMethod string
	orderAmount int64
)

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Pay for certificate renewal",
}

var ordersCreateCmd = &cobra.Command{
	Use:   "create <certificate-id>",
	Short: "Open a payment order for a certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		o, err := c.CreateOrder(cmd.Context(), client.CreateOrderRequest{
			CertificateID: args[0],
			Method:        orderMethod,
			AmountCents:   orderAmount,
		})
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		return printOrder(cmd.OutOrStdout(), o)
	},
}

func init() {
	ordersCreateCmd.Flags().StringVar(&orderMethod, "method", "alipay", "Payment method: alipay or wechat")
	ordersCreateCmd.Flags().Int64Var(&orderAmount, "amount", 0, "Amount in cents; 0 uses the server default")
}

var ordersGetCmd = &cobra.Command{
	Use:   "get <order-id>",
	Short: "Show a payment order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		o, err := c.GetOrder(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("get order: %w", err)
		}
		return printOrder(cmd.OutOrStdout(), o)
	},
}

var ordersCancelCmd = &cobra.Command{
	Use:   "cancel <order-id>",
	Short: "Cancel a pending payment order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		o, err := c.CancelOrder(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("cancel order: %w", err)
		}
		return printOrder(cmd.OutOrStdout(), o)
	},
}

func printOrder(w io.Writer, o *client.Order) error {
	if output == "json" {
		return printJSON(w, o)
	}
	fmt.Fprintf(w, "Order:        %s\n", o.OrderID)
	fmt.Fprintf(w, "Certificate:  %s\n", o.CertificateID)
	fmt.Fprintf(w, "Amount:       %d.%02d\n", o.AmountCents/100, o.AmountCents%100)
	fmt.Fprintf(w, "Method:       %s\n", o.Method)
	fmt.Fprintf(w, "Status:       %s\n", o.Status)
	if o.PaidAt != nil {
		fmt.Fprintf(w, "Paid at:      %s\n", o.PaidAt.Format(time.RFC3339))
	}
	return nil
}

// ── sweeps (admin) ───────────────────────────────────────────────────────────

var sweepsCmd = &cobra.Command{
	Use:   "sweeps",
	Short: "Inspect and trigger scheduled sweeps (admin)",
}

var sweepsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show sweep schedule and last results",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		list, err := c.ListSweeps(cmd.Context())
		if err != nil {
			return fmt.Errorf("list sweeps: %w", err)
		}
		if output == "json" {
			return printJSON(cmd.OutOrStdout(), list)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tSCHEDULE\tNEXT RUN\tRUNS\tSKIPS\tIN FLIGHT\tLAST ERROR")
		for _, s := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%t\t%s\n",
				s.Name, s.Schedule, s.NextRun.Format(time.RFC3339), s.Runs, s.Skips, s.InFlight, s.LastError)
		}
		return tw.Flush()
	},
}

var sweepsRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Run a sweep now and wait for its summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		sum, err := c.RunSweep(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("run sweep: %w", err)
		}
		if output == "json" {
			return printJSON(cmd.OutOrStdout(), sum)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d candidates, %d succeeded, %d skipped, %d failed (%s)\n",
			sum.Sweep, sum.Candidates, sum.Succeeded, sum.Skipped, sum.Failed, sum.Duration)
		return nil
	},
}

// ── evaluate / audit (admin) ─────────────────────────────────────────────────

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <certificate-id>",
	Short: "Perform whatever lifecycle action is due for one certificate (admin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		action, err := c.Evaluate(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("evaluate: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), action)
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit <certificate-id>",
	Short: "Print a certificate's audit trail (admin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		entries, err := c.AuditTrail(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("audit trail: %w", err)
		}
		if output == "json" {
			return printJSON(cmd.OutOrStdout(), entries)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "IDX\tTIME\tACTION\tACTOR\tHASH")
		for _, e := range entries {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
				e.Index, e.Timestamp.Format(time.RFC3339), e.Action, e.Actor, shortHash(e.Hash))
		}
		return tw.Flush()
	},
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenSecret string
	tokenOwner  string
	tokenEmail  string
	tokenRole   string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token with the server's signing secret (development only)",
	Long: `token signs a bearer token locally. It needs the same secret certd is
configured with (auth.token_secret), so use it only against development
instances:

  sslctl token --secret "$AUTH_TOKEN_SECRET" --owner 6f1c... --email ops@example.com`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := tokenSecret
		if secret == "" {
			secret = os.Getenv("AUTH_TOKEN_SECRET")
		}
		tokens, err := auth.NewTokens(secret, viper.GetString("token_issuer"))
		if err != nil {
			return err
		}
		owner := uuid.Nil
		if tokenOwner != "" {
			if owner, err = uuid.Parse(tokenOwner); err != nil {
				return fmt.Errorf("invalid --owner: %w", err)
			}
		} else if tokenRole == auth.RoleOwner {
			return fmt.Errorf("--owner is required for owner tokens")
		}
		tok, err := tokens.Issue(owner, tokenEmail, tokenRole, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "signing secret (default $AUTH_TOKEN_SECRET)")
	tokenCmd.Flags().StringVar(&tokenOwner, "owner", "", "owner account ID")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "owner email")
	tokenCmd.Flags().StringVar(&tokenRole, "role", auth.RoleOwner, "role: owner or admin")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", auth.DefaultTTL, "token lifetime")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the sslctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "sslctl %s\n", version)
	},
}
