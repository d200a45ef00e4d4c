package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/store"
)

// tenantsCmd lists stored tenants and their credential state straight
// from the database, without a running server.
var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "List stored tenants and their credential state",
	Long: `List every tenant with stored credentials, per provider, with token
expiry and refresh eligibility.

Example:
  tokengate tenants --config config.yaml --db ./data/tokengate.db`,
	RunE: runTenants,
}

func init() {
	RootCmd.AddCommand(tenantsCmd)
}

type tenantRow struct {
	Provider     string `json:"provider"`
	TenantID     string `json:"tenant_id"`
	ExpiresAt    string `json:"expires_at"`
	Expired      bool   `json:"expired"`
	RefreshToken bool   `json:"has_refresh_token"`
}

func runTenants(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(globalFlags.Config)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	st, err := store.NewSQLiteStoreWithBuffer(globalFlags.DBPath, cfg.Refresh.Buffer)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	providers := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		providers = append(providers, name)
	}
	sort.Strings(providers)

	ctx := context.Background()
	rows := make([]tenantRow, 0)
	for _, provider := range providers {
		creds := st.ForProvider(provider)
		ids, err := creds.ListTenantIDs(ctx)
		if err != nil {
			return fmt.Errorf("failed to list tenants for %s: %w", provider, err)
		}
		for _, id := range ids {
			cred, err := creds.GetCredentials(ctx, id)
			if err != nil || cred == nil {
				continue
			}
			row := tenantRow{
				Provider:     provider,
				TenantID:     id,
				ExpiresAt:    "never",
				RefreshToken: cred.RefreshToken != "",
			}
			if !cred.NeverExpires() {
				row.ExpiresAt = cred.ExpiryTime().UTC().Format(time.RFC3339)
				row.Expired = creds.IsTokenExpired(cred)
			}
			rows = append(rows, row)
		}
	}

	if globalFlags.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No tenants stored.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tTENANT\tEXPIRES\tEXPIRED\tREFRESHABLE")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%v\n", r.Provider, r.TenantID, r.ExpiresAt, r.Expired, r.RefreshToken)
	}
	return w.Flush()
}
