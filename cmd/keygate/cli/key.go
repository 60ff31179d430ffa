package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keygatehq/keygate/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list, revoke, and rotate the API keys callers use to authenticate against Keygate.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())
	cmd.AddCommand(newKeyRotateCmd())

	return cmd
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		plan     string
		override int
		meta     []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Generate a new API key on a plan. The raw key is shown once and cannot be retrieved again.",
		Example: `  keygate key create --plan pro
  keygate key create --plan enterprise --override 20000
  keygate key create --plan free --meta customer_email=a@b.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyCreate(plan, override, meta)
		},
	}

	cmd.Flags().StringVar(&plan, "plan", "", "Plan for the key (required)")
	cmd.Flags().IntVar(&override, "override", 0, "Per-minute rate limit overriding the plan default")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "Metadata entry as key=value (repeatable)")
	cmd.MarkFlagRequired("plan")

	return cmd
}

func runKeyCreate(plan string, override int, meta []string) error {
	store, err := openConfigStore()
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	defer store.Close()

	metadata := make(map[string]string, len(meta))
	for _, entry := range meta {
		k, v, ok := strings.Cut(entry, "=")
		if !ok {
			return fmt.Errorf("invalid --meta entry %q (want key=value)", entry)
		}
		metadata[k] = v
	}

	var overridePtr *int
	if override > 0 {
		overridePtr = &override
	}

	keys := service.NewKeyStore(store)
	cred, rawKey, err := keys.Create(context.Background(), plan, overridePtr, metadata)
	if err != nil {
		return fmt.Errorf("create key: %w", err)
	}

	fmt.Println("API Key created:")
	fmt.Println()
	fmt.Printf("  Key:   %s\n", rawKey)
	fmt.Printf("  ID:    %d\n", cred.ID)
	fmt.Printf("  Plan:  %s (%d req/min)\n", cred.Plan, cred.EffectiveLimit())
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyList(jsonOutput bool) error {
	store, err := openConfigStore()
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	defer store.Close()

	keys := service.NewKeyStore(store)
	creds, err := keys.List(context.Background())
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}

	type keyRow struct {
		ID     int64  `json:"id"`
		Prefix string `json:"prefix"`
		Plan   string `json:"plan"`
		Limit  int    `json:"limit_per_min"`
		Active bool   `json:"active"`
	}

	rows := make([]keyRow, len(creds))
	for i, c := range creds {
		rows[i] = keyRow{
			ID:     c.ID,
			Prefix: c.KeyPrefix,
			Plan:   c.Plan,
			Limit:  c.EffectiveLimit(),
			Active: c.IsActive,
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No API keys configured. Use 'keygate key create' to create one.")
		return nil
	}

	fmt.Printf("%-6s %-16s %-12s %-10s %-8s\n", "ID", "PREFIX", "PLAN", "LIMIT/MIN", "ACTIVE")
	fmt.Printf("%-6s %-16s %-12s %-10s %-8s\n", "--", "------", "----", "---------", "------")
	for _, k := range rows {
		active := "yes"
		if !k.Active {
			active = "no"
		}
		fmt.Printf("%-6d %-16s %-12s %-10d %-8s\n", k.ID, k.Prefix, k.Plan, k.Limit, active)
	}

	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key by ID",
		Long:  "Deactivate an API key, preventing any further authenticated requests using that key.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevoke(args[0])
		},
	}

	return cmd
}

func runKeyRevoke(idStr string) error {
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid key ID %q", idStr)
	}

	store, err := openConfigStore()
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	defer store.Close()

	keys := service.NewKeyStore(store)
	if err := keys.Revoke(context.Background(), id); err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}

	fmt.Printf("Revoked API key %d\n", id)
	return nil
}

// ---------- key rotate ----------

func newKeyRotateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotate <id>",
		Short: "Rotate an API key by ID",
		Long:  "Atomically issue a fresh key carrying the old key's plan and settings, and revoke the old key. The new raw key is shown once.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRotate(args[0])
		},
	}

	return cmd
}

func runKeyRotate(idStr string) error {
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid key ID %q", idStr)
	}

	store, err := openConfigStore()
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	defer store.Close()

	keys := service.NewKeyStore(store)
	cred, rawKey, err := keys.Rotate(context.Background(), id)
	if err != nil {
		return fmt.Errorf("rotate key: %w", err)
	}

	fmt.Printf("Rotated API key %d → %d\n", id, cred.ID)
	fmt.Println()
	fmt.Printf("  New key: %s\n", rawKey)
	fmt.Printf("  Plan:    %s (%d req/min)\n", cred.Plan, cred.EffectiveLimit())
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}
