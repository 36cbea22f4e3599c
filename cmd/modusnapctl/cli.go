package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"modusnapd/pkg/types"
)

// ctl is a thin JSON client over the daemon's RPC surface.
type ctl struct {
	addr   string
	apiKey string
	http   *http.Client
}

func (c *ctl) do(method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.addr+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode >= 400 {
		var er types.ErrorResponse
		if json.Unmarshal(raw, &er) == nil && er.Error != "" {
			return fmt.Errorf("%s (%s)", er.Error, er.Kind)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *ctl) print(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(b))
	return nil
}

func buildRootCmd() *cobra.Command {
	c := &ctl{http: &http.Client{Timeout: 20 * time.Minute}}

	root := &cobra.Command{
		Use:           "modusnapctl",
		Short:         "Operator CLI for the modusnapd control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultAddr := "http://localhost:3001"
	if v := os.Getenv("MODUSNAP_CTL_ADDR"); v != "" {
		defaultAddr = v
	}
	root.PersistentFlags().StringVar(&c.addr, "addr", defaultAddr, "daemon address (defaults MODUSNAP_CTL_ADDR)")
	root.PersistentFlags().StringVar(&c.apiKey, "api-key", os.Getenv("MODUSNAP_CTL_KEY"), "API key (defaults MODUSNAP_CTL_KEY)")

	status := &cobra.Command{Use: "status", Short: "Backend and environment status", RunE: func(cmd *cobra.Command, args []string) error {
		var backend types.BackendStatusResponse
		if err := c.do(http.MethodGet, "/api/backend/status", nil, &backend); err != nil {
			return err
		}
		var env types.EnvStatusResponse
		if err := c.do(http.MethodGet, "/api/env/status", nil, &env); err != nil {
			return err
		}
		return c.print(map[string]any{"backend": backend, "env": env})
	}}

	var logLines int
	logs := &cobra.Command{Use: "logs", Short: "Tail the engine and restart logs", RunE: func(cmd *cobra.Command, args []string) error {
		var out types.BackendLogsResponse
		if err := c.do(http.MethodGet, "/api/backend/logs?lines="+strconv.Itoa(logLines), nil, &out); err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, out.ComfyLogTail)
		if out.RestartLogTail != "" {
			fmt.Fprintln(os.Stdout, "--- restart log ---")
			fmt.Fprintln(os.Stdout, out.RestartLogTail)
		}
		return nil
	}}
	logs.Flags().IntVarP(&logLines, "lines", "n", 100, "lines to tail (20-500)")

	var planMode, planTier string
	var planPolicies []string
	plan := &cobra.Command{Use: "plan [packages...]", Short: "Plan an environment transaction", RunE: func(cmd *cobra.Command, args []string) error {
		var out types.TxResponse
		req := types.PlanRequest{Mode: planMode, Packages: args, Policies: planPolicies, Tier: planTier}
		if err := c.do(http.MethodPost, "/api/env/plan", req, &out); err != nil {
			return err
		}
		return c.print(out)
	}}
	plan.Flags().StringVar(&planMode, "mode", "repair", "plan mode: repair|install")
	plan.Flags().StringVar(&planTier, "tier", "", "subscription tier for policy evaluation")
	plan.Flags().StringSliceVar(&planPolicies, "policy", nil, "license policies of the requested packs")

	apply := &cobra.Command{Use: "apply <tx-id>", Short: "Apply a planned transaction", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		var out types.TxResponse
		if err := c.do(http.MethodPost, "/api/env/apply", types.TxIDRequest{ID: args[0]}, &out); err != nil {
			return err
		}
		return c.print(out)
	}}

	rollback := &cobra.Command{Use: "rollback <tx-id>", Short: "Roll a transaction back to its before-snapshot", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		var out types.TxResponse
		if err := c.do(http.MethodPost, "/api/env/rollback", types.TxIDRequest{ID: args[0]}, &out); err != nil {
			return err
		}
		return c.print(out)
	}}

	tx := &cobra.Command{Use: "tx", Short: "Inspect transactions"}
	txList := &cobra.Command{Use: "list", Short: "List transactions", RunE: func(cmd *cobra.Command, args []string) error {
		var out []types.EnvTxSummary
		if err := c.do(http.MethodGet, "/api/env/transactions", nil, &out); err != nil {
			return err
		}
		return c.print(out)
	}}
	txGet := &cobra.Command{Use: "get <tx-id>", Short: "Show one transaction", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		var out types.EnvTx
		if err := c.do(http.MethodGet, "/api/env/transactions/"+args[0], nil, &out); err != nil {
			return err
		}
		return c.print(out)
	}}
	tx.AddCommand(txList, txGet)

	var deep bool
	diagnose := &cobra.Command{Use: "diagnose", Short: "Run diagnostics", RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/diagnostics/status"
		if deep {
			path += "?deep=1"
		}
		var out types.DiagnosticsReport
		if err := c.do(http.MethodGet, path, nil, &out); err != nil {
			return err
		}
		return c.print(out)
	}}
	diagnose.Flags().BoolVar(&deep, "deep", false, "run full subprocess checks")

	fix := &cobra.Command{Use: "fix <issue-id>", Short: "Apply a typed fix", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		var out types.FixResponse
		if err := c.do(http.MethodPost, "/api/diagnostics/fix", types.FixRequest{IssueID: args[0]}, &out); err != nil {
			return err
		}
		return c.print(out)
	}}

	keys := &cobra.Command{Use: "keys", Short: "Manage API keys"}
	keysCreate := &cobra.Command{Use: "create <label>", Short: "Mint a new API key", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		var out types.APIKey
		if err := c.do(http.MethodPost, "/api/keys", map[string]string{"label": args[0]}, &out); err != nil {
			return err
		}
		return c.print(out)
	}}
	keysList := &cobra.Command{Use: "list", Short: "List API keys", RunE: func(cmd *cobra.Command, args []string) error {
		var out []types.APIKey
		if err := c.do(http.MethodGet, "/api/keys", nil, &out); err != nil {
			return err
		}
		return c.print(out)
	}}
	keysRevoke := &cobra.Command{Use: "revoke <key-id>", Short: "Revoke an API key", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		return c.do(http.MethodDelete, "/api/keys/"+args[0], nil, nil)
	}}
	keys.AddCommand(keysCreate, keysList, keysRevoke)

	root.AddCommand(status, logs, plan, apply, rollback, tx, diagnose, fix, keys)
	return root
}
