package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/wagate/internal/gateway"
	"github.com/haasonsaas/wagate/pkg/models"
)

// =============================================================================
// Tenants Command Handlers
// =============================================================================

func runTenantsList(cmd *cobra.Command, flags *tenantsFlags) error {
	client, err := flags.client()
	if err != nil {
		return err
	}
	var resp struct {
		Tenants []models.Session `json:"tenants"`
	}
	if err := client.getJSON(cmd.Context(), "/v1/tenants", &resp); err != nil {
		return err
	}
	if flags.jsonOut {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	if len(resp.Tenants) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tenants.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TENANT\tGENERATION\tCONNECTIVITY\tHANDLE\tUPDATED")
	for _, s := range resp.Tenants {
		handle := "-"
		if s.Identity != nil {
			handle = s.Identity.Handle
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			s.TenantID, s.Generation, s.Connectivity, handle, s.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runTenantsProvision(cmd *cobra.Command, flags *tenantsFlags, tenantID string) error {
	client, err := flags.client()
	if err != nil {
		return err
	}
	var resp struct {
		Session models.Session `json:"session"`
		Created bool           `json:"created"`
	}
	if err := client.postJSON(cmd.Context(), tenantPath(tenantID), nil, &resp); err != nil {
		return err
	}
	if flags.jsonOut {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	verb := "Existing"
	if resp.Created {
		verb = "Created"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s session for %s (generation %d, %s)\n",
		verb, resp.Session.TenantID, resp.Session.Generation, resp.Session.Connectivity)
	return nil
}

func runTenantsStatus(cmd *cobra.Command, flags *tenantsFlags, tenantID string) error {
	client, err := flags.client()
	if err != nil {
		return err
	}
	var status models.Status
	if err := client.getJSON(cmd.Context(), tenantPath(tenantID, "status"), &status); err != nil {
		return err
	}
	if flags.jsonOut {
		return printJSON(cmd.OutOrStdout(), status)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Tenant:       %s\n", status.TenantID)
	fmt.Fprintf(out, "Generation:   %d\n", status.Generation)
	fmt.Fprintf(out, "Connectivity: %s\n", status.Connectivity)
	if status.Identity != nil {
		fmt.Fprintf(out, "Account:      %s (%s)\n", status.Identity.Handle, status.Identity.Name)
	}
	if status.Retry != nil {
		fmt.Fprintf(out, "Retry:        attempt %d/%d, next at %s\n",
			status.Retry.Attempt, status.Retry.MaxAttempts, status.Retry.NextAttemptAt.Format(time.RFC3339))
	}
	if status.LastError != "" {
		fmt.Fprintf(out, "Last error:   %s\n", status.LastError)
	}
	return nil
}

func runTenantsPairing(cmd *cobra.Command, flags *tenantsFlags, tenantID, qrPath string) error {
	client, err := flags.client()
	if err != nil {
		return err
	}
	var resp struct {
		TenantID     string `json:"tenant_id"`
		PairingToken string `json:"pairing_token"`
	}
	if err := client.getJSON(cmd.Context(), tenantPath(tenantID, "pairing"), &resp); err != nil {
		if isCode(err, "NOT_AVAILABLE") {
			return fmt.Errorf("no pairing token for %s: the session is not awaiting pairing", tenantID)
		}
		return err
	}

	if qrPath != "" {
		png, err := client.getBytes(cmd.Context(), tenantPath(tenantID, "pairing.png"))
		if err != nil {
			return err
		}
		if err := os.WriteFile(qrPath, png, 0o600); err != nil {
			return fmt.Errorf("write qr: %w", err)
		}
	}

	if flags.jsonOut {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.PairingToken)
	return nil
}

func runTenantsRestart(cmd *cobra.Command, flags *tenantsFlags, tenantID string) error {
	client, err := flags.client()
	if err != nil {
		return err
	}
	var session models.Session
	if err := client.postJSON(cmd.Context(), tenantPath(tenantID, "restart"), nil, &session); err != nil {
		return err
	}
	if flags.jsonOut {
		return printJSON(cmd.OutOrStdout(), session)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Restarted %s (generation %d)\n", session.TenantID, session.Generation)
	return nil
}

func runTenantsRemove(cmd *cobra.Command, flags *tenantsFlags, tenantID string, purge bool) error {
	client, err := flags.client()
	if err != nil {
		return err
	}
	path := tenantPath(tenantID)
	if purge {
		path += "?purge=true"
	}
	if err := client.delete(cmd.Context(), path); err != nil {
		return err
	}
	if purge {
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s and its credentials\n", tenantID)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Destroyed session for %s\n", tenantID)
	return nil
}

func runTenantsSend(cmd *cobra.Command, flags *tenantsFlags, tenantID, to, body string) error {
	client, err := flags.client()
	if err != nil {
		return err
	}
	var result models.SendResult
	req := gateway.SendRequest{To: to, Body: body}
	if err := client.postJSON(cmd.Context(), tenantPath(tenantID, "messages"), req, &result); err != nil {
		return err
	}
	if flags.jsonOut {
		return printJSON(cmd.OutOrStdout(), result)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent %s\n", result.DeliveryID)
	return nil
}

func runTenantsConversations(cmd *cobra.Command, flags *tenantsFlags, tenantID string, limit int) error {
	client, err := flags.client()
	if err != nil {
		return err
	}
	path := tenantPath(tenantID, "conversations")
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var resp struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	if err := client.getJSON(cmd.Context(), path, &resp); err != nil {
		return err
	}
	if flags.jsonOut {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	if len(resp.Conversations) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No conversations.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tGROUP\tMESSAGES\tLAST")
	for _, c := range resp.Conversations {
		fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\n",
			c.ID, c.Name, c.IsGroup, c.MessageCount, c.LastMessageAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
