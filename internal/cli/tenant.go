package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewTenantCmd создаёт группу команд для тенантов.
func NewTenantCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants and tenant-scoped jobs",
	}

	cmd.AddCommand(
		newTenantListCmd(clientFn, outputFn),
		newTenantShowCmd(clientFn, outputFn),
		newTenantRegisterCmd(clientFn, outputFn),
		newTenantDeployCmd(clientFn, outputFn),
		newTenantRollbackCmd(clientFn, outputFn),
		newTenantSyncCmd(clientFn, outputFn),
		newTenantHistoryCmd(clientFn, outputFn),
		newTenantDiffCmd(clientFn, outputFn),
	)

	return cmd
}

var tenantHeaders = []string{"ID", "NAME", "ACTIVE", "AUTO_DEPLOY", "AUTO_SYNC", "VERSION", "TEMPLATE"}

func tenantRow(t TenantResponse) []string {
	return []string{
		t.ID, t.Name,
		strconv.FormatBool(t.IsActive), strconv.FormatBool(t.AutoDeploy), strconv.FormatBool(t.AutoSync),
		orDash(t.CurrentVersion), orDash(t.CurrentTemplateVersion),
	}
}

func newTenantListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			ts, err := clientFn().ListTenants(cmd.Context())
			if err != nil {
				return err
			}

			rows := make([][]string, len(ts))
			for i, t := range ts {
				rows[i] = tenantRow(t)
			}
			out.Print(tenantHeaders, rows, ts)
			return nil
		},
	}
}

func newTenantShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			t, err := clientFn().GetTenant(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out.Print(tenantHeaders, [][]string{tenantRow(*t)}, t)
			return nil
		},
	}
}

func newTenantRegisterCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var req TenantRequest
	var inactive bool

	cmd := &cobra.Command{
		Use:   "register ID",
		Short: "Register or update a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("inactive") {
				active := !inactive
				req.IsActive = &active
			}

			out := outputFn()
			t, err := clientFn().PutTenant(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Tenant registered: %s", t.ID))
			out.Print(tenantHeaders, [][]string{tenantRow(*t)}, t)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Name, "name", "", "Display name")
	cmd.Flags().StringVar(&req.ConnectionDescriptor, "store", "", "Tenant store descriptor (postgres://... or sqlite://...)")
	cmd.Flags().BoolVar(&req.AutoDeploy, "auto-deploy", false, "Include in global deployments")
	cmd.Flags().BoolVar(&req.AutoSync, "auto-sync", false, "Include in global template syncs")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "Exclude from every fan-out")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("store")

	return cmd
}

func newTenantDeployCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var notes, payloadFile, at string

	cmd := &cobra.Command{
		Use:   "deploy TENANT VERSION",
		Short: "Schedule a deployment for one tenant without review",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(payloadFile)
			if err != nil {
				return err
			}
			scheduledAt, err := parseTime("at", at)
			if err != nil {
				return err
			}

			out := outputFn()
			j, err := clientFn().Deploy(cmd.Context(), args[0], DeployRequest{
				Version:     args[1],
				Notes:       notes,
				Payload:     payload,
				ScheduledAt: scheduledAt,
			})
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Deployment scheduled: %s", j.ID))
			out.Print(jobHeaders, [][]string{jobRow(*j)}, j)
			return nil
		},
	}

	cmd.Flags().StringVar(&notes, "notes", "", "Release notes")
	cmd.Flags().StringVar(&payloadFile, "payload", "", "Migration payload file (YAML or JSON, - for stdin)")
	cmd.Flags().StringVar(&at, "at", "", "Execution time (RFC 3339)")

	return cmd
}

func newTenantRollbackCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "rollback TENANT VERSION_ID",
		Short: "Schedule a rollback to a previously deployed version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scheduledAt, err := parseTime("at", at)
			if err != nil {
				return err
			}

			out := outputFn()
			j, err := clientFn().Rollback(cmd.Context(), args[0], RollbackRequest{
				TargetVersionID: args[1],
				ScheduledAt:     scheduledAt,
			})
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Rollback scheduled: %s", j.ID))
			out.Print(jobHeaders, [][]string{jobRow(*j)}, j)
			return nil
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "Execution time (RFC 3339)")

	return cmd
}

func newTenantSyncCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var at string
	var resolutions map[string]string

	cmd := &cobra.Command{
		Use:   "sync TENANT TEMPLATE_VERSION",
		Short: "Schedule a template sync for one tenant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scheduledAt, err := parseTime("at", at)
			if err != nil {
				return err
			}

			out := outputFn()
			j, err := clientFn().Sync(cmd.Context(), args[0], SyncRequest{
				TemplateVersion: args[1],
				Resolutions:     resolutions,
				ScheduledAt:     scheduledAt,
			})
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Template sync scheduled: %s", j.ID))
			out.Print(jobHeaders, [][]string{jobRow(*j)}, j)
			return nil
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "Execution time (RFC 3339)")
	cmd.Flags().StringToStringVar(&resolutions, "resolve", nil, "Conflict resolution per file: PATH=keep_local|take_master")

	return cmd
}

func newTenantHistoryCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "history TENANT",
		Short: "Show tenant version history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			h, err := clientFn().History(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			rows := make([][]string, len(h.Versions))
			for i, v := range h.Versions {
				current := ""
				if v.ID == h.CurrentID {
					current = "*"
				}
				rows[i] = []string{current, v.ID, v.Version, v.Status, strconv.FormatBool(v.IsRollback), orDash(v.DeployedAt), orDash(v.Error)}
			}
			out.Print([]string{"", "ID", "VERSION", "STATUS", "ROLLBACK", "DEPLOYED", "ERROR"}, rows, h)
			return nil
		},
	}
}

func newTenantDiffCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "diff TENANT FROM_ID TO_ID",
		Short: "Compare payloads of two tenant versions",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			d, err := clientFn().Diff(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}

			var rows [][]string
			for _, k := range d.Added {
				rows = append(rows, []string{"+", k})
			}
			for _, k := range d.Removed {
				rows = append(rows, []string{"-", k})
			}
			for _, k := range d.Changed {
				rows = append(rows, []string{"~", k})
			}
			out.Print([]string{"", "KEY"}, rows, d)
			return nil
		},
	}
}
