package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewTemplateCmd создаёт группу команд для мастер-шаблонов.
func NewTemplateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Detect, preview and propose template updates",
	}

	cmd.AddCommand(
		newTemplateVersionsCmd(clientFn, outputFn),
		newTemplatePreviewCmd(clientFn, outputFn),
		newTemplateConflictsCmd(clientFn, outputFn),
		newTemplateProposeCmd(clientFn, outputFn),
		newApproveCmd("approve", "Approve a template update proposal", func(c *Client) approveCall { return c.ApproveTemplate }, clientFn, outputFn),
	)

	return cmd
}

func newTemplateVersionsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "versions",
		Short: "List available master template versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			vs, err := clientFn().TemplateVersions(cmd.Context())
			if err != nil {
				return err
			}

			rows := make([][]string, len(vs))
			for i, v := range vs {
				rows[i] = []string{v}
			}
			out.Print([]string{"VERSION"}, rows, vs)
			return nil
		},
	}
}

var conflictHeaders = []string{"TENANT", "CURRENT", "RISK", "REVIEW", "WARNINGS", "ERROR"}

func conflictRow(r ConflictReport) []string {
	return []string{
		r.TenantID, orDash(r.CurrentVersion), r.RiskLevel,
		strconv.FormatBool(r.RequiresManualReview), strconv.Itoa(len(r.Warnings)), orDash(r.Error),
	}
}

func newTemplatePreviewCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "preview VERSION",
		Short: "Preview a master version across auto-sync tenants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			p, err := clientFn().Preview(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if out.jsonMode {
				out.JSON(p)
				return nil
			}

			out.Detail([][2]string{
				{"Version", p.MasterVersion},
				{"Changed", joinList(p.ChangedFiles)},
				{"Added", joinList(p.AddedFiles)},
				{"Deleted", joinList(p.DeletedFiles)},
				{"Breaking", joinList(p.BreakingChanges)},
				{"Manual review", strconv.FormatBool(p.RequiresManualReview)},
			}, p)

			rows := make([][]string, len(p.Conflicts))
			for i, r := range p.Conflicts {
				rows[i] = conflictRow(r)
			}
			out.Table(conflictHeaders, rows)
			return nil
		},
	}
}

func newTemplateConflictsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts TENANT VERSION",
		Short: "Analyze conflicts between a tenant and a master version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			r, err := clientFn().Conflicts(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if out.jsonMode {
				out.JSON(r)
				return nil
			}

			out.Table(conflictHeaders, [][]string{conflictRow(*r)})
			rows := make([][]string, len(r.Warnings))
			for i, w := range r.Warnings {
				rows[i] = []string{w.Type, w.Severity, joinList(w.AffectedFiles), w.Description}
			}
			if len(rows) > 0 {
				out.Table([]string{"TYPE", "SEVERITY", "FILES", "DESCRIPTION"}, rows)
			}
			return nil
		},
	}
}

func newTemplateProposeCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var notes, tenant, at string
	var resolutions map[string]string

	cmd := &cobra.Command{
		Use:   "propose VERSION",
		Short: "Propose updating tenants to a master template version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scheduledAt, err := parseTime("at", at)
			if err != nil {
				return err
			}

			out := outputFn()
			p, err := clientFn().ProposeTemplate(cmd.Context(), TemplateProposeRequest{
				TemplateVersion: args[0],
				ReleaseNotes:    notes,
				TenantID:        optional(tenant),
				Resolutions:     resolutions,
				ScheduledAt:     scheduledAt,
			})
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Template proposal created: %s", p.ID))
			out.Print(proposalHeaders, [][]string{proposalRow(*p)}, p)
			return nil
		},
	}

	cmd.Flags().StringVar(&notes, "notes", "", "Release notes")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Limit the sync to one tenant")
	cmd.Flags().StringVar(&at, "at", "", "Desired execution time (RFC 3339)")
	cmd.Flags().StringToStringVar(&resolutions, "resolve", nil, "Conflict resolution per file: PATH=keep_local|take_master")

	return cmd
}
