package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewProposalCmd создаёт группу команд для proposals развёртывания.
func NewProposalCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proposal",
		Short: "Review deployment proposals",
	}

	cmd.AddCommand(
		newProposeCmd(clientFn, outputFn),
		newProposalPendingCmd(clientFn, outputFn),
		newProposalShowCmd(clientFn, outputFn),
		newApproveCmd("approve", "Approve a proposal and schedule its job", func(c *Client) approveCall { return c.Approve }, clientFn, outputFn),
		newProposalRejectCmd(clientFn, outputFn),
	)

	return cmd
}

var proposalHeaders = []string{"ID", "KIND", "VERSION", "STATUS", "RISK", "TENANTS", "PROPOSED_BY"}

func proposalRow(p ProposalResponse) []string {
	return []string{p.ID, p.Kind, p.Version, p.Status, p.RiskLevel, joinList(p.AffectedTenants), p.ProposedBy}
}

func newProposeCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var notes, tenant, payloadFile, at string

	cmd := &cobra.Command{
		Use:   "propose VERSION",
		Short: "Propose deploying a version",
		Args:  cobra.ExactArgs(1),
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
			p, err := clientFn().Propose(cmd.Context(), ProposeRequest{
				Version:      args[0],
				ReleaseNotes: notes,
				Payload:      payload,
				TenantID:     optional(tenant),
				ScheduledAt:  scheduledAt,
			})
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Proposal created: %s", p.ID))
			out.Print(proposalHeaders, [][]string{proposalRow(*p)}, p)
			return nil
		},
	}

	cmd.Flags().StringVar(&notes, "notes", "", "Release notes")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Limit the deployment to one tenant")
	cmd.Flags().StringVar(&payloadFile, "payload", "", "Migration payload file (YAML or JSON, - for stdin)")
	cmd.Flags().StringVar(&at, "at", "", "Desired execution time (RFC 3339)")

	return cmd
}

func newProposalPendingCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List proposals awaiting review",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			ps, err := clientFn().ListPending(cmd.Context())
			if err != nil {
				return err
			}

			rows := make([][]string, len(ps))
			for i, p := range ps {
				rows[i] = proposalRow(p)
			}
			out.Print(proposalHeaders, rows, ps)
			return nil
		},
	}
}

func newProposalShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show proposal details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			p, err := clientFn().GetProposal(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out.Detail([][2]string{
				{"ID", p.ID},
				{"Kind", p.Kind},
				{"Version", p.Version},
				{"Status", p.Status},
				{"Risk", p.RiskLevel},
				{"Tenants", joinList(p.AffectedTenants)},
				{"Proposed by", p.ProposedBy},
				{"Reviewed by", orDash(p.ReviewedBy)},
				{"Rejection", orDash(p.RejectionReason)},
				{"Rollback plan", orDash(p.RollbackPlan)},
				{"Job", orDash(p.JobID)},
			}, p)
			return nil
		},
	}
}

func newApproveCmd(use, short string, pick func(*Client) approveCall, clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var notes, at string

	cmd := &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scheduledAt, err := parseTime("at", at)
			if err != nil {
				return err
			}

			out := outputFn()
			r, err := pick(clientFn())(cmd.Context(), args[0], ReviewRequest{Notes: notes, ScheduledAt: scheduledAt})
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Proposal approved, job scheduled: %s", r.JobID))
			out.Print([]string{"PROPOSAL", "JOB"}, [][]string{{r.ProposalID, r.JobID}}, r)
			return nil
		},
	}

	cmd.Flags().StringVar(&notes, "notes", "", "Review notes")
	cmd.Flags().StringVar(&at, "at", "", "Override execution time (RFC 3339)")

	return cmd
}

func newProposalRejectCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "reject ID",
		Short: "Reject a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			p, err := clientFn().Reject(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Proposal rejected: %s", p.ID))
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Rejection reason (required)")
	_ = cmd.MarkFlagRequired("reason")

	return cmd
}
