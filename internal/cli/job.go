package cli

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
)

// NewJobCmd создаёт группу команд для заданий deploy и rollback.
func NewJobCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and cancel jobs",
	}

	cmd.AddCommand(
		newJobStatusCmd("Show job status", func(c *Client) jobGetter { return c.JobStatus }, clientFn, outputFn),
		newJobCancelCmd("Cancel a scheduled job", func(c *Client) jobCanceller { return c.CancelJob }, clientFn, outputFn),
		newReportCmd("deployments", "Deployment and rollback report", clientFn, outputFn),
	)

	return cmd
}

// NewSyncCmd создаёт группу команд для заданий template_sync.
func NewSyncCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Inspect and cancel template sync jobs",
	}

	cmd.AddCommand(
		newJobStatusCmd("Show sync job status", func(c *Client) jobGetter { return c.SyncStatus }, clientFn, outputFn),
		newJobCancelCmd("Cancel a scheduled sync job", func(c *Client) jobCanceller { return c.CancelSync }, clientFn, outputFn),
		newReportCmd("syncs", "Template sync report", clientFn, outputFn),
	)

	return cmd
}

type (
	jobGetter    func(ctx context.Context, id string) (*JobResponse, error)
	jobCanceller func(ctx context.Context, id string) (*CancelResponse, error)
)

var jobHeaders = []string{"ID", "KIND", "VERSION", "TENANT", "STATUS", "PROGRESS", "SCHEDULED"}

func jobRow(j JobResponse) []string {
	return []string{j.ID, j.Kind, j.Version, orDash(j.TenantID), j.Status, progress(&j), j.ScheduledAt}
}

func newJobStatusCmd(short string, pick func(*Client) jobGetter, clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "status ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			j, err := pick(clientFn())(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			pairs := [][2]string{
				{"ID", j.ID},
				{"Kind", j.Kind},
				{"Version", j.Version},
				{"Tenant", orDash(j.TenantID)},
				{"Status", j.Status},
				{"Progress", progress(j)},
				{"Scheduled", j.ScheduledAt},
				{"Started", orDash(j.StartedAt)},
				{"Completed", orDash(j.CompletedAt)},
				{"Error", orDash(j.Error)},
			}
			tenants := make([]string, 0, len(j.TenantErrors))
			for t := range j.TenantErrors {
				tenants = append(tenants, t)
			}
			sort.Strings(tenants)
			for _, t := range tenants {
				pairs = append(pairs, [2]string{"  " + t, j.TenantErrors[t]})
			}

			out.Detail(pairs, j)
			return nil
		},
	}
}

func newJobCancelCmd(short string, pick func(*Client) jobCanceller, clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			r, err := pick(clientFn())(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if !r.Cancelled {
				return fmt.Errorf("job %s is already running or finished", r.JobID)
			}
			out.Success(fmt.Sprintf("Job cancelled: %s", r.JobID))
			return nil
		},
	}
}

func newReportCmd(kind, short string, clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "report",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			fromT, err := parseTime("from", from)
			if err != nil {
				return err
			}
			toT, err := parseTime("to", to)
			if err != nil {
				return err
			}

			out := outputFn()
			r, err := clientFn().Report(cmd.Context(), kind, fromT, toT)
			if err != nil {
				return err
			}
			if out.jsonMode {
				out.JSON(r)
				return nil
			}

			statuses := make([]string, 0, len(r.ByStatus))
			for s := range r.ByStatus {
				statuses = append(statuses, s)
			}
			sort.Strings(statuses)
			pairs := [][2]string{
				{"Jobs", strconv.Itoa(r.TotalJobs)},
				{"Tenants succeeded", strconv.Itoa(r.TenantsSucceeded)},
				{"Tenants failed", strconv.Itoa(r.TenantsFailed)},
			}
			for _, s := range statuses {
				pairs = append(pairs, [2]string{"  " + s, strconv.Itoa(r.ByStatus[s])})
			}
			out.Detail(pairs, r)

			rows := make([][]string, len(r.Recent))
			for i, j := range r.Recent {
				rows[i] = jobRow(j)
			}
			out.Table(jobHeaders, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "Start of the window (RFC 3339)")
	cmd.Flags().StringVar(&to, "to", "", "End of the window (RFC 3339)")

	return cmd
}
