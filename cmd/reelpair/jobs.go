package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/reelpair/reelpair/internal/job"
	"github.com/reelpair/reelpair/internal/workspace"
)

func newJobsCommand(cc *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage render jobs in the shared store",
	}

	var asJSON bool
	jobsCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Print JSON instead of tables")

	jobsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every job in the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cc.cfg, cc.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			all, err := a.store.LoadAll(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				out := make([]job.Public, 0, len(all))
				for _, j := range all {
					out = append(out, j.Public())
				}
				return writeJSON(cmd.OutOrStdout(), out)
			}
			if len(all) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), jobsTable(all, time.Now()))
			return nil
		},
	})

	jobsCmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cc.cfg, cc.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			j, err := a.svc.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), j.Public())
			}
			fmt.Fprintln(cmd.OutOrStdout(), jobDetail(j, time.Now()))
			return nil
		},
	})

	jobsCmd.AddCommand(&cobra.Command{
		Use:   "retry <id>",
		Short: "Re-queue a failed job; a serving process renders it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cc.cfg, cc.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			j, err := a.svc.Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), j.Public())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s queued for retry\n", j.ID)
			return nil
		},
	})

	var interval time.Duration
	waitCmd := &cobra.Command{
		Use:   "wait <id>",
		Short: "Block until a job finishes, printing progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cc.cfg, cc.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			last := ""
			j, err := a.svc.WaitFor(cmd.Context(), args[0], interval, func(j *job.Job) {
				line := fmt.Sprintf("%-10s %3d%%  %s", j.Status, j.Progress, j.Message)
				if line != last && !asJSON {
					fmt.Fprintln(out, line)
					last = line
				}
			})
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(out, j.Public())
			}
			if j.Status == job.StatusFailed {
				return fmt.Errorf("job %s failed: %s", j.ID, j.Error)
			}
			return nil
		},
	}
	waitCmd.Flags().DurationVar(&interval, "interval", time.Second, "Polling interval")
	jobsCmd.AddCommand(waitCmd)

	return jobsCmd
}

func jobsTable(jobs []*job.Job, now time.Time) string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			j.ID,
			string(j.Status),
			strconv.Itoa(j.Progress) + "%",
			string(j.Controls.Mode),
			humanize.RelTime(j.CreatedAt, now, "ago", "from now"),
			strconv.Itoa(len(j.Warnings)),
		})
	}
	return renderTable(
		[]string{"ID", "Status", "Progress", "Mode", "Created", "Warnings"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignRight},
	)
}

func jobDetail(j *job.Job, now time.Time) string {
	rows := [][]string{
		{"ID", j.ID},
		{"Status", string(j.Status)},
		{"Progress", strconv.Itoa(j.Progress) + "%"},
		{"Message", j.Message},
		{"Mode", string(j.Controls.Mode)},
		{"Created", humanize.RelTime(j.CreatedAt, now, "ago", "from now")},
	}
	if j.FinishedAt != nil {
		rows = append(rows, []string{"Finished", humanize.RelTime(*j.FinishedAt, now, "ago", "from now")})
	}
	if j.Attempt != "" {
		rows = append(rows, []string{"Attempt", j.Attempt})
	}
	if len(j.Warnings) > 0 {
		rows = append(rows, []string{"Warnings", strings.Join(j.Warnings, "\n")})
	}
	if j.Error != "" {
		rows = append(rows, []string{"Error", j.Error})
	}
	if j.Status == job.StatusCompleted && workspace.Exist(j.OutputPath) {
		rows = append(rows, []string{"Output", fmt.Sprintf("%s (%s)", j.OutputPath, humanize.IBytes(uint64(workspace.Size(j.OutputPath))))})
	}
	if j.InputsPurged {
		rows = append(rows, []string{"Files", "purged"})
	}
	return renderTable([]string{"Field", "Value"}, rows, nil)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
