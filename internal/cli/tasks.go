package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/mediaq/mediaq/internal/domain"
	"github.com/mediaq/mediaq/internal/queue"
)

func init() {
	tasksCmd.Flags().BoolVar(&tasksCompleted, "completed", false, "List completed jobs instead of pending tasks")
	tasksCmd.Flags().IntVar(&tasksPage, "page", 1, "Page of completed jobs")
	rootCmd.AddCommand(tasksCmd)
}

var (
	tasksCompleted bool
	tasksPage      int
)

var tasksCmd = &cobra.Command{
	Use:     "tasks",
	Aliases: []string{"ls"},
	Short:   "List pending tasks or completed jobs",
	RunE:    runTasks,
}

// taskLister is the part of the client the tasks command reads from.
type taskLister interface {
	PendingTasks(ctx context.Context) ([]domain.Task, error)
	Completed(ctx context.Context, page int) (*queue.Page, error)
}

func runTasks(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	return listTasks(cmd.Context(), c, os.Stdout, tasksCompleted, tasksPage)
}

func listTasks(ctx context.Context, c taskLister, w io.Writer, completed bool, n int) error {
	if !completed {
		tasks, err := c.PendingTasks(ctx)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Fprintln(w, "No pending tasks.")
			return nil
		}
		renderTasks(w, tasks, time.Now())
		return nil
	}

	page, err := c.Completed(ctx, n)
	if err != nil {
		return err
	}
	if len(page.Jobs) == 0 {
		fmt.Fprintln(w, "No completed jobs.")
		return nil
	}
	renderJobs(w, page.Jobs)
	fmt.Fprintf(w, "Page %d of %d (%d total)\n", page.Page, page.Pages, page.Total)
	return nil
}

func renderTasks(w io.Writer, tasks []domain.Task, now time.Time) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "URL", "Status", "Queued"})
	table.SetBorder(false)
	for _, t := range tasks {
		table.Append([]string{
			strconv.FormatInt(t.ID, 10),
			t.URL,
			string(t.Status),
			humanize.RelTime(t.CreatedAt, now, "ago", "from now"),
		})
	}
	table.Render()
}

func renderJobs(w io.Writer, jobs []domain.Job) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Title", "Audio", "Subtitle", "Completed"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, j := range jobs {
		table.Append([]string{
			strconv.FormatInt(j.Task.ID, 10),
			j.Artifact.Title,
			j.Artifact.AudioRef,
			j.Artifact.SubtitleRef,
			j.Artifact.CompletedAt.Format("2006-01-02 15:04"),
		})
	}
	table.Render()
}
