package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mediaq/mediaq/internal/domain"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task and its artifact",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("task id %q: %w", args[0], err)
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	job, err := c.Task(cmd.Context(), id)
	if err != nil {
		return err
	}
	printJob(os.Stdout, job)
	return nil
}

func printJob(w io.Writer, j *domain.Job) {
	fmt.Fprintf(w, "Task:       %d\n", j.Task.ID)
	fmt.Fprintf(w, "URL:        %s\n", j.Task.URL)
	fmt.Fprintf(w, "Status:     %s\n", statusColor(j.Task.Status))
	fmt.Fprintf(w, "Queued:     %s\n", j.Task.CreatedAt.Format("2006-01-02 15:04:05"))
	if j.Task.ClaimedBy != "" {
		fmt.Fprintf(w, "Claimed by: %s\n", j.Task.ClaimedBy)
	}
	fmt.Fprintf(w, "Artifact:   %s (%s)\n", j.Artifact.ID, j.Artifact.Status)
	if j.Artifact.Title != "" {
		fmt.Fprintf(w, "Title:      %s\n", j.Artifact.Title)
	}
	if j.Artifact.AudioRef != "" {
		fmt.Fprintf(w, "Audio:      /download/%s\n", j.Artifact.AudioRef)
	}
	if j.Artifact.SubtitleRef != "" {
		fmt.Fprintf(w, "Subtitle:   /download/%s\n", j.Artifact.SubtitleRef)
	}
	if j.Artifact.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:      %s\n", color.RedString(j.Artifact.ErrorMessage))
	}
}

func statusColor(s domain.TaskStatus) string {
	switch s {
	case domain.TaskCompleted:
		return color.GreenString(string(s))
	case domain.TaskFailed:
		return color.RedString(string(s))
	case domain.TaskProcessing:
		return color.CyanString(string(s))
	}
	return color.YellowString(string(s))
}
