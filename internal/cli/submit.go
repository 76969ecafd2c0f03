package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mediaq/mediaq/internal/api"
	"github.com/mediaq/mediaq/internal/domain"
	"github.com/mediaq/mediaq/internal/playlist"
)

func init() {
	submitCmd.Flags().BoolVar(&submitPlaylist, "playlist", false, "Expand playlist URLs into one task per video")
	rootCmd.AddCommand(submitCmd)
}

var submitPlaylist bool

var submitCmd = &cobra.Command{
	Use:   "submit <url> [url...]",
	Short: "Queue media URLs for extraction",
	Example: `  mediaq submit https://www.youtube.com/watch?v=dQw4w9WgXcQ
  mediaq submit --playlist "https://www.youtube.com/playlist?list=PL123"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

// submitter is the part of the client submit needs.
type submitter interface {
	AddTask(ctx context.Context, rawURL string) (*api.AddTaskResponse, error)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	urls, err := expandURLs(cmd.Context(), playlist.New(), args, submitPlaylist)
	if err != nil {
		return err
	}
	if failed := submitAll(cmd.Context(), c, urls); failed > 0 {
		return fmt.Errorf("%d of %d submission(s) failed", failed, len(urls))
	}
	return nil
}

// expander lists the videos of a playlist URL.
type expander interface {
	Expand(ctx context.Context, rawURL string) ([]playlist.Video, error)
}

// expandURLs replaces playlist URLs by their videos when expand is set.
func expandURLs(ctx context.Context, e expander, args []string, expand bool) ([]string, error) {
	var urls []string
	for _, a := range args {
		if !expand || !playlist.IsPlaylist(a) {
			urls = append(urls, a)
			continue
		}
		videos, err := e.Expand(ctx, a)
		if err != nil {
			return nil, err
		}
		fmt.Printf("Playlist %s: %d video(s)\n", a, len(videos))
		for _, v := range videos {
			urls = append(urls, v.URL)
		}
	}
	return urls, nil
}

// submitAll submits each URL and prints one status line per URL. It returns
// the number of failures; duplicates of active tasks are not counted.
func submitAll(ctx context.Context, s submitter, urls []string) int {
	failed := 0
	for _, u := range urls {
		resp, err := s.AddTask(ctx, u)
		switch {
		case err == nil && resp.Resubmitted:
			fmt.Printf("%s task %d  %s\n", color.YellowString("requeued"), resp.TaskID, u)
		case err == nil:
			fmt.Printf("%s   task %d  %s\n", color.GreenString("queued"), resp.TaskID, u)
		case errors.Is(err, domain.ErrConflict):
			fmt.Printf("%s  %s  %v\n", color.CyanString("skipped"), u, err)
		default:
			fmt.Printf("%s    %s  %v\n", color.RedString("ERROR"), u, err)
			failed++
		}
	}
	return failed
}
