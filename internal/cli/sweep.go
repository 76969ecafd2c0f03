package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	sweepCmd.Flags().BoolVar(&sweepUploads, "uploads", false, "Purge abandoned upload sessions")
	sweepCmd.Flags().BoolVar(&sweepArtifacts, "artifacts", false, "Reclaim expired artifact files")
	rootCmd.AddCommand(sweepCmd)
}

var (
	sweepUploads   bool
	sweepArtifacts bool
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the coordinator's cleanup sweeps now",
	Long:  `Trigger the upload session and artifact retention sweeps. Without flags both run.`,
	RunE:  runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	both := !sweepUploads && !sweepArtifacts

	if sweepUploads || both {
		n, err := c.CleanupUploads(cmd.Context())
		if err != nil {
			return fmt.Errorf("upload sweep: %w", err)
		}
		fmt.Printf("Purged %d upload session(s)\n", n)
	}
	if sweepArtifacts || both {
		r, err := c.ManageStorage(cmd.Context())
		if err != nil {
			return fmt.Errorf("artifact sweep: %w", err)
		}
		fmt.Printf("Expired %d artifact(s), deleted %d file(s), freed %s\n",
			r.Artifacts, r.DeletedFiles, humanize.IBytes(uint64(r.FreedBytes)))
	}
	return nil
}
