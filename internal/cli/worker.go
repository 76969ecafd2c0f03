package cli

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mediaq/mediaq/internal/client"
	"github.com/mediaq/mediaq/internal/worker"
)

func init() {
	f := workerCmd.Flags()
	f.String("id", "", "Worker id (default <hostname>-<uuid>)")
	f.Duration("interval", 0, "Pause between poll cycles")
	f.Duration("timeout", 0, "Wall-clock limit for one extraction")
	f.String("work-dir", "", "Scratch directory for extraction output")
	f.String("extractor", "", "Extractor program, run as <extractor> [args] <url> <dir>")
	f.StringSlice("extractor-arg", nil, "Extra argument passed to the extractor (repeatable)")
	f.Bool("once", false, "Run one poll cycle and exit")

	for key, flag := range map[string]string{
		"worker.id":             "id",
		"worker.poll_interval":  "interval",
		"worker.timeout":        "timeout",
		"worker.work_dir":       "work-dir",
		"worker.extractor":      "extractor",
		"worker.extractor_args": "extractor-arg",
	} {
		viper.BindPFlag(key, f.Lookup(flag))
	}
	rootCmd.AddCommand(workerCmd)
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Poll the coordinator and process extraction tasks",
	Long: `Run an extraction worker. The worker polls the coordinator for pending
tasks, claims them one at a time, runs the configured extractor under a
timeout, uploads the audio and subtitle files and reports the result.

Every flag can also be set with an environment variable, for example
MEDIAQ_WORKER_EXTRACTOR or MEDIAQ_SERVER.`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	w := cfg.Worker
	w.ID = override("worker.id", w.ID)
	w.PollInterval = override("worker.poll_interval", w.PollInterval)
	w.Timeout = override("worker.timeout", w.Timeout)
	w.WorkDir = override("worker.work_dir", w.WorkDir)
	w.Extractor = override("worker.extractor", w.Extractor)
	if viper.IsSet("worker.extractor_args") {
		w.ExtractorArgs = viper.GetStringSlice("worker.extractor_args")
	}

	if w.Extractor == "" {
		return fmt.Errorf("no extractor configured: set worker.extractor or pass --extractor")
	}
	if w.ID == "" {
		w.ID = worker.DefaultID()
	}
	interval, err := time.ParseDuration(w.PollInterval)
	if err != nil {
		return fmt.Errorf("worker.poll_interval: %w", err)
	}
	timeout, err := time.ParseDuration(w.Timeout)
	if err != nil {
		return fmt.Errorf("worker.timeout: %w", err)
	}
	chunk, err := cfg.Storage.ChunkBytes()
	if err != nil {
		return err
	}

	entry := log.WithFields(log.Fields{"component": "worker", "worker": w.ID})
	c, err := client.New(w.Server, client.Options{
		ClientID:  w.ID,
		ChunkSize: chunk,
		Logger:    entry.WithField("server", w.Server),
	})
	if err != nil {
		return err
	}

	wk, err := worker.New(c, &worker.CommandExtractor{Path: w.Extractor, Args: w.ExtractorArgs}, worker.Config{
		Interval: interval,
		Timeout:  timeout,
		WorkDir:  w.WorkDir,
		Logger:   entry,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if once, _ := cmd.Flags().GetBool("once"); once {
		n, err := wk.RunOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Processed %d task(s)\n", n)
		return nil
	}

	fmt.Printf("Worker %s polling %s\n", w.ID, w.Server)
	return wk.Run(ctx)
}
