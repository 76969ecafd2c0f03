package cli

import (
	"github.com/spf13/cobra"

	"github.com/mediaq/mediaq/internal/daemon"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the mediaq coordinator",
	Long:  `Start the coordinator API, the health checker and the retention sweeps.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	c := cfg
	if serveHost != "" {
		c.API.Host = serveHost
	}
	if servePort > 0 {
		c.API.Port = servePort
	}

	d, err := daemon.NewWithConfig(cmd.Context(), c)
	if err != nil {
		return err
	}
	return d.Serve(cmd.Context())
}
