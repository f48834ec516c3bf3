package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/andresmejia3/spotter/internal/dashboard"
	"github.com/spf13/cobra"
)

var dashboardAddr string

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Serve the local dashboard (state API, live WebSocket feed, video proxy)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		addr := Cfg.DashboardAddr
		if cmd.Flags().Changed("addr") {
			addr = dashboardAddr
		}

		archive, err := openArchive(ctx, false)
		if err != nil {
			return err
		}
		ctrl := newController(archive)
		defer ctrl.Close()

		// An unreachable service is shown in the dashboard, not fatal
		if err := ctrl.RefreshVideos(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Could not load videos from %s: %v\n", Client.BaseURL(), err)
		}

		srv := dashboard.New(dashboard.Dependencies{
			Controller: ctrl,
			Upstream:   Client,
			Metrics:    Metrics,
			Logger:     log,
			UploadDir:  filepath.Join(Cfg.DownloadDir, "uploads"),
			Version:    Version,
		})

		fmt.Fprintf(os.Stderr, "🖥️  Dashboard for %s on http://%s (Ctrl+C to stop)\n", Client.BaseURL(), addr)
		if err := srv.Start(ctx, addr); err != nil {
			return fail("Dashboard server failed", err)
		}
		return nil
	},
}

func init() {
	dashboardCmd.Flags().StringVar(&dashboardAddr, "addr", "", "Listen address (default: dashboard_addr from config, 127.0.0.1:8090)")
	rootCmd.AddCommand(dashboardCmd)
}
