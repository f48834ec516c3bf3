package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andresmejia3/spotter/internal/api"
	"github.com/andresmejia3/spotter/internal/config"
	"github.com/andresmejia3/spotter/internal/controller"
	"github.com/andresmejia3/spotter/internal/logger"
	"github.com/andresmejia3/spotter/internal/metrics"
	"github.com/andresmejia3/spotter/internal/store"
	"github.com/andresmejia3/spotter/internal/utils"
	"github.com/spf13/cobra"
)

var (
	// Cfg is the resolved configuration shared by subcommands
	Cfg config.Config
	// Client talks to the detection service
	Client *api.Client
	// Metrics collects client-side counters for the dashboard
	Metrics *metrics.Metrics
	// DB is the optional detection archive, opened on demand
	DB *store.Store

	log *logger.Logger

	configPath   string
	apiURL       string
	logLevel     string
	dbURL        string
	pollInterval time.Duration
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "spotter",
	Short:         "Upload videos to a detection service and follow the results",
	Version:       Version, // This enables the --version flag
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}
		var err error
		Cfg, err = config.Load(path, configPath != "")
		if err != nil {
			return err
		}

		// Flags win over file and environment
		flags := cmd.Flags()
		if flags.Changed("api-url") {
			Cfg.APIURL = apiURL
		}
		if flags.Changed("log-level") {
			Cfg.LogLevel = logLevel
		}
		if flags.Changed("db") {
			Cfg.DatabaseURL = dbURL
		}
		if flags.Changed("poll-interval") {
			Cfg.PollInterval = pollInterval
		}
		if err := Cfg.Validate(); err != nil {
			return err
		}

		level, err := logger.ParseLevel(Cfg.LogLevel)
		if err != nil {
			return err
		}
		log = logger.New(level, os.Stderr, Cfg.LogColor)
		Metrics = metrics.New()

		Client, err = api.New(api.Config{
			BaseURL: Cfg.APIURL,
			Timeout: Cfg.RequestTimeout,
			Headers: Cfg.Headers,
			Logger:  log,
			Metrics: Metrics,
		})
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
			DB = nil
		}
	},
}

// reportedError marks a failure whose error box was already printed.
type reportedError struct{ err error }

func (e reportedError) Error() string { return e.err.Error() }
func (e reportedError) Unwrap() error { return e.err }

// fail prints the error box and returns an error that Execute will not print again.
func fail(context string, err error) error {
	utils.ShowError(context, err)
	return reportedError{err: err}
}

// openArchive connects to the archive when one is configured. With required
// set a missing or unreachable database is an error; otherwise the command
// runs without archiving.
func openArchive(ctx context.Context, required bool) (*store.Store, error) {
	if DB != nil {
		return DB, nil
	}
	if Cfg.DatabaseURL == "" {
		if required {
			return nil, fail("No archive configured", errors.New("set --db or POSTGRES_HOST"))
		}
		return nil, nil
	}

	var err error
	DB, err = store.New(ctx, Cfg.DatabaseURL)
	if err != nil {
		if required {
			return nil, fail("Failed to connect to database", err)
		}
		fmt.Fprintf(os.Stderr, "⚠️  Archive unavailable, results will not be stored: %v\n", err)
		DB = nil
		return nil, nil
	}
	return DB, nil
}

// newController builds a controller over the shared client.
func newController(archive *store.Store) *controller.Controller {
	opts := controller.Options{
		Service:  Client,
		Interval: Cfg.PollInterval,
		Logger:   log,
		Metrics:  Metrics,
	}
	// A typed nil would make the interface non-nil
	if archive != nil {
		opts.Archive = archive
	}
	return controller.New(opts)
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		var reported reportedError
		if errors.As(err, &reported) {
			os.Exit(1)
		}
		utils.Die("Command failed", err)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Config file (default: ~/.spotter.yaml)")
	flags.StringVar(&apiURL, "api-url", "", "Detection service URL (default: $SPOTTER_API_URL or "+config.DefaultAPIURL+")")
	flags.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error, silent")
	flags.StringVar(&dbURL, "db", "", "PostgreSQL connection string for the detection archive (default: built from POSTGRES_* env)")
	flags.DurationVar(&pollInterval, "poll-interval", controller.DefaultInterval, "How often to check job status")
}
