// Package main implements the ossx command line client.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ossx/ossx/internal/client"
	"github.com/ossx/ossx/internal/config"
	"github.com/ossx/ossx/internal/logging"
	"github.com/ossx/ossx/internal/observability"
)

var (
	version = "dev"
	commit  = "unknown"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configFile      string
	envFile         string
	endpoint        string
	bucket          string
	pathStyle       bool
	accessKeyID     string
	accessKeySecret string
	signer          string
	region          string
	logLevel        string
	noCRC           bool
}

// app is the state built once flags are parsed.
type app struct {
	flags    globalFlags
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	bucket   *client.Bucket
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "ossx",
		Short:         "Object storage client with streaming SELECT support",
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return a.setup(cmd.Context(), root)
	}
	root.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		return a.teardown()
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	pf.StringVar(&a.flags.envFile, "env-file", ".env", "Dotenv file loaded before OSSX_* variables are read")
	pf.StringVar(&a.flags.endpoint, "endpoint", "", "Service endpoint")
	pf.StringVarP(&a.flags.bucket, "bucket", "b", "", "Bucket name")
	pf.BoolVar(&a.flags.pathStyle, "path-style", false, "Use path-style addressing")
	pf.StringVar(&a.flags.accessKeyID, "access-key-id", "", "Access key id")
	pf.StringVar(&a.flags.accessKeySecret, "access-key-secret", "", "Access key secret")
	pf.StringVar(&a.flags.signer, "signer", "", "Signature version: v1, v4 or anonymous")
	pf.StringVar(&a.flags.region, "region", "", "Region used by the v4 signer")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.BoolVar(&a.flags.noCRC, "no-crc", false, "Disable CRC64 verification")

	root.AddCommand(
		newGetCmd(a),
		newPutCmd(a),
		newHeadCmd(a),
		newRmCmd(a),
		newLsCmd(a),
		newSelectCmd(a),
		newSelectMetaCmd(a),
		newBatchGetCmd(a),
	)
	return root
}

// setup loads configuration, builds the logger and metrics, and opens the
// bucket.
func (a *app) setup(ctx context.Context, root *cobra.Command) error {
	cfg, err := a.loadConfig(root)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.cfg = cfg

	a.logger, err = logging.New(cfg.Log)
	if err != nil {
		return err
	}

	opts := []client.Option{client.WithLogger(a.logger)}
	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		m, err := observability.NewMetrics(cfg.Metrics.Namespace, a.registry)
		if err != nil {
			return err
		}
		opts = append(opts, client.WithMetrics(m))
	}

	a.bucket, err = client.Open(ctx, cfg, opts...)
	return err
}

func (a *app) teardown() error {
	if a.registry != nil && a.cfg.Metrics.TextFile != "" {
		if err := prometheus.WriteToTextfile(a.cfg.Metrics.TextFile, a.registry); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return nil
}

// loadConfig applies defaults, the config file, the environment and finally
// the flags that were set explicitly.
func (a *app) loadConfig(root *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if a.flags.configFile != "" {
		cfg, err = config.LoadFromFile(a.flags.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	if a.flags.envFile != "" {
		if err := godotenv.Load(a.flags.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", a.flags.envFile, err)
		}
	}
	config.LoadFromEnv(cfg)

	set := root.PersistentFlags().Changed
	if set("endpoint") {
		cfg.Endpoint = a.flags.endpoint
	}
	if set("bucket") {
		cfg.Bucket = a.flags.bucket
	}
	if set("path-style") {
		cfg.PathStyle = a.flags.pathStyle
	}
	if set("access-key-id") {
		cfg.Credentials.AccessKeyID = a.flags.accessKeyID
	}
	if set("access-key-secret") {
		cfg.Credentials.AccessKeySecret = a.flags.accessKeySecret
	}
	if set("signer") {
		cfg.Credentials.Signer = config.SignerVersion(a.flags.signer)
	}
	if set("region") {
		cfg.Credentials.Region = a.flags.region
	}
	if set("log-level") {
		cfg.Log.Level = a.flags.logLevel
	}
	if set("no-crc") {
		cfg.Transfer.EnableCRC = !a.flags.noCRC
	}

	return cfg, nil
}
