package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/codelaboratoryltd/cpesim/pkg/admin"
	"github.com/codelaboratoryltd/cpesim/pkg/connreq"
	"github.com/codelaboratoryltd/cpesim/pkg/datamodel"
	"github.com/codelaboratoryltd/cpesim/pkg/deviceauth"
	"github.com/codelaboratoryltd/cpesim/pkg/metrics"
	"github.com/codelaboratoryltd/cpesim/pkg/session"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cpesim",
	Short: "TR-069 CPE simulator",
	Long: `cpesim - a simulated CWMP (TR-069) device for testing ACS
implementations without physical hardware.

The device is seeded from a data model file and checks in with the ACS
periodically and on connection request.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a simulated device",
	RunE:  runDevice,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print the seeded parameter tree",
	RunE:  inspectDevice,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cpesim version %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
	},
}

var (
	configFile string
	logLevel   string
	acsURL     string
	dataModel  string
	deviceRow  int
	serial     string
	username   string
	password   string

	// Connection request listener
	listenPort      int
	bindAddress     string
	connRequestAuth bool

	metricsAddr string
	adminAddr   string

	// ACS client
	insecureSkipVerify bool
	requestTimeout     time.Duration
	digestCNonce       string
	digestNC           string
	retryOnError       bool

	inspectPrefix string
)

func init() {
	authDefaults := deviceauth.DefaultConfig()

	runCmd.Flags().StringVarP(&configFile, "config", "c", "/etc/cpesim/config.yaml",
		"Configuration file path")
	runCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info",
		"Log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&acsURL, "acs-url", "",
		"ACS URL (e.g. http://acs.example.com:7547/)")
	runCmd.Flags().StringVarP(&dataModel, "data-model", "m", "",
		"Data model seed file (.csv, .yaml or .yml)")
	runCmd.Flags().IntVar(&deviceRow, "device", 0,
		"Device row in a CSV data model")
	runCmd.Flags().StringVar(&serial, "serial", "",
		"Override DeviceInfo.SerialNumber")
	runCmd.Flags().StringVar(&username, "username", "",
		"ACS username (defaults to ManagementServer.Username)")
	runCmd.Flags().StringVar(&password, "password", "",
		"ACS password (defaults to ManagementServer.Password)")

	runCmd.Flags().IntVar(&listenPort, "listen-port", 0,
		"Connection request port (0 = ephemeral)")
	runCmd.Flags().StringVar(&bindAddress, "bind-address", "",
		"Connection request bind address (default: local address facing the ACS)")
	runCmd.Flags().BoolVar(&connRequestAuth, "conn-request-auth", false,
		"Require digest auth on connection requests using ConnectionRequestUsername/Password")

	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "",
		"Prometheus metrics listen address (empty = disabled)")
	runCmd.Flags().StringVar(&adminAddr, "admin-addr", "",
		"Admin API listen address (empty = disabled)")

	runCmd.Flags().BoolVar(&insecureSkipVerify, "insecure-skip-verify", false,
		"Skip ACS TLS certificate verification")
	runCmd.Flags().DurationVar(&requestTimeout, "request-timeout", 30*time.Second,
		"Timeout for each ACS exchange")
	runCmd.Flags().StringVar(&digestCNonce, "digest-cnonce", authDefaults.CNonce,
		"Client nonce sent in digest responses")
	runCmd.Flags().StringVar(&digestNC, "digest-nc", authDefaults.NonceCount,
		"Nonce count sent in digest responses")
	runCmd.Flags().BoolVar(&retryOnError, "retry-on-error", false,
		"Keep running after a failed session instead of exiting")

	inspectCmd.Flags().StringVarP(&dataModel, "data-model", "m", "",
		"Data model seed file (.csv, .yaml or .yml)")
	inspectCmd.Flags().IntVar(&deviceRow, "device", 0,
		"Device row in a CSV data model")
	inspectCmd.Flags().StringVar(&inspectPrefix, "prefix", "",
		"Only print parameters under this prefix")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(versionCmd)
}

func runDevice(cmd *cobra.Command, args []string) error {
	logger, err := initLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	// Load config file before consuming flag values.
	// CLI flags that were explicitly set take precedence.
	if err := loadConfigFile(cmd, logger); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if acsURL == "" {
		return errors.New("--acs-url is required")
	}

	tree, err := loadTree()
	if err != nil {
		return err
	}

	if serial != "" {
		path, _, ok := tree.Lookup("DeviceInfo.SerialNumber")
		if !ok {
			return errors.New("--serial given but the data model has no DeviceInfo.SerialNumber")
		}
		if err := tree.SetValue(path, serial); err != nil {
			return err
		}
	}

	logger.Info("Starting cpesim",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("acs_url", acsURL),
		zap.String("data_model", dataModel),
		zap.Int("parameters", tree.Len()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	m := metrics.New(logger)
	if err := m.Register(); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	engineCfg := session.DefaultConfig()
	engineCfg.ACSURL = acsURL
	engineCfg.Auth = deviceauth.Config{
		Username:   username,
		Password:   password,
		CNonce:     digestCNonce,
		NonceCount: digestNC,
	}
	engineCfg.RequestTimeout = requestTimeout
	engineCfg.InsecureSkipVerify = insecureSkipVerify
	engineCfg.RetryOnError = retryOnError
	engineCfg.Metrics = m
	engineCfg.Logger = logger.Named("session")

	engine, err := session.New(tree, engineCfg)
	if err != nil {
		return err
	}

	crUser, crPass := connreq.Credentials(tree)
	listener := connreq.New(connreq.Config{
		ACSURL:      acsURL,
		Port:        listenPort,
		BindAddress: bindAddress,
		RequireAuth: connRequestAuth,
		Username:    crUser,
		Password:    crPass,
	}, engine, logger.Named("connreq"))
	if err := listener.Start(ctx); err != nil {
		return err
	}
	connreq.Advertise(tree, listener.URL())

	var adminServer *admin.Server
	if adminAddr != "" {
		adminServer = admin.New(admin.Config{
			ListenAddr: adminAddr,
			Metrics:    m.Handler(),
		}, engine, tree, logger.Named("admin"))
		if err := adminServer.Start(); err != nil {
			return fmt.Errorf("failed to start admin API: %w", err)
		}
	}

	var metricsServer *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsServer = &http.Server{
			Addr:              metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("Starting metrics server", zap.String("addr", metricsAddr))
			if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
				logger.Error("Metrics server error", zap.Error(err))
			}
		}()
	}

	stopMetrics := make(chan struct{})
	m.StartCollector(engine, 5*time.Second, stopMetrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()

		close(stopMetrics)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := listener.Stop(shutdownCtx); err != nil {
			logger.Warn("Failed to stop connection request listener", zap.Error(err))
		}
		if adminServer != nil {
			if err := adminServer.Stop(shutdownCtx); err != nil {
				logger.Warn("Failed to stop admin API", zap.Error(err))
			}
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Failed to stop metrics server", zap.Error(err))
			}
		}
		return nil
	})

	logger.Info("cpesim started",
		zap.String("connection_request_url", listener.URL()),
		zap.String("admin", adminAddr),
		zap.String("metrics", metricsAddr),
	)

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("cpesim stopped")
	return nil
}

func inspectDevice(cmd *cobra.Command, args []string) error {
	tree, err := loadTree()
	if err != nil {
		return err
	}

	for _, path := range tree.PathsWithPrefix(inspectPrefix) {
		p, _ := tree.Get(path)
		access := "r"
		if p.Writable {
			access = "rw"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", path, access, p.Type, p.Value)
	}
	return nil
}

func loadTree() (*datamodel.Tree, error) {
	if dataModel == "" {
		return nil, errors.New("--data-model is required")
	}
	params, err := datamodel.LoadFile(dataModel, deviceRow)
	if err != nil {
		return nil, err
	}
	return datamodel.NewTree(params), nil
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.Encoding = "json"

	return config.Build()
}

// loadConfigFile reads a YAML config file and applies values to unset flags.
// CLI flags take precedence over config file values.
func loadConfigFile(cmd *cobra.Command, logger *zap.Logger) error {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg map[string]string
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", configFile, err)
	}

	logger.Info("Loaded config file", zap.String("path", configFile), zap.Int("keys", len(cfg)))

	for key, val := range cfg {
		f := cmd.Flags().Lookup(key)
		if f == nil {
			logger.Warn("Unknown config key, skipping", zap.String("key", key))
			continue
		}
		if cmd.Flags().Changed(key) {
			continue
		}
		if err := cmd.Flags().Set(key, val); err != nil {
			logger.Warn("Failed to set config value",
				zap.String("key", key),
				zap.String("value", val),
				zap.Error(err),
			)
		}
	}

	return nil
}
