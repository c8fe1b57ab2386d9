package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"dbutils/internal/archive"
	"dbutils/internal/auth"
	"dbutils/internal/codec"
	"dbutils/internal/config"
	"dbutils/internal/handlers"
	"dbutils/internal/metrics"
	"dbutils/internal/server"
	"dbutils/internal/source"
)

const usage = `usage:
  dbutils archive create --db <dir> --output <file> [--overwrite] [--no-checksums]
  dbutils archive unpack (--url <url> | --file <file>) --output <dir> [--window-log-max <n>]
  dbutils archive get (--url <url> | --file <file>) --output <file> [--extract] [--overwrite] [--window-log-max <n>]
  dbutils archive serve --db <dir> [--port <port>]

global flags: --config <env file> --log-file <path> --log-level <level> --metrics-file <path>
`

var errUsage = errors.New("invalid usage")

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

// globalFlags are accepted by every archive subcommand.
type globalFlags struct {
	configFile  string
	logFile     string
	logLevel    string
	metricsFile string
}

func (g *globalFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&g.configFile, "config", "", "Path to config file (overrides CONFIG_FILE env var)")
	fs.StringVar(&g.logFile, "log-file", "", "Also write logs to this file")
	fs.StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&g.metricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile after the command")
}

// apply copies explicitly set flags over the environment configuration.
func (g *globalFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	if fs.Changed("log-file") {
		cfg.LogFile = g.logFile
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = g.logLevel
	}
	if fs.Changed("metrics-file") {
		cfg.MetricsTextfile = g.metricsFile
	}
}

// command runs one subcommand once configuration and logging are set up.
type command func(ctx context.Context, logger *zap.Logger, cfg *config.Config, m *metrics.Metrics) error

// run executes the command line and returns the process exit status.
func run(args []string, stderr io.Writer) int {
	if len(args) < 2 || args[0] != "archive" {
		fmt.Fprint(stderr, usage)
		return 1
	}
	sub := args[1]

	fs := pflag.NewFlagSet("archive "+sub, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	var g globalFlags
	g.register(fs)

	var cmd command
	switch sub {
	case "create":
		cmd = createCommand(fs)
	case "unpack":
		cmd = unpackCommand(fs)
	case "get":
		cmd = getCommand(fs)
	case "serve":
		cmd = serveCommand(fs)
	default:
		fmt.Fprintf(stderr, "unknown archive command %q\n%s", sub, usage)
		return 1
	}

	if err := fs.Parse(args[2:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			fmt.Fprint(stderr, usage)
			return 0
		}
		fmt.Fprintf(stderr, "%v\n%s", err, usage)
		return 1
	}

	if err := loadEnvFile(g.configFile); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "failed to load config: %v\n", err)
		return 1
	}
	g.apply(fs, cfg)

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "failed to init logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = cmd(ctx, logger, cfg, m)

	if cfg.MetricsTextfile != "" {
		if werr := m.WriteTextfile(cfg.MetricsTextfile); werr != nil {
			logger.Warn("failed to write metrics textfile", zap.String("path", cfg.MetricsTextfile), zap.Error(werr))
		}
	}

	if err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(stderr, usage)
		}
		logger.Error("archive "+sub+" failed", zap.String("stage", string(archive.StageOf(err))), zap.Error(err))
		return 1
	}
	return 0
}

func createCommand(fs *pflag.FlagSet) command {
	dbDir := fs.String("db", "", "Storage directory to archive")
	output := fs.String("output", "", "Archive file to write")
	overwrite := fs.Bool("overwrite", false, "Replace the output file if it exists")
	noChecksums := fs.Bool("no-checksums", false, "Omit zstd frame checksums")

	return func(ctx context.Context, logger *zap.Logger, cfg *config.Config, m *metrics.Metrics) error {
		if *dbDir == "" || *output == "" {
			return fmt.Errorf("%w: --db and --output are required", errUsage)
		}
		if *noChecksums {
			cfg.ZstdChecksums = false
		}

		mode := archive.CreateNew
		if *overwrite {
			mode = archive.Overwrite
		}

		summary, err := newArchiver(logger, cfg, m, nil).CreateArchive(*dbDir, *output, mode)
		if err != nil {
			return err
		}
		logger.Info("archive ready",
			zap.String("output", *output),
			zap.Int("files", summary.Files),
			zap.Float64("compression_ratio", summary.CompressionRatio()))
		return nil
	}
}

func unpackCommand(fs *pflag.FlagSet) command {
	rawURL := fs.String("url", "", "URL of the archive (http, https or s3)")
	file := fs.String("file", "", "Local archive file")
	output := fs.String("output", "", "Directory to extract into")
	windowLogMax := fs.Uint("window-log-max", 0, "Largest zstd window log accepted when decoding")

	return func(ctx context.Context, logger *zap.Logger, cfg *config.Config, m *metrics.Metrics) error {
		in, err := source.ParseInput(*rawURL, *file)
		if err != nil {
			return fmt.Errorf("%w: %w", errUsage, err)
		}
		if *output == "" {
			return fmt.Errorf("%w: --output is required", errUsage)
		}
		if err := applyWindowLogMax(fs, *windowLogMax, cfg); err != nil {
			return err
		}

		opener := source.NewOpener(logger, cfg, m)
		summary, err := newArchiver(logger, cfg, m, opener).UnpackArchive(ctx, in, *output)
		if err != nil {
			return err
		}
		logger.Info("archive restored",
			zap.String("input", in.String()),
			zap.String("output", *output),
			zap.Int("files", summary.Files))
		return nil
	}
}

func getCommand(fs *pflag.FlagSet) command {
	rawURL := fs.String("url", "", "URL of the archive (http, https or s3)")
	file := fs.String("file", "", "Local archive file")
	output := fs.String("output", "", "File to write the archive to")
	extract := fs.Bool("extract", false, "Decompress the download to a plain tar file")
	overwrite := fs.Bool("overwrite", false, "Replace the output file if it exists")
	windowLogMax := fs.Uint("window-log-max", 0, "Largest zstd window log accepted when decompressing")

	return func(ctx context.Context, logger *zap.Logger, cfg *config.Config, m *metrics.Metrics) error {
		in, err := source.ParseInput(*rawURL, *file)
		if err != nil {
			return fmt.Errorf("%w: %w", errUsage, err)
		}
		if *output == "" {
			return fmt.Errorf("%w: --output is required", errUsage)
		}
		if err := applyWindowLogMax(fs, *windowLogMax, cfg); err != nil {
			return err
		}

		mode := archive.CreateNew
		if *overwrite {
			mode = archive.Overwrite
		}

		opener := source.NewOpener(logger, cfg, m)
		summary, err := newArchiver(logger, cfg, m, opener).FetchArchive(ctx, in, *output, mode, *extract)
		if err != nil {
			return err
		}
		logger.Info("archive downloaded",
			zap.String("input", in.String()),
			zap.String("output", *output),
			zap.Bool("extracted", *extract),
			zap.Int64("bytes", summary.UncompressedBytes))
		return nil
	}
}

// applyWindowLogMax overrides the decode ceiling when --window-log-max was
// given. Zero would otherwise select the default.
func applyWindowLogMax(fs *pflag.FlagSet, value uint, cfg *config.Config) error {
	if !fs.Changed("window-log-max") {
		return nil
	}
	if value < codec.MinWindowLog || value > codec.MaxDecodeWindowLog {
		return &codec.SetupError{
			Op:  "decoder",
			Err: fmt.Errorf("window log max %d outside [%d, %d]", value, codec.MinWindowLog, codec.MaxDecodeWindowLog),
		}
	}
	cfg.ZstdWindowLogMax = value
	return nil
}

func serveCommand(fs *pflag.FlagSet) command {
	dbDir := fs.String("db", "", "Storage directory to serve")
	port := fs.String("port", "", "Listen port (overrides PORT)")

	return func(ctx context.Context, logger *zap.Logger, cfg *config.Config, m *metrics.Metrics) error {
		if *dbDir == "" {
			return fmt.Errorf("%w: --db is required", errUsage)
		}
		if *port != "" {
			cfg.Port = *port
		}

		m.StartRuntimeMetricsCollector()

		verifier := auth.NewVerifier(cfg.SigningSecret, cfg.EnforceSigning, m)
		archiveHandler := handlers.NewArchiveHandler(
			logger,
			newArchiver(logger, cfg, m, nil),
			*dbDir,
			verifier,
			m,
			cfg.MaxActiveDownloads,
			cfg.ArchiveName,
			cfg.AppendYMD,
		)
		healthHandler := handlers.NewHealthHandler(logger, *dbDir, m)

		srv := server.New(logger, cfg, m, archiveHandler, healthHandler)
		if err := srv.Start(); err != nil {
			return err
		}
		return srv.WaitForShutdown()
	}
}

func newArchiver(logger *zap.Logger, cfg *config.Config, m *metrics.Metrics, opener *source.Opener) *archive.Archiver {
	return archive.New(logger, m, archive.Options{
		BufferSize:         cfg.ArchiveBufferSize,
		Encoder:            cfg.EncoderOptions(),
		DecodeWindowLogMax: cfg.ZstdWindowLogMax,
		Opener:             opener,
	})
}

// newLogger builds a zap logger from the configured level, encoding and log file.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	var zc zap.Config
	if cfg.LogFormat == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.Development = false
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.DisableStacktrace = true
	zc.OutputPaths = []string{"stderr"}
	if cfg.LogFile != "" {
		zc.OutputPaths = append(zc.OutputPaths, cfg.LogFile)
	}

	return zc.Build()
}

// loadEnvFile loads environment variables from a file
// Priority: --config flag > CONFIG_FILE env var > .env file
// A missing .env is ignored; an explicitly named file must exist.
func loadEnvFile(flagConfigFile string) error {
	configFile := flagConfigFile
	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
	}

	if configFile != "" {
		if err := godotenv.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config file %s: %w", configFile, err)
		}
		log.Printf("loaded config from: %s", configFile)
		return nil
	}

	if err := godotenv.Load(); err == nil {
		log.Println("loaded config from: .env")
	}
	return nil
}
