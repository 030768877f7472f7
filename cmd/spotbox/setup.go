package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/chainguard-dev/clog"
	slogmulti "github.com/samber/slog-multi"
)

// setupLog builds the per-command logger: human-readable output on stderr
// teed into an append-only file under <dataDir>/interim/<command>.log, both
// filtered by the -v level. The returned context carries the logger for
// clog.FromContext throughout the lifecycle packages.
func setupLog(ctx context.Context, command string) (context.Context, func()) {
	level := logLevel(verbosity)

	console := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	handler := slog.Handler(console)
	cleanup := func() {}

	logDir := filepath.Join(dataDir, "interim")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		clog.WarnContext(ctx, "failed to create log directory, logging to console only", "path", logDir, "error", err.Error())
	} else {
		logPath := filepath.Join(logDir, command+".log")
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			clog.WarnContext(ctx, "failed to open log file, logging to console only", "path", logPath, "error", err.Error())
		} else {
			fileHandler := slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: level})
			handler = slogmulti.Fanout(console, fileHandler)
			cleanup = func() { _ = logFile.Close() }
		}
	}

	return clog.WithLogger(ctx, clog.New(handler)), cleanup
}

func logLevel(verbosity int) slog.Level {
	switch verbosity {
	case 0:
		return slog.LevelError
	case 1:
		return slog.LevelWarn
	case 2:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// loadAWSConfig resolves credentials and region through the shared AWS
// config chain, honoring the --aws-profile and --region flags.
func loadAWSConfig(ctx context.Context) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if awsProfile != "" {
		opts = append(opts, config.WithSharedConfigProfile(awsProfile))
	}
	if awsRegion != "" {
		opts = append(opts, config.WithRegion(awsRegion))
	}
	return config.LoadDefaultConfig(ctx, opts...)
}

// processedDir is where the lifecycle journals live.
func processedDir() string {
	return filepath.Join(dataDir, "processed")
}
