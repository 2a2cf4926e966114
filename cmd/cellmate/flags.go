package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	EnvFile         string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool

	// Command is the subcommand, Args its remaining arguments
	Command string
	Args    []string
}

// PublishFlags configures the publish subcommand
type PublishFlags struct {
	Image   string
	Width   int
	Height  int
	Format  string
	Fx      float64
	Fy      float64
	Cx      float64
	Cy      float64
	Topic   string
	Timeout time.Duration
}

var errHelp = errors.New("help requested")

func parseFlags(args []string, stderr io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := newRootFlagSet(cfg, stderr)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, errHelp
		}
		return nil, err
	}

	if rest := fs.Args(); len(rest) > 0 {
		cfg.Command = rest[0]
		cfg.Args = rest[1:]
	}

	// Override log level if debug is set
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	return cfg, nil
}

// printHelp prints help information
func printHelp(stderr io.Writer) {
	fs := newRootFlagSet(&CLIConfig{}, stderr)
	fs.Usage()
}

func newRootFlagSet(cfg *CLIConfig, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)

	// Define flags with environment variable fallback
	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("CELLMATE_CONFIG", ""),
		"Path to a YAML or JSON configuration file (env: CELLMATE_CONFIG)")

	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("CELLMATE_CONFIG", ""),
		"Path to a YAML or JSON configuration file (env: CELLMATE_CONFIG)")

	fs.StringVar(&cfg.EnvFile, "env-file",
		getEnv("CELLMATE_ENV_FILE", ""),
		"Dotenv file supplying CELLMATE_* overrides; the process environment wins (env: CELLMATE_ENV_FILE)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("CELLMATE_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: CELLMATE_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("CELLMATE_LOG_FORMAT", "json"),
		"Log format: json, text (env: CELLMATE_LOG_FORMAT)")

	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("CELLMATE_DEBUG", false),
		"Enable debug mode (env: CELLMATE_DEBUG)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("CELLMATE_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: CELLMATE_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() {
		printDetailedHelp(stderr, fs)
	}
	return fs
}

func validateFlags(cfg *CLIConfig) error {
	// Skip validation for special flags
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	if cfg.EnvFile != "" {
		if _, err := os.Stat(cfg.EnvFile); err != nil {
			return fmt.Errorf("env file not found: %s", cfg.EnvFile)
		}
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.Validate {
		return nil
	}

	switch cfg.Command {
	case "publish", "serve":
	case "":
		return errors.New("missing command: publish or serve")
	default:
		return fmt.Errorf("unknown command: %s", cfg.Command)
	}

	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}

	return nil
}

func parsePublishFlags(args []string, stderr io.Writer) (*PublishFlags, error) {
	pf := &PublishFlags{}
	fs := flag.NewFlagSet(appName+" publish", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&pf.Image, "image", "", "Image file: .png, .jpg, .jpeg, or raw pixels")
	fs.IntVar(&pf.Width, "width", 0, "Width of a raw image")
	fs.IntVar(&pf.Height, "height", 0, "Height of a raw image")
	fs.StringVar(&pf.Format, "format", "gray8", "Pixel format of a raw image: gray8, rgb24, rgba32")
	fs.Float64Var(&pf.Fx, "fx", 0, "Focal length x in pixels")
	fs.Float64Var(&pf.Fy, "fy", 0, "Focal length y in pixels")
	fs.Float64Var(&pf.Cx, "cx", 0, "Principal point x in pixels")
	fs.Float64Var(&pf.Cy, "cy", 0, "Principal point y in pixels")
	fs.StringVar(&pf.Topic, "topic", "", "Request topic, overrides client.topic")
	fs.DurationVar(&pf.Timeout, "timeout", 0, "Reply timeout, overrides client.reply_timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, errHelp
		}
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	if pf.Image == "" {
		return nil, errors.New("--image is required")
	}
	if pf.Width < 0 || pf.Height < 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%d", pf.Width, pf.Height)
	}
	if pf.Timeout < 0 {
		return nil, fmt.Errorf("invalid timeout: %s", pf.Timeout)
	}
	return pf, nil
}

func printDetailedHelp(w io.Writer, fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(w, `%s - image request/reply over pub/sub

Usage: %s [options] <command> [command options]

Commands:
  publish   Send one image and print the reply
  serve     Answer image requests until interrupted

Options:
`, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(w, `
Examples:
  # Send a PNG with its calibration
  %s --config=cellmate.yaml publish --image=frame.png --fx=500 --fy=500 --cx=320 --cy=240

  # Send a raw 640x480 greyscale buffer
  %s publish --image=frame.raw --width=640 --height=480 --format=gray8

  # Run the receiving application with text logs
  %s --log-format=text serve

  # Validate configuration only
  %s --config=cellmate.yaml --validate

  # Take broker settings from a dotenv file
  %s --env-file=.env serve

Version: %s
Build: %s
`, appName, appName, appName, appName, appName, Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Utility function to check if slice contains string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
