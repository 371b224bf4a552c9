package common

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application startup banner
func PrintBanner(config *Config, logger arbor.ILogger) {
	version := GetVersion()
	build := GetBuild()

	serviceURL := fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)

	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(80)

	fmt.Printf("\n")
	b.PrintTopLine()
	b.PrintCenteredText("SCOUTD")
	b.PrintCenteredText("Sales Research Job Scheduler")
	b.PrintSeparatorLine()
	b.PrintKeyValue("Version", version, 15)
	b.PrintKeyValue("Build", build, 15)
	b.PrintKeyValue("Environment", config.Environment, 15)
	b.PrintKeyValue("Status URL", serviceURL, 15)
	b.PrintKeyValue("Database", config.SQLite.Path, 15)
	b.PrintBottomLine()
	fmt.Printf("\n")

	logger.Info().
		Str("version", version).
		Str("build", build).
		Str("environment", config.Environment).
		Str("status_url", serviceURL).
		Str("config_file", "scoutd.toml").
		Msg("scoutd started")

	fmt.Printf("Configuration:\n")
	fmt.Printf("   - Config File: scoutd.toml\n")
	fmt.Printf("   - Status API: %s\n", serviceURL)

	logFilePath := ""
	if loggerWithPath, ok := interface{}(logger).(interface{ GetLogFilePath() string }); ok {
		logFilePath = loggerWithPath.GetLogFilePath()
		if logFilePath != "" {
			fmt.Printf("   - Log File: %s\n", logFilePath)
		}
	}
	fmt.Printf("\n")

	logger.Info().
		Str("log_file", logFilePath).
		Int("max_concurrent_jobs", config.Queue.MaxConcurrentJobs).
		Str("worker_path", config.Worker.ExecutablePath).
		Bool("gateway_enabled", config.Gateway.Enabled).
		Msg("Configuration loaded")

	printCapabilities(config, logger)
	fmt.Printf("\n")
}

// printCapabilities displays the system capabilities
func printCapabilities(config *Config, logger arbor.ILogger) {
	fmt.Printf("Enabled Features:\n")
	fmt.Printf("   - Local SQLite job store (WAL mode)\n")
	fmt.Printf("   - Bounded job queue (max %d concurrent)\n", config.Queue.MaxConcurrentJobs)

	if config.Gateway.Enabled {
		fmt.Printf("   - Anthropic-compatible gateway: %s\n", config.Gateway.BaseURL)
	} else {
		fmt.Printf("   - Direct worker invocation (no gateway override)\n")
	}

	if config.Recovery.PeriodicSweep {
		fmt.Printf("   - Periodic recovery sweep: %s\n", config.Recovery.CronSchedule)
	}

	logger.Info().
		Int("max_concurrent_jobs", config.Queue.MaxConcurrentJobs).
		Bool("gateway_enabled", config.Gateway.Enabled).
		Bool("periodic_recovery", config.Recovery.PeriodicSweep).
		Msg("Scheduler capabilities")
}

// PrintShutdownBanner displays the application shutdown banner
func PrintShutdownBanner(logger arbor.ILogger) {
	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(42)

	b.PrintTopLine()
	b.PrintCenteredText("SHUTTING DOWN")
	b.PrintCenteredText("SCOUTD")
	b.PrintBottomLine()
	fmt.Println()

	logger.Info().Msg("scoutd shutting down")
}

// PrintColorizedMessage prints a message with specified color; logger is not used
func PrintColorizedMessage(color, message string, logger arbor.ILogger) {
	fmt.Printf("%s%s%s\n", color, message, banner.ColorReset)
}

// PrintSuccess prints a success message in green and logs it
func PrintSuccess(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorGreen, fmt.Sprintf("[ok] %s", message), logger)
	logger.Info().Str("type", "success").Msg(message)
}

// PrintError prints an error message in red and logs it
func PrintError(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorRed, fmt.Sprintf("[error] %s", message), logger)
	logger.Error().Str("type", "error").Msg(message)
}

// PrintWarning prints a warning message in yellow and logs it
func PrintWarning(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorYellow, fmt.Sprintf("[warn] %s", message), logger)
	logger.Warn().Str("type", "warning").Msg(message)
}

// PrintInfo prints an info message in cyan and logs it
func PrintInfo(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorCyan, fmt.Sprintf("[info] %s", message), logger)
	logger.Info().Str("type", "info").Msg(message)
}
