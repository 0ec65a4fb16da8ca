package common

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application startup banner.
func PrintBanner(config *Config, logger arbor.ILogger) {
	version := GetVersion()
	build := BuildTime

	serviceURL := fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)

	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(80)

	fmt.Printf("\n")
	b.PrintTopLine()
	b.PrintCenteredText("ETL PLATFORM")
	b.PrintCenteredText("Multi-tenant Extraction, Transform & Embedding Pipeline")
	b.PrintSeparatorLine()
	b.PrintKeyValue("Version", version, 15)
	b.PrintKeyValue("Build", build, 15)
	b.PrintKeyValue("Environment", config.Environment, 15)
	b.PrintKeyValue("Service URL", serviceURL, 15)
	b.PrintBottomLine()
	fmt.Printf("\n")

	logger.Info().
		Str("version", version).
		Str("build", build).
		Str("environment", config.Environment).
		Str("service_url", serviceURL).
		Msg("platform started")

	printCapabilities(config, logger)
	fmt.Printf("\n")
}

// printCapabilities logs which providers and stores are enabled.
func printCapabilities(config *Config, logger arbor.ILogger) {
	fmt.Printf("Enabled providers:\n")

	enabledProviders := []string{}
	if config.Providers.Jira.Enabled {
		fmt.Printf("   - Jira (projects, issues, sprint reports)\n")
		enabledProviders = append(enabledProviders, "jira")
	}
	if config.Providers.GitHub.Enabled {
		fmt.Printf("   - GitHub (repositories, pull requests, commits)\n")
		enabledProviders = append(enabledProviders, "github")
	}
	if len(enabledProviders) == 0 {
		fmt.Printf("   - no providers enabled\n")
	}

	fmt.Printf("   - database driver: %s\n", config.Database.Driver)
	fmt.Printf("   - bus: %s\n", config.Bus.URL)

	logger.Info().
		Strs("enabled_providers", enabledProviders).
		Str("db_driver", config.Database.Driver).
		Str("bus_url", config.Bus.URL).
		Msg("capabilities")
}

// PrintShutdownBanner displays the shutdown banner.
func PrintShutdownBanner(logger arbor.ILogger) {
	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(42)

	b.PrintTopLine()
	b.PrintCenteredText("SHUTTING DOWN")
	b.PrintBottomLine()
	fmt.Println()

	logger.Info().Msg("platform shutting down")
}

// PrintColorizedMessage prints a message with the given color to stdout; the
// logger argument is not used.
func PrintColorizedMessage(color, message string, logger arbor.ILogger) {
	fmt.Printf("%s%s%s\n", color, message, banner.ColorReset)
}
