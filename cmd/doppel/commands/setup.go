package commands

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mstolyar/doppel/pkg/doppel/agent"
)

// newSetupCmd creates the `doppel setup` command for interactive
// configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard that creates config.yaml and stores the
API key in the OS keyring.

Examples:
  doppel setup`,
		RunE: runSetup,
	}
}

// runSetup walks through config creation with an interactive form.
func runSetup(_ *cobra.Command, _ []string) error {
	cfg := agent.DefaultConfig()

	var (
		apiKey        string
		telegramToken string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Persona name").
				Description("Used in the system prompt; pick your own name.").
				Value(&cfg.Name),
			huh.NewInput().
				Title("Wake word").
				Description("Prefix for owner commands in your own messages.").
				Value(&cfg.WakeWord),
			huh.NewSelect[string]().
				Title("Reply language").
				Options(
					huh.NewOption("Russian", "ru"),
					huh.NewOption("English", "en"),
				).
				Value(&cfg.Language),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Messaging gateway").
				Options(
					huh.NewOption("WhatsApp", "whatsapp"),
					huh.NewOption("Telegram", "telegram"),
				).
				Value(&cfg.Channels.Active),
			huh.NewInput().
				Title("Telegram bot token").
				Description("Only needed for the Telegram gateway; leave empty otherwise.").
				EchoMode(huh.EchoModePassword).
				Value(&telegramToken),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("API base URL").
				Description("OpenAI-compatible chat completions endpoint.").
				Placeholder("https://api.openai.com/v1").
				Value(&cfg.API.BaseURL),
			huh.NewInput().
				Title("Model").
				Value(&cfg.Model),
			huh.NewInput().
				Title("API key").
				Description("Stored in the OS keyring, never in config.yaml.").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
		),
	)

	if err := form.Run(); err != nil {
		return fmt.Errorf("setup cancelled: %w", err)
	}

	if telegramToken != "" {
		cfg.Channels.Telegram.Token = telegramToken
	}

	if apiKey != "" {
		if agent.KeyringAvailable() {
			if err := agent.StoreKeyring("api_key", apiKey); err != nil {
				return fmt.Errorf("storing API key: %w", err)
			}
			fmt.Println("API key stored in the OS keyring.")
		} else {
			fmt.Println("OS keyring unavailable; set DOPPEL_API_KEY in your environment instead.")
		}
	}

	// config.yaml carries an env reference, never the real key.
	cfg.API.APIKey = "${DOPPEL_API_KEY}"

	if err := agent.SaveConfigToFile(cfg, "config.yaml"); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Println("Wrote config.yaml. Start with: doppel serve")
	return nil
}
