package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/symmetricalboy/msinfo-bot/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("msinfo-bot Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.Bluesky.Handle = prompt(scanner, "Bluesky handle", cfg.Bluesky.Handle)
		cfg.Bluesky.Password = prompt(scanner, "Bluesky app password", cfg.Bluesky.Password)
		cfg.Bluesky.PDSHost = prompt(scanner, "PDS host", cfg.Bluesky.PDSHost)
		cfg.Gemini.APIKey = prompt(scanner, "Gemini API key", cfg.Gemini.APIKey)
		cfg.Gemini.TextModel = prompt(scanner, "Text model name", cfg.Gemini.TextModel)
		cfg.Bluesky.DeveloperDID = prompt(scanner, "Developer DID for alerts (optional)", cfg.Bluesky.DeveloperDID)
		cfg.Bluesky.DeveloperHandle = prompt(scanner, "Developer handle for alerts (optional)", cfg.Bluesky.DeveloperHandle)

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
