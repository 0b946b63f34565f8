package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/node3/marketplace/pkg/auth"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage n3ctl configuration",
}

// configInitCmd represents the config init command
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Long:  `Write a default configuration file to $HOME/.n3ctl/config.yaml.`,
	RunE:  runConfigInit,
}

// configShowCmd represents the config show command
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration",
	RunE:  runConfigShow,
}

// configHashKeyCmd represents the config hash-key command
var configHashKeyCmd = &cobra.Command{
	Use:   "hash-key <admin-key>",
	Short: "Hash an admin key for the server config",
	Long:  `Print the bcrypt hash of an admin key. Put the hash in the server's admin_key_hash setting so the plaintext never lands on disk.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigHashKey,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configHashKeyCmd)
}

type cliConfig struct {
	MarketplaceURL string `yaml:"marketplace_url"`
	AdminKey       string `yaml:"admin_key"`
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	configDir := filepath.Join(home, ".n3ctl")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create %s: %w", configDir, err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	data, err := yaml.Marshal(cliConfig{
		MarketplaceURL: "http://localhost:8080",
		AdminKey:       "",
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Config written to %s\n", configPath)
	fmt.Println("Set admin_key (or NODE3_ADMIN_KEY) to use admin commands.")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	resolved := cliConfig{
		MarketplaceURL: GetMarketplaceURL(),
		AdminKey:       maskKey(viper.GetString("admin_key")),
	}
	data, err := yaml.Marshal(resolved)
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}

func runConfigHashKey(cmd *cobra.Command, args []string) error {
	hash, err := auth.HashAdminKey(args[0])
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func maskKey(key string) string {
	if len(key) <= 4 {
		return "(not set)"
	}
	return key[:4] + "..."
}
