package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	marketplaceURL string
	outputFormat   string
	cfgFile        string
	adminKey       string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "n3ctl",
	Short: "CLI for the node3 marketplace",
	Long:  `n3ctl is a command line interface for administering agents, jobs and payments in the node3 compute marketplace.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.n3ctl/config)")
	rootCmd.PersistentFlags().StringVar(&marketplaceURL, "marketplace", "", "marketplace API URL (default from config or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(filepath.Join(home, ".n3ctl"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()
	viper.BindEnv("admin_key", "NODE3_ADMIN_KEY")
	viper.BindEnv("marketplace_url", "NODE3_MARKETPLACE_URL")

	if err := viper.ReadInConfig(); err == nil {
		if marketplaceURL == "" {
			marketplaceURL = viper.GetString("marketplace_url")
		}
	}
	if adminKey == "" {
		adminKey = viper.GetString("admin_key")
	}
	if marketplaceURL == "" {
		marketplaceURL = viper.GetString("marketplace_url")
	}
	if marketplaceURL == "" {
		marketplaceURL = "http://localhost:8080"
	}
}

// GetMarketplaceURL returns the configured URL with trailing slashes removed
func GetMarketplaceURL() string {
	return strings.TrimRight(marketplaceURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// apiGet performs an authenticated GET and decodes the JSON response
func apiGet(path string, out interface{}) error {
	req, err := http.NewRequest("GET", GetMarketplaceURL()+path, nil)
	if err != nil {
		return err
	}
	if adminKey != "" {
		req.Header.Set("X-Admin-Key", adminKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("marketplace returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// apiPost performs an authenticated POST and decodes the JSON response
func apiPost(path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequest("POST", GetMarketplaceURL()+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if adminKey != "" {
		req.Header.Set("X-Admin-Key", adminKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("marketplace returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// printJSON pretty-prints a decoded response
func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		return
	}
	fmt.Println(string(data))
}
