package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "orbitcache",
	Short: "Orbitcache - Response cache and chatbot backend for ISS dashboards",
	Long: `Orbitcache is a Redis-backed response cache for AI chatbot answers,
built for International Space Station tracking dashboards.

Features:
  - Normalized query keys, so rephrasings of the same question hit the cache
  - Jaccard similarity search over an inverted token index
  - Per-session chat history with a 30-day TTL
  - Visible-pass catalog served from NASA sighting XML exports

Environment Variables:
  OPENAI_API_KEY      For answer generation on cache misses
  REDIS_ADDR          Redis address (default localhost:6379)
  REDIS_PASSWORD      Redis password, if required`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.orbitcache.yaml)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable verbose output")

	// Bind to viper
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".orbitcache")
	}

	// Read environment variables
	viper.SetEnvPrefix("ORBITCACHE")
	viper.AutomaticEnv()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}
