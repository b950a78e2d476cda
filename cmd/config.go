package cmd

import (
	"fmt"
	"os"

	"github.com/stationside/orbitcache/pkg/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Orbitcache configuration",
	Long:  `Commands for creating and validating orbitcache.yaml configuration files.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a orbitcache.yaml template",
	Long: `Creates a orbitcache.yaml configuration file with all available options
and their default values.

Example:
  orbitcache config init
  orbitcache config init --output /etc/orbitcache/orbitcache.yaml`,
	RunE: runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a orbitcache.yaml configuration file",
	Long: `Reads and validates a configuration file, reporting any errors.

Example:
  orbitcache config validate
  orbitcache config validate orbitcache.yaml
  orbitcache config validate --config /etc/orbitcache/orbitcache.yaml`,
	RunE: runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	configInitCmd.Flags().StringP("output", "o", "orbitcache.yaml", "output file path")
	configInitCmd.Flags().Bool("stdout", false, "print to stdout instead of file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	toStdout, _ := cmd.Flags().GetBool("stdout")
	output, _ := cmd.Flags().GetString("output")

	template := config.GenerateTemplate()

	if toStdout {
		fmt.Print(template)
		return nil
	}

	// Check if file already exists
	if _, err := os.Stat(output); err == nil {
		return fmt.Errorf("file %s already exists (use --stdout to print to stdout)", output)
	}

	if err := os.WriteFile(output, []byte(template), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Created %s\n", output)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	var cfgPath string

	if len(args) > 0 {
		cfgPath = args[0]
	} else if cfgFile != "" {
		cfgPath = cfgFile
	} else {
		// Search default locations
		candidates := []string{
			"orbitcache.yaml",
			".orbitcache.yaml",
		}
		home, err := os.UserHomeDir()
		if err == nil {
			candidates = append(candidates,
				home+"/.orbitcache.yaml",
				home+"/orbitcache.yaml",
			)
		}

		for _, c := range candidates {
			if _, err := os.Stat(c); err == nil {
				cfgPath = c
				break
			}
		}

		if cfgPath == "" {
			return fmt.Errorf("no config file found (try: orbitcache config validate <file>)")
		}
	}

	cfg, err := config.LoadFromFile(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Validation failed for %s:\n%v\n", cfgPath, err)
		os.Exit(1)
	}

	_ = cfg
	fmt.Fprintf(os.Stderr, "Config file %s is valid\n", cfgPath)
	return nil
}
