package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/stationside/orbitcache/pkg/passes"
)

var passesCmd = &cobra.Command{
	Use:   "passes",
	Short: "Inspect visible-pass sighting data",
	Long: `Loads NASA visible-pass XML exports and queries them locally,
without starting the server. Useful for verifying a data drop before
deploying it.

Example:
  orbitcache passes list --dir data --city Houston`,
}

var passesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List visible passes, optionally filtered",
	RunE:  runPassesList,
}

var passesCitiesCmd = &cobra.Command{
	Use:   "cities",
	Short: "List the distinct cities in the data set",
	RunE:  runPassesCities,
}

var passesCountriesCmd = &cobra.Command{
	Use:   "countries",
	Short: "List the distinct countries in the data set",
	RunE:  runPassesCountries,
}

func init() {
	rootCmd.AddCommand(passesCmd)
	passesCmd.AddCommand(passesListCmd, passesCitiesCmd, passesCountriesCmd)

	passesCmd.PersistentFlags().StringP("dir", "d", "data", "directory of visible-pass XML files")

	passesListCmd.Flags().String("city", "", "filter by city (case-insensitive)")
	passesListCmd.Flags().String("country", "", "filter by country (case-insensitive)")
	passesListCmd.Flags().String("date", "", "filter by UTC date (e.g. '05 Jan')")
	passesListCmd.Flags().Int("limit", 25, "maximum passes to print (0 = all)")
}

// loadCatalog loads all XML files under dir with a progress bar.
func loadCatalog(dir string) (*passes.Catalog, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.xml"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no XML files found in %s", dir)
	}

	bar := progressbar.NewOptions64(
		int64(len(files)),
		progressbar.OptionSetDescription("Loading"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("files"),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)

	catalog, err := passes.LoadDir(dir, func(file string, loaded int) {
		_ = bar.Add64(1)
	})
	if err != nil {
		return nil, err
	}

	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "Loaded %d passes from %d files\n\n", catalog.Len(), len(files))
	return catalog, nil
}

func runPassesList(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	city, _ := cmd.Flags().GetString("city")
	country, _ := cmd.Flags().GetString("country")
	date, _ := cmd.Flags().GetString("date")
	limit, _ := cmd.Flags().GetInt("limit")

	catalog, err := loadCatalog(dir)
	if err != nil {
		return err
	}

	results := catalog.Filter(city, country, date)
	if len(results) == 0 {
		fmt.Println("No passes match the given filters.")
		return nil
	}

	fmt.Printf("=== Visible Passes (%d) ===\n\n", len(results))
	for i, p := range results {
		if limit > 0 && i >= limit {
			fmt.Printf("... and %d more (use --limit 0 to show all)\n", len(results)-limit)
			break
		}
		fmt.Printf("[%d] %s, %s - %s\n", i+1, p.City, p.Country, p.SightingDate)
		fmt.Printf("    Duration: %d min  |  Max elevation: %d deg  |  %s -> %s\n",
			p.DurationMinutes, p.MaxElevation, p.Enters, p.Exits)
		fmt.Printf("    UTC: %s %s\n\n", p.UTCDate, p.UTCTime)
	}
	return nil
}

func runPassesCities(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")

	catalog, err := loadCatalog(dir)
	if err != nil {
		return err
	}

	cities := catalog.Cities()
	fmt.Printf("%d cities:\n%s\n", len(cities), strings.Join(cities, "\n"))
	return nil
}

func runPassesCountries(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")

	catalog, err := loadCatalog(dir)
	if err != nil {
		return err
	}

	countries := catalog.Countries()
	fmt.Printf("%d countries:\n%s\n", len(countries), strings.Join(countries, "\n"))
	return nil
}
