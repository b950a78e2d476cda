// Package passes loads and serves ISS visible-pass sighting records.
// Records come from bundled XML data files; malformed fields degrade to
// zero values and malformed records are skipped, so one bad export never
// takes the catalog down.
package passes

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Pass is a single visible-pass sighting record.
type Pass struct {
	Country         string  `xml:"country" json:"country"`
	Region          string  `xml:"region" json:"region,omitempty"`
	City            string  `xml:"city" json:"city"`
	Spacecraft      string  `xml:"spacecraft" json:"spacecraft"`
	SightingDate    string  `xml:"sighting_date" json:"sighting_date"`
	DurationMinutes int     `json:"duration_minutes"`
	MaxElevation    int     `json:"max_elevation"`
	Enters          string  `xml:"enters" json:"enters"`
	Exits           string  `xml:"exits" json:"exits"`
	UTCOffset       float64 `json:"utc_offset"`
	UTCTime         string  `xml:"utc_time" json:"utc_time"`
	UTCDate         string  `xml:"utc_date" json:"utc_date"`
}

// rawPass carries the lenient string forms of numeric fields.
type rawPass struct {
	Pass
	DurationMinutes string `xml:"duration_minutes"`
	MaxElevation    string `xml:"max_elevation"`
	UTCOffset       string `xml:"utc_offset"`
}

type passFile struct {
	XMLName xml.Name  `xml:"visible_passes"`
	Passes  []rawPass `xml:"visible_pass"`
}

// safeInt parses a duration/elevation field. Values like "< 1" and
// unparseable text degrade to 0 rather than failing the record.
func safeInt(value string) int {
	value = strings.TrimSpace(value)
	if value == "" || strings.HasPrefix(value, "<") {
		return 0
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return n
}

// safeFloat parses a UTC-offset field, degrading to 0 on bad input.
func safeFloat(value string) float64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return f
}

// ParseFile reads the visible passes from one XML file.
func ParseFile(path string) ([]Pass, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var doc passFile
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	passes := make([]Pass, 0, len(doc.Passes))
	for _, raw := range doc.Passes {
		p := raw.Pass
		p.DurationMinutes = safeInt(raw.DurationMinutes)
		p.MaxElevation = safeInt(raw.MaxElevation)
		p.UTCOffset = safeFloat(raw.UTCOffset)
		passes = append(passes, p)
	}
	return passes, nil
}

// Catalog is an in-memory index of loaded passes.
type Catalog struct {
	passes []Pass
}

// NewCatalog wraps an already-loaded pass slice.
func NewCatalog(passes []Pass) *Catalog {
	return &Catalog{passes: passes}
}

// LoadDir loads every *.xml file in dir into a catalog. The progress
// callback, if non-nil, is invoked after each file with the file path
// and cumulative record count.
func LoadDir(dir string, progress func(file string, loaded int)) (*Catalog, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.xml"))
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", dir, err)
	}
	sort.Strings(files)

	var all []Pass
	for _, file := range files {
		passes, err := ParseFile(file)
		if err != nil {
			// One bad file should not sink the rest of the catalog.
			fmt.Fprintf(os.Stderr, "Skipping %s: %v\n", file, err)
			continue
		}
		all = append(all, passes...)
		if progress != nil {
			progress(file, len(all))
		}
	}
	return NewCatalog(all), nil
}

// Len reports the number of loaded passes.
func (c *Catalog) Len() int {
	return len(c.passes)
}

// All returns every loaded pass.
func (c *Catalog) All() []Pass {
	return c.passes
}

// Filter returns passes matching the given criteria. City and country
// match case-insensitively; date matches utc_date exactly. Empty
// criteria are ignored.
func (c *Catalog) Filter(city, country, date string) []Pass {
	results := make([]Pass, 0)
	for _, p := range c.passes {
		if city != "" && !strings.EqualFold(p.City, city) {
			continue
		}
		if country != "" && !strings.EqualFold(p.Country, country) {
			continue
		}
		if date != "" && p.UTCDate != date {
			continue
		}
		results = append(results, p)
	}
	return results
}

// Cities returns the sorted distinct city names in the catalog.
func (c *Catalog) Cities() []string {
	return c.distinct(func(p Pass) string { return p.City })
}

// Countries returns the sorted distinct country names in the catalog.
func (c *Catalog) Countries() []string {
	return c.distinct(func(p Pass) string { return p.Country })
}

func (c *Catalog) distinct(field func(Pass) string) []string {
	seen := make(map[string]struct{})
	for _, p := range c.passes {
		if v := field(p); v != "" {
			seen[v] = struct{}{}
		}
	}
	values := make([]string, 0, len(seen))
	for v := range seen {
		values = append(values, v)
	}
	sort.Strings(values)
	return values
}
