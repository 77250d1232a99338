package safety

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SectorOther is reported for symbols missing from the map.
const SectorOther = "Other"

// SectorMap maps an upper-case symbol to its sector.
type SectorMap map[string]string

// DefaultSectors returns the built-in classification.
func DefaultSectors() SectorMap {
	m := SectorMap{}
	add := func(sector string, symbols ...string) {
		for _, s := range symbols {
			m[s] = sector
		}
	}
	add("Technology", "AAPL", "MSFT", "GOOGL", "AMZN", "META", "NVDA", "TSLA", "NFLX", "ADBE")
	add("Healthcare", "JNJ", "PFE", "UNH", "ABBV", "TMO", "DHR")
	add("Financial", "JPM", "BAC", "WFC", "GS", "MS", "C")
	add("Consumer", "WMT", "PG", "KO", "PEP", "MCD", "NKE")
	add("Industrial", "BA", "CAT", "GE", "MMM", "HON", "UPS")
	add("Energy", "XOM", "CVX", "COP", "EOG", "SLB", "PSX")
	add("ETF-Broad", "SPY", "VTI")
	add("ETF-Tech", "QQQ")
	add("ETF-Small", "IWM")
	add("ETF-Leveraged", "TQQQ", "SQQQ")
	return m
}

// Sector returns the sector for symbol.
func (m SectorMap) Sector(symbol string) string {
	if s, ok := m[strings.ToUpper(symbol)]; ok {
		return s
	}
	return SectorOther
}

// sectorFile is the on-disk layout: sector name to member symbols.
type sectorFile struct {
	Sectors map[string][]string `yaml:"sectors"`
}

// LoadSectorFile merges a YAML sector file over the defaults. An empty
// path returns the defaults.
func LoadSectorFile(path string) (SectorMap, error) {
	m := DefaultSectors()
	if path == "" {
		return m, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sector file: %w", err)
	}
	var f sectorFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse sector file: %w", err)
	}
	for sector, symbols := range f.Sectors {
		for _, s := range symbols {
			m[strings.ToUpper(s)] = sector
		}
	}
	return m, nil
}
