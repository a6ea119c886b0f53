// Package geo fills missing location attributes of user profiles.
package geo

import (
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/maxminddb-golang"
	"github.com/radiusdt/vector-roas/internal/models"
)

// Location is the result of an IP lookup.
type Location struct {
	CountryCode string
	RegionCode  string
}

// Provider resolves an IP address to a location.
type Provider interface {
	Lookup(ip string) (*Location, error)
}

// cityRecord decodes only the fields used from a GeoLite2/GeoIP2 City database.
type cityRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	Subdivisions []struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"subdivisions"`
}

// MaxMindProvider implements Provider using a MaxMind database file.
type MaxMindProvider struct {
	reader *maxminddb.Reader
}

// NewMaxMindProvider opens the database at dbPath.
func NewMaxMindProvider(dbPath string) (*MaxMindProvider, error) {
	reader, err := maxminddb.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database: %w", err)
	}
	return &MaxMindProvider{reader: reader}, nil
}

// Lookup returns the country and first subdivision for ip.
func (m *MaxMindProvider) Lookup(ip string) (*Location, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return nil, fmt.Errorf("invalid IP address: %s", ip)
	}

	var record cityRecord
	if err := m.reader.Lookup(parsed, &record); err != nil {
		return nil, err
	}

	loc := &Location{CountryCode: record.Country.ISOCode}
	if len(record.Subdivisions) > 0 {
		loc.RegionCode = record.Subdivisions[0].ISOCode
	}
	return loc, nil
}

// Close closes the database.
func (m *MaxMindProvider) Close() error {
	if m.reader != nil {
		return m.reader.Close()
	}
	return nil
}

// StaticProvider serves lookups from a fixed table, keyed by IP.
type StaticProvider map[string]Location

func (s StaticProvider) Lookup(ip string) (*Location, error) {
	loc, ok := s[ip]
	if !ok {
		return nil, fmt.Errorf("no location for %s", ip)
	}
	return &loc, nil
}

// tierByCountry groups countries by purchasing power.
var tierByCountry = map[string]string{
	"US": "T1", "CA": "T1", "GB": "T1", "AU": "T1", "NZ": "T1", "DE": "T1",
	"FR": "T1", "NL": "T1", "CH": "T1", "SE": "T1", "NO": "T1", "DK": "T1",
	"JP": "T1", "KR": "T1", "SG": "T1", "IE": "T1", "AT": "T1", "BE": "T1",
	"ES": "T2", "IT": "T2", "PT": "T2", "PL": "T2", "CZ": "T2", "IL": "T2",
	"AE": "T2", "SA": "T2", "TW": "T2", "HK": "T2", "FI": "T1", "GR": "T2",
	"BR": "T3", "MX": "T3", "AR": "T3", "TR": "T3", "RU": "T3", "ZA": "T3",
	"IN": "T3", "ID": "T3", "PH": "T3", "VN": "T3", "TH": "T3", "MY": "T3",
	"EG": "T3", "NG": "T3", "PK": "T3", "CO": "T3", "CL": "T2", "UA": "T3",
}

// EconomicTier returns the tier of a country code, or "" when unknown.
func EconomicTier(countryCode string) string {
	return tierByCountry[strings.ToUpper(countryCode)]
}

// Enrich fills the profile's empty country, region and economic tier. The
// profile is modified in place; lookup failures leave it unchanged.
func Enrich(p *models.RawUserProfile, provider Provider) {
	if p == nil {
		return
	}
	if provider != nil && p.IP != "" && (p.Country == "" || p.Region == "") {
		if loc, err := provider.Lookup(p.IP); err == nil {
			if p.Country == "" {
				p.Country = loc.CountryCode
			}
			if p.Region == "" && strings.EqualFold(p.Country, loc.CountryCode) {
				p.Region = loc.RegionCode
			}
		}
	}
	if p.EconomicTier == "" {
		p.EconomicTier = EconomicTier(p.Country)
	}
}
