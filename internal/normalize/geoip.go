package normalize

import (
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// geoRecord mirrors the subset of MaxMind's GeoLite2-City schema this
// system reads.
type geoRecord struct {
	Country struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
}

// MaxMindGeoIP implements GeoLookup against an operator-supplied MMDB
// file (GeoLite2-City or commercial equivalent).
type MaxMindGeoIP struct {
	reader *maxminddb.Reader
}

// OpenMaxMindGeoIP opens the MMDB file at path. The reader holds the
// file memory-mapped for the process lifetime; call Close on shutdown.
func OpenMaxMindGeoIP(path string) (*MaxMindGeoIP, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database %s: %w", path, err)
	}
	return &MaxMindGeoIP{reader: reader}, nil
}

// Close releases the underlying memory-mapped file.
func (g *MaxMindGeoIP) Close() error {
	return g.reader.Close()
}

// Lookup resolves ip to a country/city pair. Returns ok=false for
// unparseable, private, or unresolvable addresses — never an error,
// since enrichment is best-effort (spec SPEC_FULL.md §3.I: "lookup
// failure is not an error").
func (g *MaxMindGeoIP) Lookup(ip string) (country, city string, ok bool) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", "", false
	}

	var rec geoRecord
	found, err := g.reader.Lookup(parsed, &rec)
	if err != nil || !found {
		return "", "", false
	}

	country = rec.Country.Names["en"]
	city = rec.City.Names["en"]
	if country == "" && city == "" {
		return "", "", false
	}
	return country, city, true
}
