package rotapool

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// GeoResolver maps an IP address to an ISO country code. It is used to
// backfill the country of endpoints whose configuration left it out, from
// the exit IP the probe target reported.
type GeoResolver interface {
	CountryCode(ip string) (string, error)
}

// MaxMindResolver resolves countries from a local MaxMind GeoLite2/GeoIP2
// country database.
type MaxMindResolver struct {
	db *geoip2.Reader
}

// NewMaxMindResolver opens the database at path. The caller owns the
// resolver and must Close it.
func NewMaxMindResolver(path string) (*MaxMindResolver, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &MaxMindResolver{db: db}, nil
}

func (r *MaxMindResolver) CountryCode(ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", fmt.Errorf("invalid IP address: %q", ip)
	}

	record, err := r.db.Country(parsed)
	if err != nil {
		return "", err
	}

	return record.Country.IsoCode, nil
}

func (r *MaxMindResolver) Close() error {
	return r.db.Close()
}
