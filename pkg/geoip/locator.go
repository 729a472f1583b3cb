// Package geoip resolves client IPs to ISO country codes from a GeoLite2 database.
package geoip

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Locator looks up countries in an opened .mmdb file
type Locator struct {
	reader *geoip2.Reader
}

// Open accepts a GeoLite2/GeoIP2 Country or City database
func Open(path string) (*Locator, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &Locator{reader: reader}, nil
}

// CountryCode returns the ISO 3166-1 alpha-2 code, or "" when unknown.
// Private, loopback and unparsable addresses are never looked up.
func (l *Locator) CountryCode(ipAddress string) (string, error) {
	ip := net.ParseIP(ipAddress)
	if ip == nil || !Routable(ip) {
		return "", nil
	}

	record, err := l.reader.Country(ip)
	if err != nil {
		return "", fmt.Errorf("geoip lookup: %w", err)
	}
	return record.Country.IsoCode, nil
}

func (l *Locator) Close() error {
	return l.reader.Close()
}

// Routable reports whether ip is a public unicast address
func Routable(ip net.IP) bool {
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast())
}
