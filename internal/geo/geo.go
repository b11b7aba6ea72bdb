// Package geo annotates server addresses from MaxMind databases.
package geo

import (
	"errors"
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"

	"github.com/NodePath81/rmbt/internal/results"
)

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	RegisteredCountry struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"registered_country"`
}

type asnRecord struct {
	Number       uint   `maxminddb:"autonomous_system_number"`
	Organization string `maxminddb:"autonomous_system_organization"`
}

// Info is what the databases know about one address.
type Info struct {
	Country string
	ASN     uint
	ASOrg   string
}

// Resolver looks addresses up in an optional country database and an
// optional ASN database. A Resolver without databases returns empty Info.
type Resolver struct {
	country *maxminddb.Reader
	asn     *maxminddb.Reader
}

// Open opens the databases at the given paths. Empty paths are skipped.
func Open(countryPath, asnPath string) (*Resolver, error) {
	r := &Resolver{}
	if countryPath != "" {
		db, err := maxminddb.Open(countryPath)
		if err != nil {
			return nil, fmt.Errorf("open country db: %w", err)
		}
		r.country = db
	}
	if asnPath != "" {
		db, err := maxminddb.Open(asnPath)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("open asn db: %w", err)
		}
		r.asn = db
	}
	return r, nil
}

func (r *Resolver) Enabled() bool {
	return r != nil && (r.country != nil || r.asn != nil)
}

func (r *Resolver) Lookup(ip net.IP) (Info, error) {
	var info Info
	if r == nil {
		return info, nil
	}
	if ip == nil {
		return info, errors.New("nil address")
	}
	if r.country != nil {
		var rec countryRecord
		if err := r.country.Lookup(ip, &rec); err != nil {
			return info, fmt.Errorf("country lookup: %w", err)
		}
		info.Country = rec.Country.ISOCode
		if info.Country == "" {
			info.Country = rec.RegisteredCountry.ISOCode
		}
	}
	if r.asn != nil {
		var rec asnRecord
		if err := r.asn.Lookup(ip, &rec); err != nil {
			return info, fmt.Errorf("asn lookup: %w", err)
		}
		info.ASN = rec.Number
		info.ASOrg = rec.Organization
	}
	return info, nil
}

// Annotate fills the geo fields of path from its ServerIP.
func (r *Resolver) Annotate(path *results.PathInfo) error {
	if !r.Enabled() || path == nil || path.ServerIP == "" {
		return nil
	}
	ip := net.ParseIP(path.ServerIP)
	if ip == nil {
		return fmt.Errorf("invalid server ip %q", path.ServerIP)
	}
	info, err := r.Lookup(ip)
	if err != nil {
		return err
	}
	path.Country = info.Country
	path.ASN = info.ASN
	path.ASOrg = info.ASOrg
	return nil
}

func (r *Resolver) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.country != nil {
		errs = append(errs, r.country.Close())
		r.country = nil
	}
	if r.asn != nil {
		errs = append(errs, r.asn.Close())
		r.asn = nil
	}
	return errors.Join(errs...)
}
