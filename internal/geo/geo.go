// Package geo resolves client IPs to a location. Lookups are best-effort:
// callers bound them with a short timeout and proceed without a result.
package geo

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	geoip2 "github.com/oschwald/geoip2-golang"
)

var (
	ErrInvalidIP           = errors.New("invalid ip address")
	ErrDatabaseUnavailable = errors.New("geo database not loaded")
)

// DatabaseFileName is the entry read from tar.gz archives
const DatabaseFileName = "GeoLite2-City.mmdb"

// Info is the resolved location of an IP
type Info struct {
	Country string
	Region  string
	City    string
	Zip     string
	Lat     float64
	Lon     float64
}

// Locator resolves IP addresses
type Locator interface {
	Lookup(ctx context.Context, ip string) (*Info, error)
}

// MaxMind resolves IPs against a GeoIP2/GeoLite2 City database. The database
// can be swapped at runtime.
type MaxMind struct {
	reader atomic.Pointer[geoip2.Reader]
}

// NewMaxMind loads the database at path, either a .mmdb file or a tar.gz
// archive containing one
func NewMaxMind(path string) (*MaxMind, error) {
	m := &MaxMind{}
	if err := m.SetDataPath(path); err != nil {
		return nil, err
	}
	return m, nil
}

// Lookup implements Locator
func (m *MaxMind) Lookup(_ context.Context, ipAddress string) (*Info, error) {
	ip := net.ParseIP(ipAddress)
	if len(ip) == 0 {
		return nil, ErrInvalidIP
	}

	reader := m.reader.Load()
	if reader == nil {
		return nil, ErrDatabaseUnavailable
	}

	record, err := reader.City(ip)
	if err != nil {
		return nil, err
	}

	info := &Info{
		Country: record.Country.IsoCode,
		Zip:     record.Postal.Code,
		Lat:     record.Location.Latitude,
		Lon:     record.Location.Longitude,
	}
	if len(record.Subdivisions) > 0 {
		info.Region = record.Subdivisions[0].IsoCode
	}
	if len(record.City.Names) > 0 {
		info.City = record.City.Names["en"]
	}
	return info, nil
}

// SetDataPath loads a database and replaces the current one
func (m *MaxMind) SetDataPath(path string) error {
	var (
		reader *geoip2.Reader
		err    error
	)
	if strings.HasSuffix(path, ".tar.gz") || strings.HasSuffix(path, ".tgz") {
		reader, err = readArchive(path)
	} else {
		reader, err = geoip2.Open(path)
	}
	if err != nil {
		return fmt.Errorf("loading geo database %s: %w", path, err)
	}

	if old := m.reader.Swap(reader); old != nil {
		old.Close()
	}
	return nil
}

// Close releases the database
func (m *MaxMind) Close() error {
	if r := m.reader.Swap(nil); r != nil {
		return r.Close()
	}
	return nil
}

func readArchive(path string) (*geoip2.Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzipReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to read tar file: %w", err)
		}
		if !strings.HasSuffix(header.Name, DatabaseFileName) {
			continue
		}
		buf := new(bytes.Buffer)
		if _, err := io.Copy(buf, tarReader); err != nil {
			return nil, err
		}
		return geoip2.FromBytes(buf.Bytes())
	}
}

// LookupAsync starts a lookup bounded by timeout. The channel yields the
// result, or nil when the lookup failed or ran out of time; it never blocks
// the sender.
func LookupAsync(ctx context.Context, locator Locator, ip string, timeout time.Duration) <-chan *Info {
	out := make(chan *Info, 1)
	if locator == nil || ip == "" {
		out <- nil
		return out
	}

	go func() {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		done := make(chan *Info, 1)
		go func() {
			info, err := locator.Lookup(ctx, ip)
			if err != nil {
				info = nil
			}
			done <- info
		}()

		select {
		case info := <-done:
			out <- info
		case <-ctx.Done():
			out <- nil
		}
	}()
	return out
}
