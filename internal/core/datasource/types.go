// Package datasource manages connection pools of the branch databases the
// resource manager compensates. Each data source is an independent
// PostgreSQL database addressed by a logical name.
package datasource

import (
	"fmt"
	"net/url"
	"strings"
)

// DataSource is a configured branch database.
type DataSource struct {
	Name string
	DSN  string
}

// Redacted returns the DSN with the password masked, for logs and health output.
func (d *DataSource) Redacted() string {
	u, err := url.Parse(d.DSN)
	if err != nil || u.Scheme == "" {
		return maskKeywordPassword(d.DSN)
	}
	return u.Redacted()
}

// maskKeywordPassword masks password=... in a keyword/value DSN.
func maskKeywordPassword(dsn string) string {
	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(strings.ToLower(f), "password=") {
			fields[i] = "password=xxxxx"
		}
	}
	return strings.Join(fields, " ")
}

// ParseDataSources parses "name=dsn;name2=dsn2". The DSN is everything after
// the first '=' so keyword/value DSNs are accepted. Empty segments are skipped.
func ParseDataSources(s string) ([]DataSource, error) {
	var out []DataSource
	seen := make(map[string]bool)

	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, dsn, ok := strings.Cut(part, "=")
		name, dsn = strings.TrimSpace(name), strings.TrimSpace(dsn)
		if !ok || name == "" || dsn == "" {
			return nil, fmt.Errorf("invalid data source %q: want name=dsn", part)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate data source %q", name)
		}
		seen[name] = true
		out = append(out, DataSource{Name: name, DSN: dsn})
	}
	return out, nil
}
