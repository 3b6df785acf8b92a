// Package scope partitions the shared store between deployments. Every query
// against sessions, messages, jobs and reviews goes through one of the
// filters built here, so a production and a development deployment can share
// one database and still see disjoint data.
package scope

import (
	"fmt"
	"os"
	"strings"

	"gorm.io/gorm"
)

// Runtime families.
const (
	FamilyProd = "prod"
	FamilyDev  = "dev"
)

// Filter selects how broadly a query matches runtime tags.
type Filter int

const (
	// Strict matches only the exact runtime tag of this deployment.
	Strict Filter = iota
	// FamilyMatch matches any tag in the same family: "prod" matches
	// "prod", "prod-hostA", "prod-hostB".
	FamilyMatch
	// FamilyWithLegacy is FamilyMatch plus, for the production family only,
	// rows whose tag column is absent, NULL or empty. Production is the
	// implicit owner of pre-migration data; development never matches
	// legacy rows, even with this filter.
	FamilyWithLegacy
)

// Scope is the deployment identity computed once at startup and injected
// into every query-building call.
type Scope struct {
	Family string // "prod" or "dev"
	Host   string // host discriminator, may be empty
}

// Resolve computes the deployment scope. Explicit values win over
// environment derivation: family from STENO_ENV (default "dev"), host from
// os.Hostname().
func Resolve(family, host string) (Scope, error) {
	if family == "" {
		family = os.Getenv("STENO_ENV")
	}
	if family == "" {
		family = FamilyDev
	}
	if family != FamilyProd && family != FamilyDev {
		return Scope{}, fmt.Errorf("scope: unknown runtime family %q", family)
	}
	if host == "" {
		if h, err := os.Hostname(); err == nil {
			host = sanitizeHost(h)
		}
	}
	return Scope{Family: family, Host: host}, nil
}

// sanitizeHost keeps the first DNS label, lowercased, so tags stay short
// and stable across FQDN/short-name flapping.
func sanitizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if i := strings.IndexByte(h, '.'); i > 0 {
		h = h[:i]
	}
	return h
}

// Tag returns the composite runtime tag, e.g. "prod-hostA" or "dev".
func (s Scope) Tag() string {
	if s.Host == "" {
		return s.Family
	}
	return s.Family + "-" + s.Host
}

// Where returns a gorm scope applying the requested runtime filter on the
// given column.
func (s Scope) Where(f Filter) func(*gorm.DB) *gorm.DB {
	return s.WhereColumn("runtime", f)
}

// WhereColumn is Where for a non-default column name.
func (s Scope) WhereColumn(column string, f Filter) func(*gorm.DB) *gorm.DB {
	tag := s.Tag()
	family := s.Family
	return func(tx *gorm.DB) *gorm.DB {
		switch f {
		case Strict:
			return tx.Where(column+" = ?", tag)
		case FamilyMatch:
			return tx.Where(column+" = ? OR "+column+" LIKE ?", family, family+"-%")
		case FamilyWithLegacy:
			if family == FamilyProd {
				return tx.Where(
					column+" = ? OR "+column+" LIKE ? OR "+column+" IS NULL OR "+column+" = ''",
					family, family+"-%")
			}
			// Legacy absorption is a production-only privilege.
			return tx.Where(column+" = ? OR "+column+" LIKE ?", family, family+"-%")
		default:
			return tx.Where(column+" = ?", tag)
		}
	}
}

// Merge ANDs the runtime filter onto an existing query. Gorm scopes compose
// by Where, so this is a thin readability wrapper used by callers that build
// their query first.
func (s Scope) Merge(tx *gorm.DB, f Filter) *gorm.DB {
	return tx.Scopes(s.Where(f))
}

// Matches reports whether a raw tag value would be visible under the given
// filter. It mirrors the SQL built by Where and exists for in-memory checks
// and tests.
func (s Scope) Matches(tag string, f Filter) bool {
	switch f {
	case Strict:
		return tag == s.Tag()
	case FamilyMatch:
		return tag == s.Family || strings.HasPrefix(tag, s.Family+"-")
	case FamilyWithLegacy:
		if tag == s.Family || strings.HasPrefix(tag, s.Family+"-") {
			return true
		}
		return s.Family == FamilyProd && tag == ""
	}
	return false
}
