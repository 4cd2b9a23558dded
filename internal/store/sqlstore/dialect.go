// Package sqlstore implements the domain repositories over database/sql.
// The sqlite and postgres packages supply the driver, schema and Dialect.
package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/LionelRostand/neorent-sub005/internal/domain"
)

// Dialect captures the differences between the supported SQL engines.
type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2, ...) instead of '?'.
	Numbered bool
	// LockSuffix is appended to SELECTs that must lock the selected row for
	// the rest of the transaction.
	LockSuffix string
	// Classify maps a driver error to a domain sentinel, or returns nil if
	// the error is not special.
	Classify func(error) error
}

func (d Dialect) rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// wrap attaches op and the matching domain sentinel to a driver error.
func (d Dialect) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	if d.Classify != nil {
		if sentinel := d.Classify(err); sentinel != nil {
			return fmt.Errorf("%s: %w: %w", op, sentinel, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}
