package chinook

import (
	"context"
	"fmt"
	"strings"
)

// CustomerExists reports whether exactly one Customer row matches the given
// name pair. Matching is case-insensitive; zero or multiple matches both
// report false, an ambiguous name is never silently resolved.
func (d *DB) CustomerExists(ctx context.Context, firstName, lastName string) (bool, error) {
	firstName = strings.TrimSpace(firstName)
	lastName = strings.TrimSpace(lastName)
	if firstName == "" || lastName == "" {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.queryTimeout)
	defer cancel()

	count, err := d.bun.NewSelect().
		Table("Customer").
		Where("LOWER(FirstName) = LOWER(?)", firstName).
		Where("LOWER(LastName) = LOWER(?)", lastName).
		Count(ctx)
	if err != nil {
		return false, fmt.Errorf("customer lookup: %w", err)
	}
	return count == 1, nil
}
