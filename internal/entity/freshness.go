package entity

import (
	"math"
	"time"

	"github.com/cockroachdb/errors"
)

// EntityKind distinguishes the two kinds of tracked entities.
type EntityKind string

const (
	KindCategory EntityKind = "category"
	KindProduct  EntityKind = "product"
)

// InfiniteAge is the age of an entity that was never observed.
const InfiniteAge = time.Duration(math.MaxInt64)

// ParseEntityKind accepts the kind names used by the API and the CLI.
func ParseEntityKind(s string) (EntityKind, error) {
	switch s {
	case "category", "categories":
		return KindCategory, nil
	case "product", "products", "price", "prices":
		return KindProduct, nil
	default:
		return "", errors.Newf("unknown entity kind %q", s)
	}
}

// Valid reports whether k is one of the known kinds.
func (k EntityKind) Valid() bool {
	return k == KindCategory || k == KindProduct
}

// Staleness is one row of the freshness index as seen at a reference time.
type Staleness struct {
	Kind         EntityKind
	EntityID     int64
	LastObserved time.Time // zero when never observed
	Age          time.Duration
}

// Observed reports whether the entity has ever been observed.
func (s Staleness) Observed() bool {
	return !s.LastObserved.IsZero()
}

// NewStaleness computes the age of an entity at now.
func NewStaleness(kind EntityKind, id int64, lastObserved, now time.Time) Staleness {
	return Staleness{
		Kind:         kind,
		EntityID:     id,
		LastObserved: lastObserved,
		Age:          AgeAt(lastObserved, now),
	}
}

// AgeAt returns now - lastObserved, or InfiniteAge when lastObserved is zero.
// Observations stamped in the future count as age zero.
func AgeAt(lastObserved, now time.Time) time.Duration {
	if lastObserved.IsZero() {
		return InfiniteAge
	}
	age := now.Sub(lastObserved)
	if age < 0 {
		return 0
	}
	return age
}

// Later returns the newer of a and b.
func Later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
