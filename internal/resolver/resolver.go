// Package resolver maps free-text names and emails to canonical entity and
// person identifiers.
//
// Matching order: exact id, exact case-insensitive name, unique
// case-insensitive substring, then fail closed. An exact name hit wins
// alone only when no other name or id extends the query; "Acme" against
// entities named "Acme" and "Acme-EU" is ambiguous, not a hit. Ambiguity
// is returned to the caller, never guessed. Results are not cached:
// resolution is cheap over the live name index and correctness beats
// memoization.
package resolver

import (
	"strings"

	"github.com/hollis/atlas/internal/apperr"
	"github.com/hollis/atlas/internal/cache"
)

// Resolver resolves references over the projection cache.
type Resolver struct {
	db *cache.DB
}

// New creates a Resolver over the given cache.
func New(db *cache.DB) *Resolver {
	return &Resolver{db: db}
}

// Entity resolves a name or id to a canonical entity id.
func (r *Resolver) Entity(query string) (string, error) {
	refs, err := r.db.EntityNames()
	if err != nil {
		return "", err
	}
	return match(query, refs)
}

// Person resolves a name, key, or email to a canonical person key. Before
// failing it falls back to a raw email lookup, which covers senders that
// were observed on the wire but never profiled.
func (r *Resolver) Person(query string) (string, error) {
	refs, err := r.db.PersonNames()
	if err != nil {
		return "", err
	}
	key, err := match(query, refs)
	if err == nil {
		return key, nil
	}
	if _, ok := apperr.IsAmbiguous(err); ok {
		return "", err
	}
	p, lookErr := r.db.PersonByEmail(strings.ToLower(strings.TrimSpace(query)))
	if lookErr != nil {
		return "", lookErr
	}
	if p != nil {
		return p.Key, nil
	}
	return "", err
}

func match(query string, refs []cache.NameRef) (string, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return "", apperr.ErrNotFound
	}

	// Exact id.
	for _, ref := range refs {
		if ref.ID == q {
			return ref.ID, nil
		}
	}

	lower := strings.ToLower(q)

	// Exact case-insensitive name (or email, for people). A lone exact hit
	// does not end the search when other names extend the query: those are
	// near-misses the caller must see before they can trust the hit.
	var exact, extended []string
	for _, ref := range refs {
		switch {
		case strings.ToLower(ref.Name) == lower || (ref.Email != "" && strings.ToLower(ref.Email) == lower):
			exact = append(exact, ref.ID)
		case strings.Contains(strings.ToLower(ref.Name), lower) || strings.Contains(strings.ToLower(ref.ID), lower):
			extended = append(extended, ref.ID)
		}
	}
	if len(exact) == 1 && len(extended) == 0 {
		return exact[0], nil
	}
	if len(exact) >= 1 {
		return "", &apperr.AmbiguousError{Query: query, Candidates: append(exact, extended...)}
	}

	// Unique case-insensitive substring over names and ids.
	var subs []string
	for _, ref := range refs {
		if strings.Contains(strings.ToLower(ref.Name), lower) || strings.Contains(strings.ToLower(ref.ID), lower) {
			subs = append(subs, ref.ID)
		}
	}
	switch len(subs) {
	case 1:
		return subs[0], nil
	case 0:
		return "", apperr.ErrNotFound
	default:
		return "", &apperr.AmbiguousError{Query: query, Candidates: subs}
	}
}
