// Package resolver turns vague natural-language references into concrete
// entities.
//
// Producers say things like "mirror the curve you just drew" without knowing
// host identifiers. The resolver tokenizes the hint, infers an entity type
// from known modeling nouns, and asks the registry for the most recent
// matching entity. Resolution is read-only: resolving a reference is not
// activity and never changes what "most recent" means.
package resolver

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/atelier-systems/modelbridge/bridgecore/registry"
)

// Logger interface for the resolver.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// RecencyIndex is the registry surface the resolver needs.
type RecencyIndex interface {
	MostRecent(entityType string) (*registry.Entity, error)
	Get(entityID string) (*registry.Entity, error)
}

// AmbiguousError indicates a hint that names more than one entity type.
type AmbiguousError struct {
	Hint       string
	Candidates []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("reference %q is ambiguous: could mean %s",
		e.Hint, strings.Join(e.Candidates, " or "))
}

// DefaultTypeHints returns the built-in keyword-to-type table for the
// modeling domain. Keys are lowercase tokens; values are canonical types.
func DefaultTypeHints() map[string]string {
	return map[string]string{
		"curve": "curve", "curves": "curve",
		"spline": "curve", "splines": "curve",
		"surface": "surface", "surfaces": "surface",
		"solid": "solid", "solids": "solid",
		"sketch": "sketch", "sketches": "sketch",
		"body": "body", "bodies": "body",
		"script": "script", "scripts": "script",
		"plot": "plot", "plots": "plot",
		"view": "view", "views": "view",
	}
}

// Resolver infers entity types from hints and resolves them by recency.
type Resolver struct {
	index  RecencyIndex
	hints  map[string]string
	logger Logger
}

// New creates a resolver over the given recency index.
// extraHints are merged over the defaults and may override them.
func New(index RecencyIndex, extraHints map[string]string, logger Logger) *Resolver {
	hints := DefaultTypeHints()
	for k, v := range extraHints {
		hints[strings.ToLower(k)] = v
	}
	return &Resolver{
		index:  index,
		hints:  hints,
		logger: logger,
	}
}

// Resolve maps a vague reference to a concrete entity.
//
// When entityType is non-empty it wins outright and the hint is only used
// for logging. Otherwise the hint is tokenized and matched against the
// type hint table:
//
//   - no type keyword: the most recently active entity overall
//   - one type keyword: the most recently active entity of that type
//   - multiple distinct type keywords: AmbiguousError
//
// Registry misses surface as *registry.NotFoundError.
func (r *Resolver) Resolve(hint string, entityType string) (*registry.Entity, error) {
	inferred := entityType
	if inferred == "" {
		candidates := r.inferTypes(hint)
		switch len(candidates) {
		case 0:
			// Vague all the way down: "that thing", "it". Recency decides.
		case 1:
			inferred = candidates[0]
		default:
			if r.logger != nil {
				r.logger.Warn("reference_ambiguous",
					"hint", hint,
					"candidates", strings.Join(candidates, ","))
			}
			return nil, &AmbiguousError{Hint: hint, Candidates: candidates}
		}
	}

	entity, err := r.index.MostRecent(inferred)
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("reference_unresolved",
				"hint", hint,
				"entity_type", inferred,
				"error", err)
		}
		return nil, err
	}

	if r.logger != nil {
		r.logger.Debug("reference_resolved",
			"hint", hint,
			"entity_id", entity.EntityID,
			"entity_type", entity.EntityType,
			"inferred_type", inferred)
	}
	return entity, nil
}

// Lookup returns an entity by exact id, for references that carry one.
func (r *Resolver) Lookup(entityID string) (*registry.Entity, error) {
	return r.index.Get(entityID)
}

// inferTypes returns the distinct canonical types named by the hint,
// sorted for deterministic errors.
func (r *Resolver) inferTypes(hint string) []string {
	tokens := strings.FieldsFunc(strings.ToLower(hint), func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	})

	seen := make(map[string]bool)
	var types []string
	for _, token := range tokens {
		canonical, ok := r.hints[token]
		if !ok || seen[canonical] {
			continue
		}
		seen[canonical] = true
		types = append(types, canonical)
	}
	sort.Strings(types)
	return types
}
