// Package stage defines the four pipeline stages, their submission requests
// and the catalog of artifacts each stage produces.
package stage

import (
	"fmt"
	"slices"
	"strings"

	"studio/internal/apperrors"
)

// Type identifies one pipeline stage.
type Type string

const (
	Music       Type = "music"
	Avatar      Type = "avatar"
	Film        Type = "film"
	Publication Type = "publication"
)

// All lists the stages in pipeline order.
var All = []Type{Music, Avatar, Film, Publication}

// Parse converts a string into a stage Type.
func Parse(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(All, t) {
		return t, nil
	}
	return "", apperrors.Validation("stage", fmt.Sprintf("unknown stage %q (expected music, avatar, film or publication)", s))
}

// Next returns the stage that follows t in the pipeline.
func (t Type) Next() (Type, bool) {
	for i, known := range All {
		if known == t && i+1 < len(All) {
			return All[i+1], true
		}
	}
	return "", false
}

// Valid reports whether t is a known stage.
func (t Type) Valid() bool {
	return slices.Contains(All, t)
}

func (t Type) String() string { return string(t) }

// References points at upstream jobs by the stage they ran.
type References map[Type]string

// Clone returns a copy of r that is safe to modify.
func (r References) Clone() References {
	out := make(References, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// RequiredReferences lists the upstream stages a submission of t must reference.
func RequiredReferences(t Type) []Type {
	switch t {
	case Avatar:
		return []Type{Music}
	case Film:
		return []Type{Music, Avatar}
	case Publication:
		return []Type{Music, Avatar, Film}
	default:
		return nil
	}
}
