package shift

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Direction is the direction a migration runs in
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// Shape is how a migration describes its changes
type Shape int

const (
	// ShapeChange migrations build one reversible Intent; down is computed by inversion
	ShapeChange Shape = iota + 1
	// ShapeDirectional migrations build separate up and down Intents
	ShapeDirectional
)

// String returns the name of the shape
func (s Shape) String() string {
	switch s {
	case ShapeChange:
		return "change"
	case ShapeDirectional:
		return "up/down"
	default:
		return "unknown"
	}
}

// BuildFunc records the actions of a migration into s
type BuildFunc func(ctx context.Context, s *Schema) error

type (
	// Migration is a versioned unit of schema change. Set Change for an
	// auto-reversible migration, or Up and optionally Down for a directional one.
	Migration struct {
		Version string
		Name    string
		Change  BuildFunc
		Up      BuildFunc
		Down    BuildFunc
	}

	// Descriptor summarises a migration's identity and capabilities
	Descriptor struct {
		Version   string `json:"version"`
		Name      string `json:"name"`
		HasUp     bool   `json:"has_up"`
		HasDown   bool   `json:"has_down"`
		HasChange bool   `json:"has_change"`
	}

	// Unit is a registered migration whose shape was resolved at registration
	Unit struct {
		Descriptor
		Shape Shape
		m     Migration
	}

	// Registry holds the known migrations sorted by version
	Registry struct {
		units  []*Unit
		byVers map[string]*Unit
		logger *zap.Logger
	}
)

var versionPattern = regexp.MustCompile(`^\d{14}$`)

// NewRegistry creates an empty registry. logger may be nil.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byVers: make(map[string]*Unit),
		logger: logger,
	}
}

// Register validates and adds migrations. A migration with both Change and
// Up/Down keeps Change; the directional functions are ignored with a warning.
func (r *Registry) Register(ms ...Migration) error {
	for _, m := range ms {
		u, err := newUnit(m)
		if err != nil {
			return err
		}
		if _, exists := r.byVers[u.Version]; exists {
			return fmt.Errorf("failed to register migration %s_%s: %w", u.Version, u.Name, ErrDuplicateVersion)
		}
		if u.HasChange && (u.HasUp || u.HasDown) {
			r.logger.Warn("Migration contains both Change and Up/Down, ignoring Up and Down",
				zap.String("migration_version", u.Version),
				zap.String("migration_name", u.Name),
			)
		}
		r.byVers[u.Version] = u
		r.units = append(r.units, u)
	}

	sort.Slice(r.units, func(i, j int) bool {
		return r.units[i].Version < r.units[j].Version
	})
	return nil
}

// MustRegister is like Register but panics on error. Intended for package init.
func (r *Registry) MustRegister(ms ...Migration) {
	if err := r.Register(ms...); err != nil {
		panic(err)
	}
}

// Units returns the registered units in ascending version order
func (r *Registry) Units() []*Unit {
	out := make([]*Unit, len(r.units))
	copy(out, r.units)
	return out
}

// Lookup returns the unit with the given version
func (r *Registry) Lookup(version string) (*Unit, bool) {
	u, ok := r.byVers[version]
	return u, ok
}

// Len returns the number of registered units
func (r *Registry) Len() int {
	return len(r.units)
}

func newUnit(m Migration) (*Unit, error) {
	if err := ValidateVersion(m.Version); err != nil {
		return nil, fmt.Errorf("failed to register migration %q: %w", m.Name, err)
	}
	name := strings.TrimSpace(m.Name)
	if name == "" {
		return nil, fmt.Errorf("failed to register migration %s: name is required", m.Version)
	}

	u := &Unit{
		Descriptor: Descriptor{
			Version:   m.Version,
			Name:      name,
			HasUp:     m.Up != nil,
			HasDown:   m.Down != nil,
			HasChange: m.Change != nil,
		},
		m: m,
	}

	switch {
	case u.HasChange:
		u.Shape = ShapeChange
	case u.HasUp || u.HasDown:
		u.Shape = ShapeDirectional
	default:
		return nil, fmt.Errorf("failed to register migration %s_%s: %w", m.Version, name, ErrNoShape)
	}
	return u, nil
}

// ValidateVersion checks that v is a 14 digit YYYYMMDDHHMMSS string
func ValidateVersion(v string) error {
	if !versionPattern.MatchString(v) {
		return fmt.Errorf("%q: %w", v, ErrInvalidVersion)
	}
	return nil
}

// Intent builds the Intent the unit runs in the given direction. Change-shaped
// units are inverted for Down; a directional unit missing the requested function
// yields an empty Intent.
func (u *Unit) Intent(ctx context.Context, dir Direction, inspector Inspector) (*Intent, error) {
	build := func(fn BuildFunc) (*Intent, error) {
		s := NewSchema(&Intent{}, inspector)
		if err := fn(ctx, s); err != nil {
			return nil, err
		}
		if err := s.Err(); err != nil {
			return nil, err
		}
		return s.Intent(), nil
	}

	switch u.Shape {
	case ShapeChange:
		in, err := build(u.m.Change)
		if err != nil {
			return nil, err
		}
		if dir == Up {
			return in, nil
		}
		inverse, err := Invert(in)
		if err != nil {
			var ie *IrreversibleError
			if errors.As(err, &ie) {
				ie.Version = u.Version
			}
			return nil, err
		}
		return inverse, nil

	case ShapeDirectional:
		fn := u.m.Up
		if dir == Down {
			fn = u.m.Down
		}
		if fn == nil {
			return &Intent{}, nil
		}
		return build(fn)
	}

	return nil, fmt.Errorf("migration %s has no shape", u.Version)
}
