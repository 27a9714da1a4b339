// Package differ computes, applies and transforms object diffs against a
// bucket schema.
package differ

import (
	"errors"
	"fmt"

	"github.com/simperium/simperium.go/pkg/constants"
	"github.com/simperium/simperium.go/pkg/logger"
	"github.com/simperium/simperium.go/pkg/models"
	"github.com/simperium/simperium.go/pkg/schema"
)

// Differ is stateless apart from its schema and may be shared.
type Differ struct {
	schema *schema.Schema
	log    logger.Logger
}

func New(s *schema.Schema, log logger.Logger) *Differ {
	if log == nil {
		log = logger.Nop()
	}
	return &Differ{schema: s, log: log}
}

func (d *Differ) Schema() *schema.Schema {
	return d.schema
}

// DiffForAddition returns an add diff for every member, carrying the
// object's value or the member default.
func (d *Differ) DiffForAddition(obj *models.Object) schema.ObjectDiff {
	out := make(schema.ObjectDiff)
	for _, m := range d.schema.Members() {
		v, ok := obj.Data[m.Name]
		if ok && v != nil {
			nv, err := m.Normalize(v)
			if err != nil {
				d.log.Warn("dropping member from addition", "bucket", d.schema.Name(), "member", m.Name, "error", err)
				continue
			}
			v = nv
		} else {
			v = m.Zero()
		}
		out[m.Name] = schema.Add(models.CloneValue(v))
	}
	return out
}

// Diff compares two member dictionaries. Members missing from the schema
// are ignored. Values that cannot be normalized are left out of the diff and
// reported in the returned error.
func (d *Differ) Diff(ghost, current map[string]any) (schema.ObjectDiff, error) {
	out := make(schema.ObjectDiff)
	var errs []error
	for _, m := range d.schema.Members() {
		from, err := m.Normalize(ghost[m.Name])
		if err != nil {
			from = nil
		}
		cv, present := current[m.Name]
		to, err := m.Normalize(cv)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !present {
			if _, had := ghost[m.Name]; had {
				out[m.Name] = schema.Remove()
			}
			continue
		}
		if md, changed := m.Diff(from, to); changed {
			out[m.Name] = md
		}
	}
	return out, errors.Join(errs...)
}

// ApplyDiff applies diff to the object's data in place. Unknown members and
// values the schema cannot coerce are logged and skipped; a diff that does
// not apply to the current value fails the whole call.
func (d *Differ) ApplyDiff(diff schema.ObjectDiff, obj *models.Object) error {
	if obj.Data == nil {
		obj.Data = make(map[string]any)
	}
	return d.applyData(diff, obj.Data)
}

// ApplyGhostDiff returns the ghost that results from applying an
// acknowledged diff, labelled with version. A ghost already at or past
// version is returned unchanged, so redelivered changes are absorbed.
func (d *Differ) ApplyGhostDiff(diff schema.ObjectDiff, ghost models.Ghost, version models.Version) (models.Ghost, error) {
	if !version.IsZero() && ghost.Version.AtLeast(version) {
		return ghost, nil
	}
	next := ghost.Clone()
	if next.Data == nil {
		next.Data = make(map[string]any)
	}
	if err := d.applyData(diff, next.Data); err != nil {
		return ghost, err
	}
	next.Version = version
	return next, nil
}

func (d *Differ) applyData(diff schema.ObjectDiff, data map[string]any) error {
	staged := make(map[string]any, len(diff))
	var removed []string
	for name, md := range diff {
		m, ok := d.schema.Member(name)
		if !ok {
			d.log.Warn("ignoring unknown member", "error", d.schema.Unknown(name))
			continue
		}
		if md.Op == schema.OpRemove {
			removed = append(removed, name)
			continue
		}
		v, err := m.Apply(data[name], md)
		if errors.Is(err, constants.ErrInvalidValue) {
			d.log.Warn("dropping uncoercible member", "bucket", d.schema.Name(), "member", name, "error", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("apply %s: %w", d.schema.Name(), err)
		}
		staged[name] = v
	}
	for k, v := range staged {
		data[k] = v
	}
	for _, k := range removed {
		delete(data, k)
	}
	return nil
}

// Transform rebases a pending local diff, computed against base, so it can
// be applied after remote has been applied to base. Members touched by only
// one side pass through unchanged.
func (d *Differ) Transform(pending, remote schema.ObjectDiff, base models.Ghost) (schema.ObjectDiff, error) {
	out := make(schema.ObjectDiff, len(pending))
	for name, ld := range pending {
		rd, ok := remote[name]
		if !ok {
			out[name] = ld
			continue
		}
		var (
			td   schema.Diff
			keep bool
			err  error
		)
		if m, known := d.schema.Member(name); known {
			td, keep, err = m.Transform(ld, rd, base.Data[name])
		} else {
			td, keep, err = schema.TransformValue(ld, rd, base.Data[name])
		}
		if err != nil {
			return nil, fmt.Errorf("transform %s: %w", d.schema.Name(), err)
		}
		if keep {
			out[name] = td
		}
	}
	return out, nil
}
