// Package relationship links objects to the objects they reference, deferring
// links whose target has not been synced yet.
//
// Deferred links live only in storage metadata, keyed by target, so they
// survive restarts and buckets arriving in any order. Every method must be
// called inside a critical section.
package relationship

import (
	"errors"
	"fmt"
	"slices"

	"github.com/goccy/go-json"

	"github.com/simperium/simperium.go/pkg/constants"
	"github.com/simperium/simperium.go/pkg/logger"
	"github.com/simperium/simperium.go/pkg/models"
	"github.com/simperium/simperium.go/pkg/schema"
	"github.com/simperium/simperium.go/pkg/storage"
)

type Resolver struct {
	log logger.Logger
}

func NewResolver(log logger.Logger) *Resolver {
	if log == nil {
		log = logger.Nop()
	}
	return &Resolver{log: log}
}

func metaName(bucket, key string) string {
	return bucket + "/" + key
}

func (r *Resolver) load(w storage.Reader, bucket, key string) ([]models.PendingRelationship, error) {
	raw, err := w.Metadata(constants.RelationshipsBucket, metaName(bucket, key))
	if err != nil || raw == nil {
		return nil, err
	}
	var out []models.PendingRelationship
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode pending relationships for %s/%s: %w", bucket, key, err)
	}
	return out, nil
}

func (r *Resolver) store(w storage.Writer, bucket, key string, rels []models.PendingRelationship) error {
	name := metaName(bucket, key)
	if len(rels) == 0 {
		return w.SetMetadata(constants.RelationshipsBucket, name, nil)
	}
	raw, err := json.Marshal(rels)
	if err != nil {
		return err
	}
	return w.SetMetadata(constants.RelationshipsBucket, name, raw)
}

// Add defers rel until its target is written. Duplicates are ignored.
func (r *Resolver) Add(w storage.Writer, rel models.PendingRelationship) error {
	rels, err := r.load(w, rel.TargetBucket, rel.TargetKey)
	if err != nil {
		return err
	}
	if slices.Contains(rels, rel) {
		return nil
	}
	r.log.Debug("deferring relationship", "source", rel.SourceBucket+"/"+rel.SourceKey,
		"attribute", rel.SourceAttribute, "target", rel.TargetBucket+"/"+rel.TargetKey)
	return r.store(w, rel.TargetBucket, rel.TargetKey, append(rels, rel))
}

// Pending returns the deferred links waiting for bucket/key.
func (r *Resolver) Pending(rd storage.Reader, bucket, key string) ([]models.PendingRelationship, error) {
	return r.load(rd, bucket, key)
}

// Link materializes the references of obj, a member of the bucket s
// describes. Targets already present are linked on obj directly; the rest
// are deferred. The caller saves obj.
func (r *Resolver) Link(w storage.Writer, s *schema.Schema, obj *models.Object) error {
	for _, m := range s.References() {
		target, _ := obj.Data[m.Name].(string)
		if target == "" {
			delete(obj.References, m.Name)
			continue
		}
		ref := models.Reference{Bucket: m.References, Key: target}
		if cur, ok := obj.References[m.Name]; ok && cur == ref {
			continue
		}

		_, err := w.Object(m.References, target)
		switch {
		case err == nil:
			obj.SetReference(m.Name, ref)
		case errors.Is(err, constants.ErrNotFound):
			delete(obj.References, m.Name)
			if err := r.Add(w, models.PendingRelationship{
				SourceKey:       obj.Key,
				SourceBucket:    s.Name(),
				SourceAttribute: m.Name,
				TargetKey:       target,
				TargetBucket:    m.References,
			}); err != nil {
				return err
			}
		default:
			return err
		}
	}
	return nil
}

// ResolveForKey completes the links waiting for bucket/key, which was just
// written. Sources that no longer reference the target are dropped. It
// returns the sources it linked.
func (r *Resolver) ResolveForKey(w storage.Writer, key, bucket string) ([]models.PendingRelationship, error) {
	rels, err := r.load(w, bucket, key)
	if err != nil || len(rels) == 0 {
		return nil, err
	}

	var linked []models.PendingRelationship
	for _, rel := range rels {
		src, err := w.Object(rel.SourceBucket, rel.SourceKey)
		if errors.Is(err, constants.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if cur, _ := src.Data[rel.SourceAttribute].(string); cur != key {
			continue
		}
		if src.SetReference(rel.SourceAttribute, models.Reference{Bucket: bucket, Key: key}) {
			if err := w.Save(rel.SourceBucket, src); err != nil {
				return nil, err
			}
		}
		linked = append(linked, rel)
	}
	if err := r.store(w, bucket, key, nil); err != nil {
		return nil, err
	}
	if len(linked) > 0 {
		r.log.Debug("resolved relationships", "target", bucket+"/"+key, "count", len(linked))
	}
	return linked, nil
}
