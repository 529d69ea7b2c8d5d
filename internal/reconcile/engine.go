package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/user/fleetscan/internal/metrics"
	"github.com/user/fleetscan/internal/model"
	"github.com/user/fleetscan/internal/normalize"
)

// Store is the transactional persistence the engine writes through. All calls
// for one host run inside a single transaction.
type Store interface {
	ListComponents(ctx context.Context, hostID int64, category model.Category) ([]model.Component, error)
	InsertComponent(ctx context.Context, c *model.Component) error
	UpdateComponent(ctx context.Context, c *model.Component) error
	MarkComponentsRemoved(ctx context.Context, ids []int64, at time.Time) error

	ListInstallations(ctx context.Context, hostID int64) ([]model.Installation, error)
	CatalogEntry(ctx context.Context, name, version, publisher string) (int64, error)
	InsertInstallation(ctx context.Context, in *model.Installation) error
	UpdateInstallation(ctx context.Context, in *model.Installation) error
	MarkInstallationsRemoved(ctx context.Context, ids []int64, at time.Time) error

	Savepoint(ctx context.Context, name string) error
	RollbackTo(ctx context.Context, name string) error
	Release(ctx context.Context, name string) error
}

// Counts tallies operations applied to one category.
type Counts struct {
	Inserted int
	Restored int
	Updated  int
	Removed  int
}

// Report is the outcome of reconciling one host.
type Report struct {
	Categories map[model.Category]Counts
	Failed     map[model.Category]error
}

// Partial reports whether any category failed and was rolled back.
func (r *Report) Partial() bool { return len(r.Failed) > 0 }

// Changes returns the number of inserts, restores and removals across all
// categories.
func (r *Report) Changes() int {
	n := 0
	for _, c := range r.Categories {
		n += c.Inserted + c.Restored + c.Removed
	}
	return n
}

// Engine applies snapshots category by category.
type Engine struct {
	logger zerolog.Logger
}

// NewEngine creates an engine.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{logger: logger}
}

var componentSpec = Spec[model.Component, model.Item]{
	CurrentKey:  func(c model.Component) string { return c.Key },
	IncomingKey: func(i model.Item) string { return i.Key },
	IsRemoved:   func(c model.Component) bool { return c.RemovedOn != nil },
}

var installationSpec = Spec[model.Installation, model.Item]{
	CurrentKey:  func(in model.Installation) string { return in.Key },
	IncomingKey: func(i model.Item) string { return i.Key },
	IsRemoved:   func(in model.Installation) bool { return in.RemovedOn != nil },
}

// Apply reconciles every category present in snap. Each category runs in its
// own savepoint: a failing category is rolled back and reported while the
// others are kept. The returned error is set only when the transaction itself
// is no longer usable.
func (e *Engine) Apply(ctx context.Context, store Store, hostID int64, snap *normalize.Snapshot, now time.Time) (*Report, error) {
	report := &Report{
		Categories: make(map[model.Category]Counts),
		Failed:     make(map[model.Category]error),
	}

	for _, category := range model.Categories {
		set, ok := snap.Categories[category]
		if !ok {
			continue
		}

		savepoint := "reconcile_" + string(category)
		if err := store.Savepoint(ctx, savepoint); err != nil {
			return report, fmt.Errorf("savepoint %s: %w", savepoint, err)
		}

		var (
			counts Counts
			err    error
		)
		if category == model.CategorySoftware {
			counts, err = e.applySoftware(ctx, store, hostID, set, now)
		} else {
			counts, err = e.applyComponents(ctx, store, hostID, category, set, now)
		}

		if err != nil {
			e.logger.Error().Err(err).Str("host", snap.Hostname).Str("category", string(category)).
				Msg("Category reconciliation failed, rolling back")
			report.Failed[category] = err
			if rbErr := store.RollbackTo(ctx, savepoint); rbErr != nil {
				return report, fmt.Errorf("rollback to %s: %w", savepoint, rbErr)
			}
			continue
		}

		if err := store.Release(ctx, savepoint); err != nil {
			return report, fmt.Errorf("release %s: %w", savepoint, err)
		}
		report.Categories[category] = counts
		record(category, counts)
	}

	return report, nil
}

func record(category model.Category, c Counts) {
	label := string(category)
	metrics.ReconcileOps.WithLabelValues(label, "insert").Add(float64(c.Inserted))
	metrics.ReconcileOps.WithLabelValues(label, "restore").Add(float64(c.Restored))
	metrics.ReconcileOps.WithLabelValues(label, "update").Add(float64(c.Updated))
	metrics.ReconcileOps.WithLabelValues(label, "remove").Add(float64(c.Removed))
}

func (e *Engine) applyComponents(ctx context.Context, store Store, hostID int64, category model.Category,
	set *normalize.CategorySet, now time.Time) (Counts, error) {
	var counts Counts

	current, err := store.ListComponents(ctx, hostID, category)
	if err != nil {
		return counts, err
	}

	var parents map[string]int64
	if category == model.CategoryLogicalDisk {
		if parents, err = e.parentIndex(ctx, store, hostID); err != nil {
			return counts, err
		}
	}
	parentOf := func(item model.Item) *int64 {
		if item.ParentKey == "" {
			return nil
		}
		if id, ok := parents[item.ParentKey]; ok {
			return &id
		}
		return nil
	}

	mutable := normalize.Schemas[category].MutableFields()
	plan := Diff(current, set.Items, componentSpec, Options{Partial: set.Partial, Removed: set.Removed})

	for _, item := range plan.Insert {
		c := &model.Component{
			HostID:     hostID,
			Category:   category,
			Key:        item.Key,
			Attributes: item.Attributes,
			ParentID:   parentOf(item),
			DetectedOn: now,
			UpdatedAt:  now,
		}
		if err := store.InsertComponent(ctx, c); err != nil {
			return counts, err
		}
		counts.Inserted++
	}

	for _, p := range plan.Restore {
		c := p.Current
		c.Attributes, _ = MergeMutable(c.Attributes, p.Incoming.Attributes, mutable)
		c.ParentID = parentOf(p.Incoming)
		c.RemovedOn = nil
		c.UpdatedAt = now
		if err := store.UpdateComponent(ctx, &c); err != nil {
			return counts, err
		}
		counts.Restored++
	}

	for _, p := range plan.Update {
		c := p.Current
		merged, changed := MergeMutable(c.Attributes, p.Incoming.Attributes, mutable)
		parent := parentOf(p.Incoming)
		if !changed && sameParent(c.ParentID, parent) {
			continue
		}
		c.Attributes = merged
		c.ParentID = parent
		c.UpdatedAt = now
		if err := store.UpdateComponent(ctx, &c); err != nil {
			return counts, err
		}
		counts.Updated++
	}

	if len(plan.Remove) > 0 {
		ids := make([]int64, len(plan.Remove))
		for i, c := range plan.Remove {
			ids[i] = c.ID
		}
		if err := store.MarkComponentsRemoved(ctx, ids, now); err != nil {
			return counts, err
		}
		counts.Removed = len(ids)
	}

	return counts, nil
}

// parentIndex maps physical disk keys to row ids for logical disk links.
func (e *Engine) parentIndex(ctx context.Context, store Store, hostID int64) (map[string]int64, error) {
	disks, err := store.ListComponents(ctx, hostID, model.CategoryPhysicalDisk)
	if err != nil {
		return nil, err
	}
	index := make(map[string]int64, len(disks))
	for _, d := range disks {
		index[d.Key] = d.ID
	}
	return index, nil
}

func sameParent(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (e *Engine) applySoftware(ctx context.Context, store Store, hostID int64, set *normalize.CategorySet, now time.Time) (Counts, error) {
	var counts Counts

	current, err := store.ListInstallations(ctx, hostID)
	if err != nil {
		return counts, err
	}

	plan := Diff(current, set.Items, installationSpec, Options{Partial: set.Partial, Removed: set.Removed})

	for _, item := range plan.Insert {
		name, _ := item.Attributes["name"].(string)
		version, _ := item.Attributes["version"].(string)
		publisher, _ := item.Attributes["publisher"].(string)
		installDate, _ := item.Attributes["install_date"].(string)

		catalogID, err := store.CatalogEntry(ctx, name, version, publisher)
		if err != nil {
			return counts, err
		}
		in := &model.Installation{
			HostID:      hostID,
			CatalogID:   catalogID,
			Key:         item.Key,
			InstallDate: installDate,
			DetectedOn:  now,
			UpdatedAt:   now,
		}
		if err := store.InsertInstallation(ctx, in); err != nil {
			return counts, err
		}
		counts.Inserted++
	}

	for _, p := range plan.Restore {
		in := p.Current
		in.InstallDate, _ = p.Incoming.Attributes["install_date"].(string)
		in.RemovedOn = nil
		in.UpdatedAt = now
		if err := store.UpdateInstallation(ctx, &in); err != nil {
			return counts, err
		}
		counts.Restored++
	}

	for _, p := range plan.Update {
		in := p.Current
		date, _ := p.Incoming.Attributes["install_date"].(string)
		if date == in.InstallDate {
			continue
		}
		in.InstallDate = date
		in.UpdatedAt = now
		if err := store.UpdateInstallation(ctx, &in); err != nil {
			return counts, err
		}
		counts.Updated++
	}

	if len(plan.Remove) > 0 {
		ids := make([]int64, len(plan.Remove))
		for i, in := range plan.Remove {
			ids[i] = in.ID
		}
		if err := store.MarkInstallationsRemoved(ctx, ids, now); err != nil {
			return counts, err
		}
		counts.Removed = len(ids)
	}

	return counts, nil
}
