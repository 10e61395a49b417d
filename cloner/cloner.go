// Package cloner deep-copies a service-catalogue tree into a new sibling
// catalogue.
package cloner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fieldserve/dblayer"
	"fieldserve/dbtypes"

	"github.com/golang/glog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// catalogueStore is the slice of the data layer the cloner needs; it
// lets tests substitute a fake.
type catalogueStore interface {
	FindCatalogue(ctx context.Context, id string) (*dbtypes.Catalogue, error)
	CreateCatalogue(ctx context.Context, catalogue *dbtypes.Catalogue) (string, error)
	ChildDocuments(ctx context.Context, path string) ([]dblayer.Document, error)
	AddChild(ctx context.Context, path string, fields map[string]interface{}) (string, error)
}

// Cloner copies a catalogue root plus its three nested levels (categories,
// sub-categories, services).  Copies fan out concurrently at every level
// and are joined with an all-settle barrier; individual copy failures are
// collected, never propagated to sibling work.
type Cloner struct {
	db catalogueStore

	// await controls whether Clone waits for the descendant levels.  When
	// false, Clone returns once the root document exists and the
	// descendants are copied in the background, with failures logged.
	await bool
}

type Opt func(*Cloner)

// WithAwait selects between replying after the full subtree has settled
// (true, the default) and replying as soon as the root document exists
// (false).
func WithAwait(await bool) Opt {
	return func(c *Cloner) {
		c.await = await
	}
}

func New(db *dblayer.DB, opts ...Opt) *Cloner {
	cloner := &Cloner{
		db:    db,
		await: true,
	}

	for _, opt := range opts {
		opt(cloner)
	}

	return cloner
}

// ItemFailure records one descendant document that could not be copied.
type ItemFailure struct {
	Path string
	Err  error
}

// Result reports the outcome of a clone.  CreatedCount covers every
// document written, including the root.  In fire-and-forget mode the
// counts only reflect the root at the time Clone returns, since the
// descendants are still settling.
type Result struct {
	NewCatalogueID string

	created int64

	mu       sync.Mutex
	failures []ItemFailure
}

func (r *Result) recordCreated() {
	atomic.AddInt64(&r.created, 1)
}

// CreatedCount returns the number of documents written so far.
func (r *Result) CreatedCount() int64 {
	return atomic.LoadInt64(&r.created)
}

func (r *Result) recordFailure(path string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, ItemFailure{Path: path, Err: err})
}

// Failures returns the collected per-document copy failures.
func (r *Result) Failures() []ItemFailure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ItemFailure{}, r.failures...)
}

// copyName derives the duplicate root's display name.
func copyName(name string) string {
	return "Copy of " + name
}

// clearedCopy copies a category or service document's fields, forcing the
// stored id attribute to the empty string so the duplicate does not
// inherit the source's self-referential id.  The source map is left
// unmodified.
func clearedCopy(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["id"] = ""
	return out
}

// rootCopy builds the duplicate root document from the source catalogue.
func rootCopy(source *dbtypes.Catalogue, now time.Time) *dbtypes.Catalogue {
	return &dbtypes.Catalogue{
		Active:  source.Active,
		Created: now,
		Name:    copyName(source.Name),
	}
}

// Clone duplicates the catalogue whose document ID equals id.  A missing
// source yields dblayer.ErrCatalogueNotFound with no documents created.
func (c *Cloner) Clone(ctx context.Context, id string) (*Result, error) {
	tracer := otel.Tracer("fieldserve/cloner")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Cloner.Clone")
	defer span.End()

	source, err := c.db.FindCatalogue(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("while locating source catalogue: %w", err)
	}

	newID, err := c.db.CreateCatalogue(ctx, rootCopy(source, time.Now()))
	if err != nil {
		return nil, fmt.Errorf("while creating duplicate catalogue root: %w", err)
	}

	result := &Result{
		NewCatalogueID: newID,
	}
	result.recordCreated()

	if !c.await {
		// Reply after root creation only.  The descendant copies settle in
		// the background; their failures are logged rather than reported to
		// the caller.
		go func() {
			bgCtx := context.Background()
			if err := c.copyDescendants(bgCtx, id, newID, result); err != nil {
				glog.Errorf("Error during background catalogue copy from %s: %v", id, err)
			}
			for _, failure := range result.Failures() {
				glog.Errorf("Failed to copy catalogue descendant %s: %v", failure.Path, failure.Err)
			}
		}()
		return result, nil
	}

	if err := c.copyDescendants(ctx, id, newID, result); err != nil {
		return result, fmt.Errorf("while copying catalogue descendants: %w", err)
	}

	return result, nil
}

// copyDescendants copies the category, sub-category, and service levels
// from the source tree to the duplicate.  Sibling copies are unordered
// and concurrent at every level; the join waits for every outcome.
func (c *Cloner) copyDescendants(ctx context.Context, sourceID, newID string, result *Result) error {
	categories, err := c.db.ChildDocuments(ctx, dblayer.CategoryPath(sourceID))
	if err != nil {
		return fmt.Errorf("while listing source categories: %w", err)
	}

	// Use errgroup and semaphore to limit concurrency.  Workers record
	// failures into the result and return nil so that one bad document
	// never aborts its siblings.  The semaphore bounds only this top
	// level; a worker acquiring again for its children could deadlock.
	eg, ctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(50)

	for _, category := range categories {
		category := category

		if err := sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("while acquiring concurrency limiter semaphore: %w", err)
		}

		eg.Go(func() error {
			defer sem.Release(1)
			c.copyCategory(ctx, sourceID, newID, category, result)
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return fmt.Errorf("while waiting for completion of errgroup: %w", err)
	}

	return nil
}

func (c *Cloner) copyCategory(ctx context.Context, sourceID, newID string, category dblayer.Document, result *Result) {
	sourcePath := fmt.Sprintf("%s/%s", dblayer.CategoryPath(sourceID), category.ID)

	newCategoryID, err := c.db.AddChild(ctx, dblayer.CategoryPath(newID), clearedCopy(category.Fields))
	if err != nil {
		result.recordFailure(sourcePath, err)
		return
	}
	result.recordCreated()

	subCategories, err := c.db.ChildDocuments(ctx, dblayer.SubCategoryPath(sourceID, category.ID))
	if err != nil {
		result.recordFailure(sourcePath, err)
		return
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, subCategory := range subCategories {
		subCategory := subCategory
		eg.Go(func() error {
			c.copySubCategory(ctx, sourceID, newID, category.ID, newCategoryID, subCategory, result)
			return nil
		})
	}
	eg.Wait()
}

func (c *Cloner) copySubCategory(ctx context.Context, sourceID, newID, sourceCategoryID, newCategoryID string, subCategory dblayer.Document, result *Result) {
	sourcePath := fmt.Sprintf("%s/%s", dblayer.SubCategoryPath(sourceID, sourceCategoryID), subCategory.ID)

	newSubCategoryID, err := c.db.AddChild(ctx, dblayer.SubCategoryPath(newID, newCategoryID), clearedCopy(subCategory.Fields))
	if err != nil {
		result.recordFailure(sourcePath, err)
		return
	}
	result.recordCreated()

	services, err := c.db.ChildDocuments(ctx, dblayer.ServicePath(sourceID, sourceCategoryID, subCategory.ID))
	if err != nil {
		result.recordFailure(sourcePath, err)
		return
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, service := range services {
		service := service
		eg.Go(func() error {
			if _, err := c.db.AddChild(ctx, dblayer.ServicePath(newID, newCategoryID, newSubCategoryID), clearedCopy(service.Fields)); err != nil {
				result.recordFailure(fmt.Sprintf("%s/%s", dblayer.ServicePath(sourceID, sourceCategoryID, subCategory.ID), service.ID), err)
				return nil
			}
			result.recordCreated()
			return nil
		})
	}
	eg.Wait()
}
