package cloner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"fieldserve/dblayer"
	"fieldserve/dbtypes"

	"github.com/google/go-cmp/cmp"
)

func TestClearedCopy(t *testing.T) {
	source := map[string]interface{}{
		"id":    "c1",
		"label": "Wash",
		"order": int64(3),
	}

	got := clearedCopy(source)

	want := map[string]interface{}{
		"id":    "",
		"label": "Wash",
		"order": int64(3),
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Bad cleared copy; diff (-got +want)\n%s", diff)
	}

	if source["id"] != "c1" {
		t.Errorf("Source map was modified; id = %q, want %q", source["id"], "c1")
	}
}

func TestClearedCopyAddsMissingID(t *testing.T) {
	got := clearedCopy(map[string]interface{}{"price": int64(10)})

	want := map[string]interface{}{
		"id":    "",
		"price": int64(10),
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Bad cleared copy; diff (-got +want)\n%s", diff)
	}
}

func TestRootCopy(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	source := &dbtypes.Catalogue{
		Active:  true,
		Created: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		Name:    "Basic",
	}

	got := rootCopy(source, now)

	want := &dbtypes.Catalogue{
		Active:  true,
		Created: now,
		Name:    "Copy of Basic",
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Bad root copy; diff (-got +want)\n%s", diff)
	}
}

func TestRootCopyPreservesInactive(t *testing.T) {
	now := time.Now()

	got := rootCopy(&dbtypes.Catalogue{Active: false, Name: "Seasonal"}, now)

	if got.Active {
		t.Errorf("Active = true, want false")
	}
	if got.Name != "Copy of Seasonal" {
		t.Errorf("Name = %q, want %q", got.Name, "Copy of Seasonal")
	}
}

func TestResultCounts(t *testing.T) {
	result := &Result{NewCatalogueID: "new"}
	result.recordCreated()
	result.recordCreated()
	result.recordFailure("service-catalogue/a/categories/b", errTest)

	if got := result.CreatedCount(); got != 2 {
		t.Errorf("CreatedCount() = %d, want 2", got)
	}

	failures := result.Failures()
	if len(failures) != 1 {
		t.Fatalf("len(Failures()) = %d, want 1", len(failures))
	}
	if failures[0].Path != "service-catalogue/a/categories/b" {
		t.Errorf("Failure path = %q", failures[0].Path)
	}
}

var errTest = errors.New("test error")

// fakeStore holds a source catalogue tree in memory and records every
// document the cloner writes.  It is safe for the cloner's concurrent
// fan-out.
type fakeStore struct {
	catalogues map[string]*dbtypes.Catalogue
	children   map[string][]dblayer.Document

	// failSuffix, when non-empty, fails AddChild for any destination
	// collection path ending with it.
	failSuffix string

	mu     sync.Mutex
	nextID int
	added  map[string][]dblayer.Document
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		catalogues: map[string]*dbtypes.Catalogue{},
		children:   map[string][]dblayer.Document{},
		added:      map[string][]dblayer.Document{},
	}
}

func (f *fakeStore) FindCatalogue(ctx context.Context, id string) (*dbtypes.Catalogue, error) {
	catalogue, ok := f.catalogues[id]
	if !ok {
		return nil, dblayer.ErrCatalogueNotFound
	}
	return catalogue, nil
}

func (f *fakeStore) CreateCatalogue(ctx context.Context, catalogue *dbtypes.Catalogue) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("new-%d", f.nextID)
	f.catalogues[id] = catalogue
	return id, nil
}

func (f *fakeStore) ChildDocuments(ctx context.Context, path string) ([]dblayer.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.children[path], nil
}

func (f *fakeStore) AddChild(ctx context.Context, path string, fields map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSuffix != "" && strings.HasSuffix(path, f.failSuffix) {
		return "", errTest
	}
	f.nextID++
	id := fmt.Sprintf("new-%d", f.nextID)
	f.added[path] = append(f.added[path], dblayer.Document{ID: id, Fields: fields})
	return id, nil
}

func (f *fakeStore) addedCount() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, docs := range f.added {
		n += int64(len(docs))
	}
	return n
}

// singleDoc asserts that exactly one document was written to path and
// returns it.
func singleDoc(t *testing.T, f *fakeStore, path string) dblayer.Document {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.added[path]) != 1 {
		t.Fatalf("len(added[%q]) = %d, want 1; all writes: %v", path, len(f.added[path]), f.added)
	}
	return f.added[path][0]
}

func TestCloneCopiesWholeTree(t *testing.T) {
	// One catalogue with one category containing one sub-category
	// containing one service.
	fake := newFakeStore()
	fake.catalogues["cat1"] = &dbtypes.Catalogue{Active: true, Name: "Basic"}
	fake.children[dblayer.CategoryPath("cat1")] = []dblayer.Document{
		{ID: "c1", Fields: map[string]interface{}{"id": "c1", "label": "Wash"}},
	}
	fake.children[dblayer.SubCategoryPath("cat1", "c1")] = []dblayer.Document{
		{ID: "s1", Fields: map[string]interface{}{"id": "s1"}},
	}
	fake.children[dblayer.ServicePath("cat1", "c1", "s1")] = []dblayer.Document{
		{ID: "sv1", Fields: map[string]interface{}{"id": "sv1", "price": int64(10)}},
	}

	c := &Cloner{db: fake, await: true}

	result, err := c.Clone(context.Background(), "cat1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	newRoot, ok := fake.catalogues[result.NewCatalogueID]
	if !ok {
		t.Fatalf("No catalogue was created under id %q", result.NewCatalogueID)
	}
	if !newRoot.Active {
		t.Errorf("Active = false, want true")
	}
	if newRoot.Name != "Copy of Basic" {
		t.Errorf("Name = %q, want %q", newRoot.Name, "Copy of Basic")
	}

	// 1 root + 1 category + 1 sub-category + 1 service.
	if got := result.CreatedCount(); got != 4 {
		t.Errorf("CreatedCount() = %d, want 4", got)
	}
	if got := fake.addedCount(); got != 3 {
		t.Errorf("Descendant documents written = %d, want 3", got)
	}
	if failures := result.Failures(); len(failures) != 0 {
		t.Errorf("Failures() = %v, want none", failures)
	}

	// Each level is nested under the newly assigned parent ID, with the
	// stored id cleared and every other field preserved.
	newCategory := singleDoc(t, fake, dblayer.CategoryPath(result.NewCatalogueID))
	wantCategory := map[string]interface{}{"id": "", "label": "Wash"}
	if diff := cmp.Diff(newCategory.Fields, wantCategory); diff != "" {
		t.Errorf("Bad category copy; diff (-got +want)\n%s", diff)
	}

	newSubCategory := singleDoc(t, fake, dblayer.SubCategoryPath(result.NewCatalogueID, newCategory.ID))
	wantSubCategory := map[string]interface{}{"id": ""}
	if diff := cmp.Diff(newSubCategory.Fields, wantSubCategory); diff != "" {
		t.Errorf("Bad sub-category copy; diff (-got +want)\n%s", diff)
	}

	newService := singleDoc(t, fake, dblayer.ServicePath(result.NewCatalogueID, newCategory.ID, newSubCategory.ID))
	wantService := map[string]interface{}{"id": "", "price": int64(10)}
	if diff := cmp.Diff(newService.Fields, wantService); diff != "" {
		t.Errorf("Bad service copy; diff (-got +want)\n%s", diff)
	}
}

func TestCloneDocumentCount(t *testing.T) {
	// Two categories: the first has two sub-categories with 2 and 1
	// services, the second is empty.  Expect 1 + 2 + 2 + 3 documents.
	fake := newFakeStore()
	fake.catalogues["cat1"] = &dbtypes.Catalogue{Active: false, Name: "Full"}
	fake.children[dblayer.CategoryPath("cat1")] = []dblayer.Document{
		{ID: "c1", Fields: map[string]interface{}{"id": "c1"}},
		{ID: "c2", Fields: map[string]interface{}{"id": "c2"}},
	}
	fake.children[dblayer.SubCategoryPath("cat1", "c1")] = []dblayer.Document{
		{ID: "s1", Fields: map[string]interface{}{"id": "s1"}},
		{ID: "s2", Fields: map[string]interface{}{"id": "s2"}},
	}
	fake.children[dblayer.ServicePath("cat1", "c1", "s1")] = []dblayer.Document{
		{ID: "sv1", Fields: map[string]interface{}{"id": "sv1"}},
		{ID: "sv2", Fields: map[string]interface{}{"id": "sv2"}},
	}
	fake.children[dblayer.ServicePath("cat1", "c1", "s2")] = []dblayer.Document{
		{ID: "sv3", Fields: map[string]interface{}{"id": "sv3"}},
	}

	c := &Cloner{db: fake, await: true}

	result, err := c.Clone(context.Background(), "cat1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if got := result.CreatedCount(); got != 8 {
		t.Errorf("CreatedCount() = %d, want 8", got)
	}
	if failures := result.Failures(); len(failures) != 0 {
		t.Errorf("Failures() = %v, want none", failures)
	}
}

func TestCloneNotFoundCreatesNothing(t *testing.T) {
	fake := newFakeStore()
	fake.catalogues["cat1"] = &dbtypes.Catalogue{Name: "Basic"}

	c := &Cloner{db: fake, await: true}

	_, err := c.Clone(context.Background(), "missing")
	if !errors.Is(err, dblayer.ErrCatalogueNotFound) {
		t.Fatalf("Clone() error = %v, want ErrCatalogueNotFound", err)
	}

	if got := fake.addedCount(); got != 0 {
		t.Errorf("Documents written = %d, want 0", got)
	}
	if len(fake.catalogues) != 1 {
		t.Errorf("len(catalogues) = %d, want 1 (source only)", len(fake.catalogues))
	}
}

func TestCloneCollectsFailuresWithoutAbortingSiblings(t *testing.T) {
	fake := newFakeStore()
	fake.catalogues["cat1"] = &dbtypes.Catalogue{Name: "Basic"}
	fake.children[dblayer.CategoryPath("cat1")] = []dblayer.Document{
		{ID: "c1", Fields: map[string]interface{}{"id": "c1"}},
	}
	fake.children[dblayer.SubCategoryPath("cat1", "c1")] = []dblayer.Document{
		{ID: "s1", Fields: map[string]interface{}{"id": "s1"}},
	}
	fake.children[dblayer.ServicePath("cat1", "c1", "s1")] = []dblayer.Document{
		{ID: "sv1", Fields: map[string]interface{}{"id": "sv1"}},
		{ID: "sv2", Fields: map[string]interface{}{"id": "sv2"}},
	}
	// Every service write fails; the category and sub-category levels
	// must still be copied.
	fake.failSuffix = "/services"

	c := &Cloner{db: fake, await: true}

	result, err := c.Clone(context.Background(), "cat1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// Root + category + sub-category; the two services failed.
	if got := result.CreatedCount(); got != 3 {
		t.Errorf("CreatedCount() = %d, want 3", got)
	}

	failures := result.Failures()
	if len(failures) != 2 {
		t.Fatalf("len(Failures()) = %d, want 2: %v", len(failures), failures)
	}
	for _, failure := range failures {
		if !errors.Is(failure.Err, errTest) {
			t.Errorf("Failure err = %v, want errTest", failure.Err)
		}
	}
}
