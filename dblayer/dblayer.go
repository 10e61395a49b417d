// Package dblayer packages up most actual firestore accesses.
package dblayer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fieldserve/dbtypes"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

const (
	cataloguesCollection    = "service-catalogue"
	categoriesCollection    = "categories"
	servicesCollection      = "services"
	usersCollection         = "users"
	bookingsCollection      = "bookings"
	agentsCollection        = "agents"
	slotsCollection         = "slots"
	notificationsCollection = "notifications"
)

var (
	ErrCatalogueNotFound = errors.New("no catalogue by that id")
)

type DB struct {
	firestoreClient *firestore.Client
}

func New(firestoreClient *firestore.Client) *DB {
	return &DB{
		firestoreClient: firestoreClient,
	}
}

// Document is one catalogue-tree document's identity and payload,
// decoupled from the store's snapshot type so that store-free fakes can
// stand in during tests.
type Document struct {
	ID     string
	Fields map[string]interface{}
}

// FindCatalogue locates a catalogue whose document ID equals id.  The
// comparison target is a payload-level identifier, so this is a linear
// scan over the full collection rather than a keyed lookup; O(n) in the
// number of catalogues.
func (db *DB) FindCatalogue(ctx context.Context, id string) (*dbtypes.Catalogue, error) {
	catalogueIter := db.firestoreClient.Collection(cataloguesCollection).Documents(ctx)
	defer catalogueIter.Stop()
	for {
		catalogueSnapshot, err := catalogueIter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("while iterating catalogues: %w", err)
		}

		if catalogueSnapshot.Ref.ID == id {
			catalogue := &dbtypes.Catalogue{}
			if err := catalogueSnapshot.DataTo(catalogue); err != nil {
				return nil, fmt.Errorf("while unmarshaling catalogue %s: %w", id, err)
			}
			return catalogue, nil
		}
	}

	return nil, ErrCatalogueNotFound
}

// CreateCatalogue stores a new catalogue root document and returns its
// assigned ID.
func (db *DB) CreateCatalogue(ctx context.Context, catalogue *dbtypes.Catalogue) (string, error) {
	ref, _, err := db.firestoreClient.Collection(cataloguesCollection).Add(ctx, catalogue)
	if err != nil {
		return "", fmt.Errorf("while creating catalogue: %w", err)
	}
	return ref.ID, nil
}

// CategoryPath builds the path of a category collection one level below
// the given catalogue.
func CategoryPath(catalogueID string) string {
	return fmt.Sprintf("%s/%s/%s", cataloguesCollection, catalogueID, categoriesCollection)
}

// SubCategoryPath builds the path of the nested category collection below
// a category.
func SubCategoryPath(catalogueID, categoryID string) string {
	return fmt.Sprintf("%s/%s/%s", CategoryPath(catalogueID), categoryID, categoriesCollection)
}

// ServicePath builds the path of the service collection below a
// sub-category.
func ServicePath(catalogueID, categoryID, subCategoryID string) string {
	return fmt.Sprintf("%s/%s/%s", SubCategoryPath(catalogueID, categoryID), subCategoryID, servicesCollection)
}

// ChildDocuments fetches the full set of documents in the collection at
// path.  Result sets are assumed to fit in memory.
func (db *DB) ChildDocuments(ctx context.Context, path string) ([]Document, error) {
	docs := []Document{}
	docIter := db.firestoreClient.Collection(path).Documents(ctx)
	defer docIter.Stop()
	for {
		docSnapshot, err := docIter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("while iterating collection %s: %w", path, err)
		}

		docs = append(docs, Document{ID: docSnapshot.Ref.ID, Fields: docSnapshot.Data()})
	}

	return docs, nil
}

// AddChild stores a new document with the given fields in the collection
// at path, returning the assigned ID.
func (db *DB) AddChild(ctx context.Context, path string, fields map[string]interface{}) (string, error) {
	ref, _, err := db.firestoreClient.Collection(path).Add(ctx, fields)
	if err != nil {
		return "", fmt.Errorf("while adding document to %s: %w", path, err)
	}
	return ref.ID, nil
}

// AllBookings queries the flattened cross-user set of booking documents.
func (db *DB) AllBookings(ctx context.Context) ([]*firestore.DocumentSnapshot, error) {
	bookings := []*firestore.DocumentSnapshot{}
	bookingIter := db.firestoreClient.CollectionGroup(bookingsCollection).Documents(ctx)
	defer bookingIter.Stop()
	for {
		bookingSnapshot, err := bookingIter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("while iterating bookings: %w", err)
		}

		bookings = append(bookings, bookingSnapshot)
	}

	return bookings, nil
}

// ExpireBooking transitions the booking at its canonical per-user path
// into the expired terminal state.
func (db *DB) ExpireBooking(ctx context.Context, userID, bookingID, cancelReason string, now time.Time) error {
	path := fmt.Sprintf("%s/%s/%s/%s", usersCollection, userID, bookingsCollection, bookingID)
	_, err := db.firestoreClient.Doc(path).Update(ctx, []firestore.Update{
		{Path: "stage", Value: dbtypes.StageExpired},
		{Path: "cancelReason", Value: cancelReason},
		{Path: "expiredAt", Value: now},
	})
	if err != nil {
		return fmt.Errorf("while updating booking %s: %w", path, err)
	}
	return nil
}

// Agents fetches the full set of agent documents.
func (db *DB) Agents(ctx context.Context) ([]*firestore.DocumentSnapshot, error) {
	agents := []*firestore.DocumentSnapshot{}
	agentIter := db.firestoreClient.Collection(agentsCollection).Documents(ctx)
	defer agentIter.Stop()
	for {
		agentSnapshot, err := agentIter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("while iterating agents: %w", err)
		}

		agents = append(agents, agentSnapshot)
	}

	return agents, nil
}

// AgentSlotDays batch-fetches the slot documents for the given day IDs
// under one agent.  Missing days come back as non-existent snapshots.
func (db *DB) AgentSlotDays(ctx context.Context, agentRef *firestore.DocumentRef, dayIDs []string) ([]*firestore.DocumentSnapshot, error) {
	refs := make([]*firestore.DocumentRef, 0, len(dayIDs))
	for _, dayID := range dayIDs {
		refs = append(refs, agentRef.Collection(slotsCollection).Doc(dayID))
	}

	snaps, err := db.firestoreClient.GetAll(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("while batch-fetching slots for agent %s: %w", agentRef.ID, err)
	}

	return snaps, nil
}

// SetAgentWorking updates the agent's weekly working-status flag.
func (db *DB) SetAgentWorking(ctx context.Context, agentRef *firestore.DocumentRef, working bool) error {
	_, err := agentRef.Update(ctx, []firestore.Update{
		{Path: "working", Value: working},
	})
	if err != nil {
		return fmt.Errorf("while updating working status for agent %s: %w", agentRef.ID, err)
	}
	return nil
}

// PendingNotifications queries the cross-agent set of notification
// documents that have not yet had a dispatch attempt.
func (db *DB) PendingNotifications(ctx context.Context) ([]*firestore.DocumentSnapshot, error) {
	notifications := []*firestore.DocumentSnapshot{}
	notificationIter := db.firestoreClient.CollectionGroup(notificationsCollection).Where("dispatched", "==", false).Documents(ctx)
	defer notificationIter.Stop()
	for {
		notificationSnapshot, err := notificationIter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("while iterating pending notifications: %w", err)
		}

		notifications = append(notifications, notificationSnapshot)
	}

	return notifications, nil
}

// MarkNotificationSent records a successful push send on the triggering
// document.
func (db *DB) MarkNotificationSent(ctx context.Context, ref *firestore.DocumentRef, now time.Time) error {
	_, err := ref.Update(ctx, []firestore.Update{
		{Path: "dispatched", Value: true},
		{Path: "sent", Value: true},
		{Path: "at", Value: now},
	})
	if err != nil {
		return fmt.Errorf("while marking notification %s sent: %w", ref.ID, err)
	}
	return nil
}

// MarkNotificationFailed records a failed dispatch attempt on the
// triggering document instead of raising.
func (db *DB) MarkNotificationFailed(ctx context.Context, ref *firestore.DocumentRef, now time.Time, reason string) error {
	_, err := ref.Update(ctx, []firestore.Update{
		{Path: "dispatched", Value: true},
		{Path: "sent", Value: false},
		{Path: "at", Value: now},
		{Path: "error", Value: reason},
	})
	if err != nil {
		return fmt.Errorf("while marking notification %s failed: %w", ref.ID, err)
	}
	return nil
}
