package dbtypes

import (
	"time"
)

// Booking stages that are still actionable.  A booking in one of these
// stages is eligible for automatic expiry once its slot has passed.
const (
	StageAllotmentPending       = "allotmentPending"
	StageAcceptancePending      = "acceptancePending"
	StageJobAccepted            = "jobAccepted"
	StageOTPVerificationPending = "otpVerificationPending"
	StageExpired                = "expired"
)

// Catalogue is the root of a service-catalogue tree.  Its categories,
// sub-categories, and services live in nested sub-collections and carry
// free-form fields, so they are handled as raw document data rather than
// as structs.
type Catalogue struct {
	Active  bool      `firestore:"active"`
	Created time.Time `firestore:"created"`
	Name    string    `firestore:"name"`
}

// Booking lives at users/{userId}/bookings/{bookingId}.  The stored id
// field mirrors the document ID so that collection-group results can be
// resolved back to their canonical path.
type Booking struct {
	ID           string       `firestore:"id"`
	Stage        string       `firestore:"stage"`
	TimeSlot     *TimeSlot    `firestore:"timeSlot"`
	CurrentUser  *BookingUser `firestore:"currentUser"`
	CancelReason string       `firestore:"cancelReason"`
	ExpiredAt    time.Time    `firestore:"expiredAt"`
}

type TimeSlot struct {
	Date time.Time `firestore:"date"`
}

type BookingUser struct {
	UserID string `firestore:"userId"`
}

// Agent represents a field agent.  Working is interface{} because legacy
// documents hold a timestamp sentinel in that field instead of a bool;
// the rollover job must leave those untouched.
type Agent struct {
	NotificationToken string      `firestore:"notificationToken"`
	Working           interface{} `firestore:"working"`
}

// Notification is a push-notification request queued under
// agents/{agentId}/notifications.  Dispatched flips to true once the
// dispatcher has attempted the send, successfully or not.
type Notification struct {
	Title      string    `firestore:"title"`
	Body       string    `firestore:"body"`
	Dispatched bool      `firestore:"dispatched"`
	Sent       bool      `firestore:"sent"`
	At         time.Time `firestore:"at"`
	Error      string    `firestore:"error"`
}
