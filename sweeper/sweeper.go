// Package sweeper expires bookings whose scheduled slot has passed while
// the booking was still in an actionable stage.
package sweeper

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"text/template"
	"time"

	"fieldserve/dblayer"
	"fieldserve/dbtypes"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// CancelReason is written onto every booking the sweep expires.
const CancelReason = "Auto expired by system as the booking was not processed until its scheduled slot time"

// inFlightStages is the set of stages eligible for automatic expiry.
// Every other stage is terminal or otherwise excluded and is never
// touched, which also makes the sweep idempotent: an expired booking no
// longer matches.
var inFlightStages = map[string]bool{
	dbtypes.StageAllotmentPending:       true,
	dbtypes.StageAcceptancePending:      true,
	dbtypes.StageJobAccepted:            true,
	dbtypes.StageOTPVerificationPending: true,
}

// shouldExpire reports whether a booking is eligible for expiry at the
// given instant.  A booking with no time slot has no date to compare and
// is never eligible.  The slot date must be strictly in the past.
func shouldExpire(booking *dbtypes.Booking, now time.Time) bool {
	if booking.TimeSlot == nil {
		return false
	}
	if !booking.TimeSlot.Date.Before(now) {
		return false
	}
	return inFlightStages[booking.Stage]
}

// ItemFailure records one booking whose expiry update did not settle
// cleanly.
type ItemFailure struct {
	BookingID string
	Err       error
}

// Sweeper runs single passes over the flattened cross-user booking set.
// A nil sendgrid client disables the operator failure summary; failures
// are still logged.
type Sweeper struct {
	db             *dblayer.DB
	sendgridClient *sendgrid.Client
	opsEmail       string
}

type Opt func(*Sweeper)

// WithFailureSummaryEmail routes a summary of per-booking failures to the
// given address at the end of any pass that collected failures.
func WithFailureSummaryEmail(sendgridClient *sendgrid.Client, opsEmail string) Opt {
	return func(s *Sweeper) {
		s.sendgridClient = sendgridClient
		s.opsEmail = opsEmail
	}
}

func New(db *dblayer.DB, opts ...Opt) *Sweeper {
	sweeper := &Sweeper{
		db: db,
	}

	for _, opt := range opts {
		opt(sweeper)
	}

	return sweeper
}

// Pass scans every booking across all users and expires the eligible
// ones.  Per-booking updates run concurrently and are joined with an
// all-settle barrier; an individual failure is collected and logged, and
// never aborts sibling updates or the pass itself.
func (s *Sweeper) Pass(ctx context.Context) error {
	tracer := otel.Tracer("fieldserve/sweeper")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Sweeper.Pass")
	defer span.End()

	slog.InfoContext(ctx, "Starting booking expiry pass")

	bookingSnapshots, err := s.db.AllBookings(ctx)
	if err != nil {
		return fmt.Errorf("while listing bookings: %w", err)
	}

	now := time.Now()

	var mu sync.Mutex
	failures := []ItemFailure{}
	expired := 0

	eg, ctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(50)

	for _, bookingSnapshot := range bookingSnapshots {
		bookingSnapshot := bookingSnapshot

		booking := &dbtypes.Booking{}
		if err := bookingSnapshot.DataTo(booking); err != nil {
			mu.Lock()
			failures = append(failures, ItemFailure{BookingID: bookingSnapshot.Ref.ID, Err: fmt.Errorf("while unmarshaling booking: %w", err)})
			mu.Unlock()
			continue
		}

		if !shouldExpire(booking, now) {
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("while acquiring concurrency limiter semaphore: %w", err)
		}

		eg.Go(func() error {
			defer sem.Release(1)

			if err := s.expireOne(ctx, booking, now); err != nil {
				slog.ErrorContext(ctx, "Failed to expire booking", slog.String("booking", booking.ID), slog.Any("err", err))
				mu.Lock()
				failures = append(failures, ItemFailure{BookingID: booking.ID, Err: err})
				mu.Unlock()
				return nil
			}

			mu.Lock()
			expired++
			mu.Unlock()
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return fmt.Errorf("while waiting for completion of errgroup: %w", err)
	}

	slog.InfoContext(ctx, "Finished booking expiry pass", slog.Int("scanned", len(bookingSnapshots)), slog.Int("expired", expired), slog.Int("failed", len(failures)))

	if len(failures) > 0 {
		if err := s.sendFailureSummary(ctx, failures); err != nil {
			slog.ErrorContext(ctx, "Failed to send sweep failure summary", slog.Any("err", err))
		}
	}

	return nil
}

func (s *Sweeper) expireOne(ctx context.Context, booking *dbtypes.Booking, now time.Time) error {
	if booking.CurrentUser == nil || booking.CurrentUser.UserID == "" {
		return fmt.Errorf("booking has no current user; cannot resolve canonical path")
	}

	return s.db.ExpireBooking(ctx, booking.CurrentUser.UserID, booking.ID, CancelReason, now)
}

const summaryPlain = `The booking expiry sweep finished with {{len .}} failed update(s):
{{range . -}}
* {{.BookingID}}: {{.Err}}
{{end}}`

var summaryPlainTemplate = template.Must(template.New("summary").Parse(summaryPlain))

func (s *Sweeper) sendFailureSummary(ctx context.Context, failures []ItemFailure) error {
	if s.sendgridClient == nil || s.opsEmail == "" {
		return nil
	}

	message := mail.NewV3Mail()
	message.From = mail.NewEmail("FieldServe Bot", "bot@fieldserve.dev")
	message.Subject = fmt.Sprintf("Booking expiry sweep: %d failed updates", len(failures))

	personalization := mail.NewPersonalization()
	personalization.To = append(personalization.To, mail.NewEmail("", s.opsEmail))
	message.Personalizations = append(message.Personalizations, personalization)

	textContent := &bytes.Buffer{}
	if err := summaryPlainTemplate.Execute(textContent, failures); err != nil {
		return fmt.Errorf("while templating plain-text summary content: %w", err)
	}

	message.Content = append(message.Content, mail.NewContent("text/plain", textContent.String()))

	resp, err := s.sendgridClient.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("while sending mail through SendGrid: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response while sending mail through SendGrid: %d %q", resp.StatusCode, resp.Body)
	}

	return nil
}
