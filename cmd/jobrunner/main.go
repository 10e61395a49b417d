// jobrunner hosts the scheduled jobs: the booking expiry sweep, the
// weekly working-status rollover, and the push-notification dispatcher.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldserve/dblayer"
	"fieldserve/healthz"
	"fieldserve/notifier"
	"fieldserve/rollover"
	"fieldserve/sweeper"

	"cloud.google.com/go/firestore"
	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	firebase "firebase.google.com/go/v4"
	"github.com/robfig/cron/v3"
	"github.com/sendgrid/sendgrid-go"
	secretmanagerpb "google.golang.org/genproto/googleapis/cloud/secretmanager/v1"
)

var (
	debugListen       = flag.String("debug-listen", "127.0.0.1:8001", "Server address:port for debug endpoint.")
	dataProject       = flag.String("data-project", "", "GCP project that contains the application state.")
	timeZone          = flag.String("time-zone", "Asia/Kolkata", "Named time zone for the job schedules.")
	expireSchedule    = flag.String("expire-schedule", "1 0 * * *", "Cron expression for the booking expiry sweep.")
	rolloverSchedule  = flag.String("rollover-schedule", "0 1 * * *", "Cron expression for the working-status rollover.")
	notifySchedule    = flag.String("notify-schedule", "* * * * *", "Cron expression for the notification dispatcher.")
	sendgridKeySecret = flag.String("sendgrid-key-secret", "", "GCP Secret Manager secret name that contains the Sendgrid API key.  Empty disables failure summary emails.")
	opsEmail          = flag.String("ops-email", "", "Address that receives sweep failure summaries.")
)

func main() {
	flag.Parse()

	slog.Info("Starting up")
	slog.Info(
		"Flags",
		slog.String("debug-listen", *debugListen),
		slog.String("data-project", *dataProject),
		slog.String("time-zone", *timeZone),
		slog.String("expire-schedule", *expireSchedule),
		slog.String("rollover-schedule", *rolloverSchedule),
		slog.String("notify-schedule", *notifySchedule),
		slog.String("sendgrid-key-secret", *sendgridKeySecret),
		slog.String("ops-email", *opsEmail),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := do(ctx); err != nil {
		slog.ErrorContext(ctx, "Error", slog.Any("err", err))
		os.Exit(255)
	}
}

func do(ctx context.Context) error {
	location, err := time.LoadLocation(*timeZone)
	if err != nil {
		return fmt.Errorf("while loading time zone %q: %w", *timeZone, err)
	}

	fstore, err := firestore.NewClient(ctx, *dataProject)
	if err != nil {
		return fmt.Errorf("while creating FireStore client: %w", err)
	}

	firebaseApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: *dataProject})
	if err != nil {
		return fmt.Errorf("while creating Firebase app: %w", err)
	}

	messagingClient, err := firebaseApp.Messaging(ctx)
	if err != nil {
		return fmt.Errorf("while creating Messaging client: %w", err)
	}

	db := dblayer.New(fstore)

	sweeperOpts := []sweeper.Opt{}
	if *sendgridKeySecret != "" {
		sg, err := newSendgridClient(ctx)
		if err != nil {
			return fmt.Errorf("while creating Sendgrid client: %w", err)
		}
		sweeperOpts = append(sweeperOpts, sweeper.WithFailureSummaryEmail(sg, *opsEmail))
	}

	expirySweeper := sweeper.New(db, sweeperOpts...)
	statusRollover := rollover.New(db)
	pushNotifier := notifier.New(db, messagingClient)

	readyz := healthz.New()
	readyz.SetReady(false)

	debugServeMux := http.NewServeMux()
	debugServeMux.Handle("/healthz", healthz.New())
	debugServeMux.Handle("/readyz", readyz)
	debugServeMux.HandleFunc("/debug/pprof/", pprof.Index)
	debugServeMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	debugServeMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	debugServeMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	debugServeMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	debugServer := &http.Server{
		Addr:    *debugListen,
		Handler: debugServeMux,

		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	// SkipIfStillRunning keeps each job at one concurrent run; there is no
	// cross-process lock, matching the single-active-timer assumption of
	// the deployment.
	scheduler := cron.New(
		cron.WithLocation(location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)

	jobs := []struct {
		name     string
		schedule string
		pass     func(context.Context) error
	}{
		{"booking-expiry", *expireSchedule, expirySweeper.Pass},
		{"working-status-rollover", *rolloverSchedule, statusRollover.Pass},
		{"notification-dispatch", *notifySchedule, pushNotifier.Pass},
	}

	for _, job := range jobs {
		job := job
		if _, err := scheduler.AddFunc(job.schedule, func() {
			if err := job.pass(ctx); err != nil {
				slog.ErrorContext(ctx, "Error during job pass", slog.String("job", job.name), slog.Any("err", err))
			}
		}); err != nil {
			return fmt.Errorf("while scheduling job %s: %w", job.name, err)
		}
	}

	go func() {
		if err := debugServer.ListenAndServe(); err != nil {
			slog.ErrorContext(ctx, "Debug server died", slog.Any("err", err))
			os.Exit(255)
		}
	}()

	scheduler.Start()
	defer scheduler.Stop()

	readyz.SetReady(true)

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	<-signalCh

	return nil
}

func newSendgridClient(ctx context.Context) (*sendgrid.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	secretClient, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("while creating Secret Manager client: %w", err)
	}
	defer secretClient.Close()

	resp, err := secretClient.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", *dataProject, *sendgridKeySecret),
	})
	if err != nil {
		return nil, fmt.Errorf("while pulling secret: %w", err)
	}

	return sendgrid.NewSendClient(string(resp.GetPayload().GetData())), nil
}
