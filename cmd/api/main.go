package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"gigflow/attendance"
	"gigflow/backjob"
	"gigflow/db"
	"gigflow/engagement"
	"gigflow/escrow"
	"gigflow/gateway"
	"gigflow/outbox"

	authpkg "gigflow/auth"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}
	escrowURL := os.Getenv("ESCROW_URL")
	if escrowURL == "" {
		log.Fatal("ESCROW_URL is required")
	}
	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	escrowClient := escrow.NewClient(escrowURL)
	engagements := engagement.NewCoordinator(pool, nil, nil, escrowClient)
	ledger := attendance.NewLedger(pool, nil)
	backjobs := backjob.NewTracker(pool, nil, escrowClient)
	transitions := gateway.New(engagements, ledger, backjobs)
	authService := authpkg.NewService(authpkg.NewRepository(pool), jwtSecret)

	server := &Server{
		authService:       authService,
		transitions:       transitions,
		engagementService: engagements,
		attendanceService: ledger,
		backjobService:    backjobs,
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	worker := outbox.NewWorker(pool, nil)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("api listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := worker.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("api exited: %v", err)
	}
}
