// Copyright 2026 The go-engage Authors
// SPDX-License-Identifier: Apache-2.0

// Command go-engage is a small demo wiring the library end to end: a SQLite
// durable store, a Postgres row store, the visit tracker and the student
// notifier. It reads DATABASE_URL (and optionally ENGAGE_STATE_PATH and
// STUDENT_ID) from the environment or a .env file.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/haitranwang/go-engage/engage"
	"github.com/haitranwang/go-engage/localstore"
	"github.com/haitranwang/go-engage/pgstore"
)

func main() {
	if err := run(); err != nil {
		slog.Error("demo failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using system environment variables")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	statePath := os.Getenv("ENGAGE_STATE_PATH")
	if statePath == "" {
		statePath = "engage_state.db"
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	rows, err := pgstore.New(pool, nil, logger)
	if err != nil {
		return err
	}
	defer rows.Close()

	durable, err := localstore.Open(statePath)
	if err != nil {
		return err
	}
	defer durable.Close()

	session := localstore.NewSessionStore()
	defer session.Close()

	tracker := engage.NewVisitTracker(durable, session, rows, nil, logger)
	for _, path := range []string{"/dashboard", "/classes", "/assignments"} {
		pv := tracker.TrackPageView(ctx, path)
		fmt.Printf("tracked %-13s new_visit=%-5v new_session=%-5v unique=%-5v page_views_today=%d flushed=%v\n",
			path, pv.NewVisit, pv.NewSession, pv.UniqueToday, pv.PageViewsToday, pv.Flushed)
	}
	tracker.TrackPageLeave(ctx)

	studentID := os.Getenv("STUDENT_ID")
	if studentID == "" {
		return nil
	}

	notifier := engage.NewStudentNotifier(rows, durable, studentID, nil, logger)
	feed, err := notifier.Recompute(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("notifications for %s: %d\n", studentID, len(feed))
	for _, item := range feed {
		fmt.Printf("  [%s] %s / %s / %s", item.Status, item.ClassName, item.LessonTitle, item.AssignmentTitle)
		if item.Feedback != "" {
			fmt.Printf("  feedback: %s", item.Feedback)
		}
		fmt.Println()
	}

	// Stay live for a bit so change events in another session show up here.
	liveCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := notifier.Start(liveCtx); err != nil {
		return err
	}
	for {
		select {
		case <-liveCtx.Done():
			return nil
		case feed := <-notifier.Updates():
			fmt.Printf("feed updated: %d notifications\n", len(feed))
		}
	}
}
