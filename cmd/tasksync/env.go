package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mschirtzinger/tasksync/internal/backup"
	"github.com/mschirtzinger/tasksync/internal/codec"
	"github.com/mschirtzinger/tasksync/internal/config"
	"github.com/mschirtzinger/tasksync/internal/coordinator"
	"github.com/mschirtzinger/tasksync/internal/merge"
	"github.com/mschirtzinger/tasksync/internal/resilience"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/store"
)

// env is everything a command needs to run passes against one task file.
type env struct {
	cfg     *config.Config
	db      *store.DB
	codec   *codec.Markdown
	files   *resilience.Layer
	backups *backup.Manager
	coord   *coordinator.Coordinator
}

// openEnv opens the store and builds a coordinator from c.
func openEnv(c *config.Config) (*env, error) {
	db, err := store.Open(c.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}

	files := resilience.New(resilience.Config{
		MaxAttempts:     c.Retry.MaxAttempts,
		InitialInterval: c.RetryInitial(),
		MaxInterval:     c.RetryMax(),
		Logger:          newLogger("resilience"),
	})
	backups := backup.New(backup.Config{
		Fs:            files.Fs(),
		Dir:           c.BackupDirFor(),
		RetentionDays: c.BackupRetentionDays,
		Logger:        newLogger("backup"),
	})
	md := codec.New()

	coord, err := coordinator.New(db, coordinator.Config{
		FilePath:      c.File,
		Direction:     schema.Direction(c.Direction),
		Strategy:      coordinator.Strategy(c.Strategy),
		Policy:        merge.Policy(c.Policy),
		MaxFileSizeMB: c.MaxFileSizeMB,
		MaxTasks:      c.MaxTasks,
		AutoBackup:    c.AutoBackup,
		DryRun:        c.DryRun,
		Codec:         md,
		Files:         files,
		Backups:       backups,
		Logger:        newLogger("coordinator"),
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}

	return &env{cfg: c, db: db, codec: md, files: files, backups: backups, coord: coord}, nil
}

// mustOpenEnv opens the environment for the loaded configuration and starts
// the coordinator, exiting on failure.
func mustOpenEnv(ctx context.Context) *env {
	e, err := openEnv(cfg)
	if err != nil {
		fatalf("Error: %v", err)
	}
	if err := e.coord.Start(ctx); err != nil {
		e.Close()
		fatalf("Error: %v", err)
	}
	return e
}

func (e *env) Close() {
	if err := e.db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
	}
}

// pushToFile writes store changes to the file when the configured direction
// allows it.
func (e *env) pushToFile(ctx context.Context) error {
	if !schema.Direction(e.cfg.Direction).Includes(schema.DirectionAppToFile) {
		return nil
	}
	_, err := e.coord.SyncAppToFile(ctx)
	return err
}
