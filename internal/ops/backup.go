package ops

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Checkpointer flushes pending writes so the database file on disk is
// complete. *storage.Store implements it for sqlite WAL.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

// BackupManager copies the relay database to a backup destination.
type BackupManager struct {
	store  Checkpointer
	dbPath string
	logger *Logger
}

// NewBackupManager creates a backup manager for the database at dbPath.
func NewBackupManager(store Checkpointer, dbPath string, logger *Logger) *BackupManager {
	return &BackupManager{
		store:  store,
		dbPath: dbPath,
		logger: logger.WithComponent("backup"),
	}
}

// Backup checkpoints the database and copies it to destPath.
func (b *BackupManager) Backup(ctx context.Context, destPath string) error {
	start := time.Now()

	if b.dbPath == "" {
		return fmt.Errorf("database path not set")
	}

	b.logger.Info("starting database backup", "destination", destPath)

	// Fold the WAL into the main file so the copy is self-contained.
	if err := b.store.Checkpoint(ctx); err != nil {
		return fmt.Errorf("failed to checkpoint before backup: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	written, err := copyFile(b.dbPath, destPath)
	if err != nil {
		b.logger.Error("backup failed", "destination", destPath, "error", err)
		return err
	}

	b.logger.Info("backup complete",
		"destination", destPath,
		"bytes", written,
		"duration", time.Since(start))
	return nil
}

// BackupToDir writes a timestamped backup into dir and returns its path.
func (b *BackupManager) BackupToDir(ctx context.Context, dir string) (string, error) {
	name := fmt.Sprintf("nopub-%s.db", time.Now().Format("20060102-150405"))
	destPath := filepath.Join(dir, name)
	if err := b.Backup(ctx, destPath); err != nil {
		return "", err
	}
	return destPath, nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open database file: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("failed to create backup file: %w", err)
	}

	written, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		os.Remove(dst)
		return 0, fmt.Errorf("failed to copy database: %w", err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("failed to finalize backup: %w", err)
	}
	return written, nil
}
