package lorian

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"os"
	"path/filepath"
	"time"
)

const (
	exportFilePrefix    = "backup-"
	exportTimeFormat    = "20060102-150405"
	exportBackupSuffix  = ".backup"
	exportFilePerm      = 0o600
	exportDirectoryPerm = 0o750
)

// DataExport is a JSON snapshot of everything the bot persists
type DataExport struct {
	Version        string            `json:"version"`
	ExportedAt     time.Time         `json:"exported_at"`
	Config         *RuntimeConfig    `json:"config,omitempty"`
	Users          []User            `json:"users"`
	Conversations  []Conversation    `json:"conversations"`
	Tickets        []Ticket          `json:"tickets"`
	ButtonMessages []ButtonMessage   `json:"button_messages"`
	Feedback       []FeedbackMessage `json:"feedback"`
	Reminders      []Reminder        `json:"reminders"`
}

// collectExport reads every persisted model. Closed tickets and removed
// setup messages are included.
func collectExport(ctx context.Context, db *gorm.DB, now time.Time) (*DataExport, error) {
	db = db.WithContext(ctx)
	export := &DataExport{Version: Version, ExportedAt: now.UTC()}

	var cfg RuntimeConfig
	cfgErr := db.Last(&cfg).Error
	switch {
	case cfgErr == nil:
		export.Config = &cfg
	case errors.Is(cfgErr, gorm.ErrRecordNotFound):
		cfgErr = nil
	}

	err := errors.Join(
		cfgErr,
		db.Order("id").Find(&export.Users).Error,
		db.Order("id").Find(&export.Conversations).Error,
		db.Unscoped().Order("created_at").Find(&export.Tickets).Error,
		db.Unscoped().Order("id").Find(&export.ButtonMessages).Error,
		db.Order("created_at").Find(&export.Feedback).Error,
		db.Order("remind_at").Find(&export.Reminders).Error,
	)
	if err != nil {
		return nil, fmt.Errorf("error reading data for export: %w", err)
	}
	return export, nil
}

// ExportData writes a JSON snapshot of the database to
// <dataDir>/backup-<timestamp>.json, returning the file's path. The
// file is written to a temporary file first, and an existing file with
// the same name is kept with a .backup suffix.
func ExportData(ctx context.Context, db *gorm.DB, dataDir string, now time.Time) (string, error) {
	export, err := collectExport(ctx, db, now)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return "", fmt.Errorf("error encoding export: %w", err)
	}

	if dataDir == "" {
		dataDir = DefaultDataDir
	}
	if err = os.MkdirAll(dataDir, exportDirectoryPerm); err != nil {
		return "", fmt.Errorf("error creating data dir: %w", err)
	}
	path := filepath.Join(dataDir, exportFilePrefix+now.UTC().Format(exportTimeFormat)+".json")

	tmp, err := os.CreateTemp(dataDir, exportFilePrefix+"*.tmp")
	if err != nil {
		return "", fmt.Errorf("error creating export file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if err = errors.Join(writeErr, closeErr); err != nil {
		return "", fmt.Errorf("error writing export: %w", err)
	}
	if err = os.Chmod(tmpName, exportFilePerm); err != nil {
		return "", err
	}

	if _, statErr := os.Stat(path); statErr == nil {
		if err = os.Rename(path, path+exportBackupSuffix); err != nil {
			return "", fmt.Errorf("error keeping previous export: %w", err)
		}
	}
	if err = os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("error moving export into place: %w", err)
	}

	if logger, ok := ContextLogger(ctx); ok && logger != nil {
		logger.InfoContext(
			ctx,
			"exported data",
			"path", path,
			"users", len(export.Users),
			"conversations", len(export.Conversations),
			"tickets", len(export.Tickets),
			"feedback", len(export.Feedback),
			"reminders", len(export.Reminders),
		)
	}
	return path, nil
}
