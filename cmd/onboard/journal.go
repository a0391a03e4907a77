package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/rendis/onboard/internal/store"
)

// journal opens the database for reading without unlocking the vault.
type journal struct {
	store  *store.LibSQLStore
	events *store.EventLog
}

func openJournal(ctx context.Context, dbPath string) (*journal, error) {
	path := strings.TrimPrefix(dbPath, "file:")
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("no database at %s", path)
	}
	s, err := store.NewLibSQLStore("file:" + path)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &journal{store: s, events: store.NewEventLog(s)}, nil
}

func (j *journal) Close() error { return j.store.Close() }
