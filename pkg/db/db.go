// Database bootstrap
package db

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open opens (creating if needed) the sqlite database at path and runs
// migrations for all chat models.
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir %s: %w", dir, err)
		}
	}

	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite db %s: %w", path, err)
	}

	if err := gdb.AutoMigrate(&Conversation{}, &Message{}, &Job{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return gdb, nil
}

// OpenInMemory opens a throwaway in-memory database, used by tests.
func OpenInMemory() (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open in-memory db: %w", err)
	}
	if err := gdb.AutoMigrate(&Conversation{}, &Message{}, &Job{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return gdb, nil
}

// DefaultPath returns the default database location under the user's config
// directory.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get user home dir: %w", err)
	}
	return filepath.Join(home, ".quillchat", "quillchat.db"), nil
}
