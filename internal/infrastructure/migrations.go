package infrastructure

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/yourusername/shelfcache-go/internal/domain"
)

// schemaMigration records an applied schema version
type schemaMigration struct {
	Version   int       `gorm:"primaryKey;autoIncrement:false"`
	Name      string    `gorm:"not null"`
	AppliedAt time.Time `gorm:"not null"`
}

func (schemaMigration) TableName() string {
	return "schema_migrations"
}

type migration struct {
	version int
	name    string
	up      func(tx *gorm.DB) error
}

// Migrations are additive and applied in strict version order. Previously
// downloaded files stay discoverable because task and item rows are never
// rewritten by a step.
var migrations = []migration{
	{
		version: 1,
		name:    "cache tables",
		up: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(
				&domain.Series{},
				&domain.Volume{},
				&domain.Chapter{},
				&domain.Collection{},
				&domain.Person{},
				&domain.ReadingList{},
				&domain.SeriesDetail{},
				&domain.ListRef{},
			); err != nil {
				return err
			}
			return tx.Exec(`CREATE TABLE IF NOT EXISTS legacy_page_cache (
				chapter_id INTEGER NOT NULL,
				page INTEGER NOT NULL,
				html TEXT,
				PRIMARY KEY (chapter_id, page)
			)`).Error
		},
	},
	{
		version: 2,
		name:    "download tables",
		up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&domain.DownloadTask{}, &domain.DownloadedItem{})
		},
	},
	{
		version: 3,
		name:    "item byte totals and task attempts",
		up: func(tx *gorm.DB) error {
			m := tx.Migrator()
			if !m.HasColumn(&domain.DownloadedItem{}, "BytesTotal") {
				if err := m.AddColumn(&domain.DownloadedItem{}, "BytesTotal"); err != nil {
					return err
				}
			}
			if !m.HasColumn(&domain.DownloadTask{}, "Attempts") {
				if err := m.AddColumn(&domain.DownloadTask{}, "Attempts"); err != nil {
					return err
				}
			}
			return nil
		},
	},
	{
		version: 4,
		name:    "drop deprecated page cache",
		up: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable("legacy_page_cache")
		},
	},
	{
		version: 5,
		name:    "queue index",
		up: func(tx *gorm.DB) error {
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_download_tasks_queue
				ON download_tasks (status, work_handle, priority DESC, created_at)`).Error
		},
	},
}

// SchemaVersion returns the latest version known to this build
func SchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// Migrate applies every pending migration, one transaction per version
func (d *Database) Migrate() error {
	if err := d.db.AutoMigrate(&schemaMigration{}); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	current, err := d.CurrentVersion()
	if err != nil {
		return err
	}
	if current > SchemaVersion() {
		return fmt.Errorf("database schema version (%d) is newer than supported (%d)", current, SchemaVersion())
	}
	if current == SchemaVersion() {
		d.log.Debug("Database schema is up to date", zap.Int("version", current))
		return nil
	}

	d.log.Info("Upgrading database schema",
		zap.Int("from", current),
		zap.Int("to", SchemaVersion()))

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := d.db.Transaction(func(tx *gorm.DB) error {
			if err := m.up(tx); err != nil {
				return err
			}
			return tx.Create(&schemaMigration{
				Version:   m.version,
				Name:      m.name,
				AppliedAt: time.Now(),
			}).Error
		})
		if err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", m.version, m.name, err)
		}
		d.log.Info("Applied migration", zap.Int("version", m.version), zap.String("name", m.name))
	}

	return nil
}

// CurrentVersion returns the highest applied schema version
func (d *Database) CurrentVersion() (int, error) {
	var version int
	err := d.db.Model(&schemaMigration{}).Select("COALESCE(MAX(version), 0)").Scan(&version).Error
	if err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}
	return version, nil
}
