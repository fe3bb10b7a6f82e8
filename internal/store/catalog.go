package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/PetoAdam/homenavi/govee-adapter/internal/model"
)

// DeviceRecord is the persisted identity of a discovered device. Current
// state is never stored here.
type DeviceRecord struct {
	DeviceID     string         `gorm:"primaryKey;size:64" json:"device"`
	SKU          string         `gorm:"size:32;not null" json:"sku"`
	Name         string         `json:"device_name"`
	Type         string         `json:"type"`
	Position     int            `gorm:"not null;default:0" json:"position"`
	Capabilities datatypes.JSON `json:"capabilities"`
	LastSeen     time.Time      `gorm:"index" json:"last_seen"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (DeviceRecord) TableName() string { return "govee_devices" }

type Catalog struct {
	db  *gorm.DB
	now func() time.Time
}

func gormLogger() logger.Interface {
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             2 * time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger()})
	if err != nil {
		return nil, fmt.Errorf("open postgres catalog: %w", err)
	}
	return db, nil
}

func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormLogger()})
	if err != nil {
		return nil, fmt.Errorf("open sqlite catalog: %w", err)
	}
	return db, nil
}

// Open picks the driver by name. Supported drivers are postgres and sqlite.
func Open(driver, dsn string) (*gorm.DB, error) {
	switch driver {
	case "postgres", "postgresql":
		return OpenPostgres(dsn)
	case "sqlite", "sqlite3":
		return OpenSQLite(dsn)
	default:
		return nil, fmt.Errorf("unsupported catalog driver %q", driver)
	}
}

func NewCatalog(db *gorm.DB) (*Catalog, error) {
	if err := db.AutoMigrate(&DeviceRecord{}); err != nil {
		return nil, err
	}
	return &Catalog{db: db, now: time.Now}, nil
}

func toRecord(d model.Device, pos int, now time.Time) (DeviceRecord, error) {
	caps, err := json.Marshal(d.Capabilities)
	if err != nil {
		return DeviceRecord{}, err
	}
	return DeviceRecord{
		DeviceID:     d.ID,
		SKU:          d.SKU,
		Name:         d.Name,
		Type:         d.Type,
		Position:     pos,
		Capabilities: datatypes.JSON(caps),
		LastSeen:     now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (r DeviceRecord) device() (model.Device, error) {
	var caps []model.Capability
	if len(r.Capabilities) > 0 {
		if err := json.Unmarshal(r.Capabilities, &caps); err != nil {
			return model.Device{}, err
		}
	}
	return model.NewDevice(r.SKU, r.DeviceID, r.Name, r.Type, caps), nil
}

// SyncDevices makes the catalog match devs exactly: listed devices are
// upserted in order and everything else is removed.
func (c *Catalog) SyncDevices(ctx context.Context, devs []model.Device) error {
	now := c.now().UTC()
	keep := make([]string, 0, len(devs))
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, d := range devs {
			if d.ID == "" {
				continue
			}
			rec, err := toRecord(d, i, now)
			if err != nil {
				return fmt.Errorf("encode capabilities for %s: %w", d.ID, err)
			}
			err = tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "device_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"sku", "name", "type", "position", "capabilities", "last_seen", "updated_at"}),
			}).Create(&rec).Error
			if err != nil {
				return err
			}
			keep = append(keep, d.ID)
		}
		q := tx.Model(&DeviceRecord{})
		if len(keep) > 0 {
			q = q.Where(clause.Not(clause.IN{Column: clause.Column{Name: "device_id"}, Values: toAnySlice(keep)}))
		} else {
			q = q.Where("1 = 1")
		}
		res := q.Delete(&DeviceRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			slog.Info("catalog pruned devices", "removed", res.RowsAffected)
		}
		return nil
	})
}

// ListDevices returns catalogued devices in their last discovery order.
func (c *Catalog) ListDevices(ctx context.Context) ([]model.Device, error) {
	var recs []DeviceRecord
	if err := c.db.WithContext(ctx).Order("position asc").Order("device_id asc").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]model.Device, 0, len(recs))
	for _, r := range recs {
		d, err := r.device()
		if err != nil {
			slog.Warn("catalog record skipped", "device", r.DeviceID, "error", err)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func toAnySlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
