package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/qualityboard/qa-dashboard/quality"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

// Snapshot is one persisted CPK calculation.
type Snapshot struct {
	ID             string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Server         string    `gorm:"not null;index" json:"server"`
	Project        string    `gorm:"not null;index" json:"project"`
	Line           string    `json:"line,omitempty"`
	RangeFrom      time.Time `json:"range_from"`
	RangeTo        time.Time `json:"range_to"`
	ParameterCount int       `json:"parameter_count"`
	MinCPK         float64   `json:"min_cpk"`
	AvgCPK         float64   `json:"avg_cpk"`
	BelowTarget    int       `json:"below_target"`
	Source         string    `gorm:"type:varchar(16)" json:"source"`
	Points         string    `gorm:"type:text" json:"-"`
	CreatedAt      time.Time `gorm:"index" json:"created_at"`
}

// Decode returns the stored CPK points.
func (s *Snapshot) Decode() ([]quality.CPKPoint, error) {
	var pts []quality.CPKPoint
	if s.Points == "" {
		return pts, nil
	}
	if err := json.Unmarshal([]byte(s.Points), &pts); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", s.ID, err)
	}
	return pts, nil
}

type StoreConfig struct {
	Driver string // "sqlite" or "postgres"
	DSN    string
}

type SnapshotStore struct {
	DB *gorm.DB
}

// OpenStore opens the snapshot database and migrates the schema.
func OpenStore(cfg StoreConfig) (*SnapshotStore, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite", "sqlite3":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "qa-dashboard.db"
		}
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.AutoMigrate(&Snapshot{}); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &SnapshotStore{DB: db}, nil
}

// NewSnapshot builds a row from a calculated CPK view.
func NewSnapshot(server string, q quality.Query, data *CPKData, source string) (*Snapshot, error) {
	raw, err := json.Marshal(data.Points)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		ID:             uuid.NewString(),
		Server:         server,
		Project:        q.Project,
		Line:           q.Line,
		RangeFrom:      q.From.UTC(),
		RangeTo:        q.To.UTC(),
		ParameterCount: len(data.Points),
		MinCPK:         data.Summary.MinCPK,
		AvgCPK:         data.Summary.AvgCPK,
		BelowTarget:    data.Summary.BelowTarget,
		Source:         source,
		Points:         string(raw),
	}, nil
}

func (s *SnapshotStore) Save(ctx context.Context, snap *Snapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	return s.DB.WithContext(ctx).Create(snap).Error
}

type SnapshotFilter struct {
	Server  string
	Project string
	Since   time.Time
	Limit   int
}

// List returns newest snapshots first.
func (s *SnapshotStore) List(ctx context.Context, f SnapshotFilter) ([]Snapshot, error) {
	q := s.DB.WithContext(ctx).Model(&Snapshot{})
	if f.Server != "" {
		q = q.Where("server = ?", f.Server)
	}
	if f.Project != "" {
		q = q.Where("project = ?", f.Project)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []Snapshot
	err := q.Order("created_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

func (s *SnapshotStore) Get(ctx context.Context, id string) (*Snapshot, error) {
	snap := &Snapshot{}
	err := s.DB.WithContext(ctx).First(snap, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// DeleteOlderThan removes up to limit snapshots created before cutoff.
func (s *SnapshotStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	var ids []string
	q := s.DB.WithContext(ctx).Model(&Snapshot{}).Where("created_at < ?", cutoff).Order("created_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.DB.WithContext(ctx).Where("id IN ?", ids).Delete(&Snapshot{})
	return int(res.RowsAffected), res.Error
}

// CountOlderThan reports how many snapshots are older than cutoff and the oldest creation time.
func (s *SnapshotStore) CountOlderThan(ctx context.Context, cutoff time.Time) (int, time.Time, error) {
	var n int64
	if err := s.DB.WithContext(ctx).Model(&Snapshot{}).Where("created_at < ?", cutoff).Count(&n).Error; err != nil {
		return 0, time.Time{}, err
	}
	if n == 0 {
		return 0, time.Time{}, nil
	}
	var oldest Snapshot
	if err := s.DB.WithContext(ctx).Order("created_at").First(&oldest).Error; err != nil {
		return int(n), time.Time{}, err
	}
	return int(n), oldest.CreatedAt, nil
}

func (s *SnapshotStore) Count(ctx context.Context) (int, error) {
	var n int64
	err := s.DB.WithContext(ctx).Model(&Snapshot{}).Count(&n).Error
	return int(n), err
}

func (s *SnapshotStore) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
