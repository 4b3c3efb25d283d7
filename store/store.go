package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"runicvtt/table"
)

// SavedTable 一张桌面的存档，整张表序列化为 JSON 列
type SavedTable struct {
	ID        uint           `gorm:"primaryKey"`
	Name      string         `gorm:"uniqueIndex;size:128;not null"`
	Data      datatypes.JSON `gorm:"not null"`
	UpdatedAt time.Time
}

// Store 桌面存档
type Store struct {
	db *gorm.DB
}

// Open 按驱动名打开数据库并迁移表结构
// sqlite 的 dsn 为文件路径，空串表示内存库；postgres 的 dsn 为连接串
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	memory := false
	switch driver {
	case "sqlite", "":
		if dsn == "" || dsn == ":memory:" {
			dsn, memory = "file::memory:", true
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.New(postgres.Config{
			DSN:                  dsn,
			PreferSimpleProtocol: true,
		})
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	if memory {
		// 内存库每个连接各自独立，只保留一个连接
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&SavedTable{}); err != nil {
		return nil, fmt.Errorf("migrate saved_tables: %w", err)
	}
	return &Store{db: db}, nil
}

// Save 按名字覆盖写入
func (s *Store) Save(ctx context.Context, name string, d table.Dump) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode table %q: %w", name, err)
	}
	row := SavedTable{Name: name, Data: datatypes.JSON(data), UpdatedAt: time.Now()}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save table %q: %w", name, err)
	}
	return nil
}

// Load 读取存档；不存在时 ok 为 false
func (s *Store) Load(ctx context.Context, name string) (table.Dump, bool, error) {
	var row SavedTable
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return table.Dump{}, false, nil
	}
	if err != nil {
		return table.Dump{}, false, fmt.Errorf("load table %q: %w", name, err)
	}
	var d table.Dump
	if err := json.Unmarshal(row.Data, &d); err != nil {
		return table.Dump{}, false, fmt.Errorf("decode table %q: %w", name, err)
	}
	return d, true, nil
}

// Names 列出所有存档名
func (s *Store) Names(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&SavedTable{}).Order("name").Pluck("name", &names).Error
	return names, err
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
