package db

import (
	"database/sql"
	"time"

	"messenger/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const connectAttempts = 10

// Connect 建立到 Postgres 的连接，启动时等待数据库容器就绪。
func Connect(dsn string) (*gorm.DB, error) {
	var err error
	for i := 0; i < connectAttempts; i++ {
		var gdb *gorm.DB
		if gdb, err = open(postgres.Open(dsn)); err == nil {
			var sqlDB *sql.DB
			if sqlDB, err = gdb.DB(); err == nil {
				if err = sqlDB.Ping(); err == nil {
					sqlDB.SetMaxIdleConns(5)
					sqlDB.SetMaxOpenConns(20)
					sqlDB.SetConnMaxLifetime(time.Hour)
					return gdb, nil
				}
			}
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("postgres not ready")
		time.Sleep(time.Duration(500+i*200) * time.Millisecond)
	}
	return nil, err
}

func open(d gorm.Dialector) (*gorm.DB, error) {
	return gorm.Open(d, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		// 唯一键冲突统一翻译为 gorm.ErrDuplicatedKey。
		TranslateError: true,
	})
}

// ConnectSQLite 打开嵌入式数据库，用于测试和单机部署。
// sqlite 不支持并发写，连接池限制为 1。
func ConnectSQLite(dsn string) (*gorm.DB, error) {
	gdb, err := open(sqlite.Open(dsn))
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := gdb.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, err
	}
	return gdb, nil
}

// Open 按驱动名选择连接方式。
func Open(driver, dsn string) (*gorm.DB, error) {
	if driver == "sqlite" {
		return ConnectSQLite(dsn)
	}
	return Connect(dsn)
}

// Migrate 自动迁移全部表结构。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&models.User{},
		&models.RefreshToken{},
		&models.OnlineStatus{},
		&models.Avatar{},
		&models.Friends{},
		&models.Chat{},
	)
}
