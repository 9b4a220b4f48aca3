// Package store contains the subscription persistence methods. Consumers should
// depend on it through an interface they define themselves.
package store

import (
	"context"
	"fmt"

	"github.com/glebarez/sqlite"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"notifier/internal/config"
	"notifier/internal/model"
)

// Statement names carried by PersistenceError
const (
	StmtAddSubscription        = "add subscription"
	StmtRemoveSubscription     = "remove subscription"
	StmtRemoveAllSubscriptions = "remove all subscriptions"
	StmtListTokensForChat      = "list tokens for chat"
	StmtListChatsForToken      = "list chats for token"
	StmtCountSubscriptions     = "count subscriptions"
)

// PersistenceError wraps any connection or statement failure.
type PersistenceError struct {
	Statement string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Statement, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func fail(statement string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Statement: statement, Err: errors.WithStack(err)}
}

// Stats is a snapshot of the subscription table.
type Stats struct {
	Subscriptions int64
	Chats         int64
	Tokens        int64
}

// Store is the gorm wrapper holding all subscription statements.
type Store struct {
	db *gorm.DB
}

// New wraps an already opened gorm connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Open connects to the configured database, sizes its connection pool and
// creates the subscription table when it does not exist yet.
func Open(cfg config.Database, debug bool) (*Store, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}
	gormConfig := &gorm.Config{}
	if !debug {
		gormConfig.Logger = logger.Default.LogMode(logger.Silent)
	}
	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, errors.Wrap(err, "connect to database")
	}
	if debug {
		db = db.Debug()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "access connection pool")
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := New(db)
	if err := s.AutoMigrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return s, nil
}

func dialectorFor(cfg config.Database) (gorm.Dialector, error) {
	switch cfg.Driver {
	case config.DriverMySQL:
		return mysql.Open(MySQLDSN(cfg)), nil
	case config.DriverSQLite:
		return sqlite.Open(cfg.Path), nil
	default:
		return nil, errors.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// MySQLDSN builds the driver DSN from the discrete database settings.
func MySQLDSN(cfg config.Database) string {
	dsn := mysqldriver.NewConfig()
	dsn.User = cfg.User
	dsn.Passwd = cfg.Password
	dsn.Net = "tcp"
	dsn.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	dsn.DBName = cfg.Name
	dsn.ParseTime = true
	dsn.Params = map[string]string{"charset": "utf8mb4"}
	return dsn.FormatDSN()
}

// AutoMigrate creates the subs table.
func (s *Store) AutoMigrate() error {
	return errors.Wrap(s.db.AutoMigrate(&model.Subscription{}), "migrate subs table")
}

// Close releases every pooled connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AddSubscription subscribes chatID to token. Subscribing an existing pair only
// touches its updated_at column.
func (s *Store) AddSubscription(ctx context.Context, chatID, token string) error {
	sub := model.Subscription{ID: chatID, Token: token}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}, {Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{"updated_at"}),
	}).Create(&sub).Error
	return fail(StmtAddSubscription, err)
}

// RemoveSubscription deletes at most one row; a missing row is not an error.
func (s *Store) RemoveSubscription(ctx context.Context, chatID, token string) error {
	err := s.db.WithContext(ctx).
		Where("id = ? AND token = ?", chatID, token).
		Delete(&model.Subscription{}).Error
	return fail(StmtRemoveSubscription, err)
}

// RemoveAllSubscriptions deletes every subscription of chatID and reports how
// many rows went away.
func (s *Store) RemoveAllSubscriptions(ctx context.Context, chatID string) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("id = ?", chatID).
		Delete(&model.Subscription{})
	return result.RowsAffected, fail(StmtRemoveAllSubscriptions, result.Error)
}

// ListTokensForChat returns the tokens of chatID in subscription order.
// Tokens subscribed within the same created_at tick (one microsecond on
// MySQL) are listed alphabetically.
func (s *Store) ListTokensForChat(ctx context.Context, chatID string) ([]string, error) {
	tokens := []string{}
	err := s.db.WithContext(ctx).
		Model(&model.Subscription{}).
		Where("id = ?", chatID).
		Order("created_at, token").
		Pluck("token", &tokens).Error
	if err != nil {
		return nil, fail(StmtListTokensForChat, err)
	}
	return tokens, nil
}

// ListChatsForToken returns every chat subscribed to token.
func (s *Store) ListChatsForToken(ctx context.Context, token string) ([]string, error) {
	ids := []string{}
	err := s.db.WithContext(ctx).
		Model(&model.Subscription{}).
		Where("token = ?", token).
		Order("created_at, id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fail(StmtListChatsForToken, err)
	}
	return ids, nil
}

// CountSubscriptions reports row, chat and token counts.
func (s *Store) CountSubscriptions(ctx context.Context) (Stats, error) {
	var stats Stats
	db := s.db.WithContext(ctx).Model(&model.Subscription{})
	if err := db.Count(&stats.Subscriptions).Error; err != nil {
		return stats, fail(StmtCountSubscriptions, err)
	}
	if err := s.db.WithContext(ctx).Model(&model.Subscription{}).Distinct("id").Count(&stats.Chats).Error; err != nil {
		return stats, fail(StmtCountSubscriptions, err)
	}
	if err := s.db.WithContext(ctx).Model(&model.Subscription{}).Distinct("token").Count(&stats.Tokens).Error; err != nil {
		return stats, fail(StmtCountSubscriptions, err)
	}
	return stats, nil
}
