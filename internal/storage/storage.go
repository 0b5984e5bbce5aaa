package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/LJTian/OfferHub/internal/processor"
)

const (
	// DefaultRetain 为清理时默认保留的条数
	DefaultRetain = 10000
	// 未指定 limit 时 GetItems 返回的最大条数
	defaultListLimit = 1000
	listCacheTTL     = 5 * time.Minute
)

var ErrNotFound = errors.New("item not found")

// FeedItem 一条聚合后的内容，创建后不再更新，只会被插入或删除
type FeedItem struct {
	ItemHash    string  `gorm:"primaryKey;size:16" json:"itemHash"`
	// 上游标题和链接长度不可控，用 text 列，不做截断
	Title       string  `gorm:"type:text;not null;uniqueIndex:idx_feed_items_title_link" json:"title"`
	Link        string  `gorm:"type:text;not null;uniqueIndex:idx_feed_items_title_link" json:"link"`
	Description string  `gorm:"type:text" json:"description"`
	ImageURL    *string `gorm:"type:text" json:"imageUrl,omitempty"`
	FeedType    string  `gorm:"size:64;index" json:"feedType"`
	SourceURL   string  `gorm:"size:256" json:"sourceUrl"`
	SourceID    string  `gorm:"size:64;index" json:"sourceId"`
	// 上游附带的元数据，例如 worth / platforms / end_date
	Extra datatypes.JSONMap `json:"extra,omitempty"`

	PubDate   time.Time `gorm:"index" json:"pubDate"`
	CreatedAt time.Time `gorm:"index" json:"createdAt"`
}

// NewFeedItem 把 processor 的结果转换成存储模型
func NewFeedItem(it processor.Item) FeedItem {
	fi := FeedItem{
		ItemHash:    it.Hash,
		Title:       it.Title,
		Link:        it.Link,
		Description: it.Description,
		FeedType:    it.FeedType,
		SourceURL:   it.SourceURL,
		SourceID:    it.SourceID,
		PubDate:     it.PubDate,
	}
	if it.ImageURL != "" {
		img := it.ImageURL
		fi.ImageURL = &img
	}
	if len(it.Extra) > 0 {
		fi.Extra = datatypes.JSONMap(it.Extra)
	}
	return fi
}

// Image 返回图片地址，没有时为空串
func (f FeedItem) Image() string {
	if f.ImageURL == nil {
		return ""
	}
	return *f.ImageURL
}

// PersistenceError 表示单条记录的读写失败
type PersistenceError struct {
	Op       string
	ItemHash string
	// SQLState 为 PostgreSQL 错误码，其他驱动为空
	SQLState string
	Err      error
}

func (e *PersistenceError) Error() string {
	msg := fmt.Sprintf("storage: %s", e.Op)
	if e.ItemHash != "" {
		msg += " " + e.ItemHash
	}
	if e.SQLState != "" {
		msg += " [" + e.SQLState + "]"
	}
	return msg + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistenceErr(op, hash string, err error) error {
	pe := &PersistenceError{Op: op, ItemHash: hash, Err: err}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		pe.SQLState = pgErr.Code
	}
	return pe
}

type Options struct {
	// Driver 为 postgres 或 sqlite
	Driver string
	DSN    string
	// RedisAddr 为空时不启用列表缓存
	RedisAddr string
}

type Store struct {
	DB    *gorm.DB
	Redis *redis.Client
}

func NewStore(opts Options) (*Store, error) {
	var dialector gorm.Dialector
	switch opts.Driver {
	case "", "postgres":
		dialector = postgres.Open(opts.DSN)
	case "sqlite":
		dialector = sqlite.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", opts.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&FeedItem{}, &FeedState{}); err != nil {
		return nil, err
	}

	s := &Store{DB: db}
	if opts.RedisAddr != "" {
		s.Redis = redis.NewClient(&redis.Options{
			Addr: opts.RedisAddr,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			log.Printf("warn: redis ping failed: %v", err)
		}
	}

	return s, nil
}

// Close 释放数据库与 redis 连接
func (s *Store) Close() error {
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AddItem 插入一条记录；hash 或 (title, link) 已存在时返回 false。
// 去重由数据库约束保证，并发调用也不会产生重复行。
func (s *Store) AddItem(ctx context.Context, item FeedItem) (bool, error) {
	res := s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&item)
	if res.Error != nil {
		return false, persistenceErr("insert", item.ItemHash, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// GetItems 按 pub_date 倒序返回条目，feedType 为空时返回全部分类
func (s *Store) GetItems(ctx context.Context, feedType string, limit int) ([]FeedItem, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	db := s.DB.WithContext(ctx).Model(&FeedItem{})
	if feedType != "" {
		db = db.Where("feed_type = ?", feedType)
	}

	var list []FeedItem
	if err := db.Order("pub_date DESC").Order("created_at DESC").Limit(limit).Find(&list).Error; err != nil {
		return nil, persistenceErr("list", "", err)
	}
	return list, nil
}

// GetByHash 按 item_hash 查询，不存在时返回 ErrNotFound
func (s *Store) GetByHash(ctx context.Context, hash string) (FeedItem, error) {
	var it FeedItem
	silent := s.DB.Session(&gorm.Session{Logger: s.DB.Logger.LogMode(logger.Silent)})
	err := silent.WithContext(ctx).Where("item_hash = ?", hash).First(&it).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return FeedItem{}, ErrNotFound
	}
	if err != nil {
		return FeedItem{}, persistenceErr("lookup", hash, err)
	}
	return it, nil
}

// Cleanup 只保留 created_at 最新的 keep 条，返回删除的行数
func (s *Store) Cleanup(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		keep = DefaultRetain
	}
	newest := s.DB.Model(&FeedItem{}).Select("item_hash").Order("created_at DESC").Limit(keep)
	res := s.DB.WithContext(ctx).
		Where("item_hash NOT IN (?)", newest).
		Delete(&FeedItem{})
	if res.Error != nil {
		return 0, persistenceErr("cleanup", "", res.Error)
	}
	if res.RowsAffected > 0 {
		log.Printf("storage: cleanup removed %d items, kept newest %d", res.RowsAffected, keep)
	}
	return res.RowsAffected, nil
}

// CountByType 返回每个分类的条目数
func (s *Store) CountByType(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		FeedType string
		N        int64
	}
	err := s.DB.WithContext(ctx).Model(&FeedItem{}).
		Select("feed_type, COUNT(*) AS n").
		Group("feed_type").
		Scan(&rows).Error
	if err != nil {
		return nil, persistenceErr("count", "", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.FeedType] = r.N
	}
	return out, nil
}

// ListItems 供 API 列表使用：GetItems 外面套一层 Redis 缓存（5 分钟）
func (s *Store) ListItems(ctx context.Context, feedType string, limit int) ([]FeedItem, error) {
	if limit <= 0 || limit > defaultListLimit {
		limit = 50
	}
	cacheKey := fmt.Sprintf("items:list:%s:%d", feedType, limit)

	if s.Redis != nil {
		if bs, err := s.Redis.Get(ctx, cacheKey).Bytes(); err == nil {
			var cached []FeedItem
			if err := json.Unmarshal(bs, &cached); err == nil {
				return cached, nil
			}
		}
	}

	list, err := s.GetItems(ctx, feedType, limit)
	if err != nil {
		return nil, err
	}

	// 只依赖短 TTL 自然过期，不做通配删除
	if s.Redis != nil && len(list) > 0 {
		if bs, err := json.Marshal(list); err == nil {
			_ = s.Redis.Set(ctx, cacheKey, bs, listCacheTTL).Err()
		}
	}
	return list, nil
}
