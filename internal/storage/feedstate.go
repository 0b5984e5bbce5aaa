package storage

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// FeedState 记录 feeds 目录中每个文件最后一次完成变现处理时的修改时间
type FeedState struct {
	Name        string    `gorm:"primaryKey;size:255" json:"name"`
	ModTime     time.Time `json:"modTime"`
	ProcessedAt time.Time `gorm:"index" json:"processedAt"`
}

// FeedModTime 返回文件上次处理时的修改时间，没有记录时 ok 为 false
func (s *Store) FeedModTime(ctx context.Context, name string) (time.Time, bool) {
	var st FeedState
	silent := s.DB.Session(&gorm.Session{Logger: s.DB.Logger.LogMode(logger.Silent)})
	if err := silent.WithContext(ctx).Where("name = ?", name).First(&st).Error; err != nil {
		return time.Time{}, false
	}
	return st.ModTime, true
}

// MarkFeedProcessed 写入或更新文件的处理记录
func (s *Store) MarkFeedProcessed(ctx context.Context, name string, modTime time.Time) error {
	st := FeedState{Name: name, ModTime: TruncateModTime(modTime), ProcessedAt: time.Now().UTC()}
	if err := s.DB.WithContext(ctx).Save(&st).Error; err != nil {
		return persistenceErr("mark feed", name, err)
	}
	return nil
}

// ListFeedStates 按处理时间倒序返回所有记录
func (s *Store) ListFeedStates(ctx context.Context) ([]FeedState, error) {
	var list []FeedState
	err := s.DB.WithContext(ctx).Order("processed_at DESC").Find(&list).Error
	return list, err
}

// TruncateModTime 统一到微秒精度，与 PostgreSQL timestamp 的精度一致
func TruncateModTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
