package linkcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
)

// FileBackend 把缓存保存为一个 JSON 文件，先写临时文件再 rename
type FileBackend struct {
	Path string
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{Path: path}
}

func (b *FileBackend) Load(_ context.Context) (map[string]Entry, error) {
	data, err := os.ReadFile(b.Path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("linkcache: read %s: %w", b.Path, err)
	}

	entries := map[string]Entry{}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("linkcache: decode %s: %w", b.Path, err)
	}
	return entries, nil
}

func (b *FileBackend) Save(_ context.Context, entries map[string]Entry) error {
	dir := filepath.Dir(b.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("linkcache: mkdir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".linkcache-*.json")
	if err != nil {
		return fmt.Errorf("linkcache: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("linkcache: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, b.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("linkcache: rename: %w", err)
	}
	return nil
}

// RedisBackend 把缓存保存在一个 redis hash 中，field 为原始链接
type RedisBackend struct {
	Client *redis.Client
	Key    string
}

func NewRedisBackend(client *redis.Client, key string) *RedisBackend {
	if key == "" {
		key = "offerhub:linkcache"
	}
	return &RedisBackend{Client: client, Key: key}
}

func (b *RedisBackend) Load(ctx context.Context) (map[string]Entry, error) {
	raw, err := b.Client.HGetAll(ctx, b.Key).Result()
	if err != nil {
		return nil, fmt.Errorf("linkcache: hgetall %s: %w", b.Key, err)
	}
	entries := make(map[string]Entry, len(raw))
	for k, v := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			continue
		}
		entries[k] = e
	}
	return entries, nil
}

// Save 在一个 MULTI/EXEC 中整体替换 hash
func (b *RedisBackend) Save(ctx context.Context, entries map[string]Entry) error {
	fields := make(map[string]any, len(entries))
	for k, e := range entries {
		bs, err := json.Marshal(e)
		if err != nil {
			return err
		}
		fields[k] = string(bs)
	}

	_, err := b.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, b.Key)
		if len(fields) > 0 {
			pipe.HSet(ctx, b.Key, fields)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("linkcache: save %s: %w", b.Key, err)
	}
	return nil
}
