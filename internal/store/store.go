// ============================================================================
// SDK Runtime Store - 持久化鍵值儲存
// ============================================================================
//
// Package: internal/store
// 文件: store.go
// 功能: 提供跨行程重啟仍然存在的鍵值儲存
//
// 儲存內容:
//   - lifecycle.last_user_start   最近一次使用者可見啟動時間（23 小時判斷）
//   - privacy.opted_out           是否已退出（isOptedOut）
//   - identity.*                  安裝識別碼、伺服器指派識別碼
//   - app.version                 上次啟動時的 app 版本（安裝/更新判斷）
//   - push.token                  待註冊的推播 token
//   - server.param.<name>         伺服器推送的設定參數
//
// 實作:
//   - Memory: 測試與無狀態嵌入
//   - File:   TOML 檔案，原子性寫入（temp file + rename）
//   - SQLite: 單表 kv，適合多程序共用
//
// ============================================================================

package store

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/sdk-runtime/internal/config"
)

// 鍵名常數
const (
	KeyLastUserStart        = "lifecycle.last_user_start"
	KeyOptedOut             = "privacy.opted_out"
	KeyInstallationID       = "identity.installation_id"
	KeyServerInstallationID = "identity.server_installation_id"
	KeyAppVersion           = "app.version"
	KeyPushToken            = "push.token"
	KeyPushTokenSent        = "push.token_sent"
	ServerParamPrefix       = "server.param."
)

var (
	// ErrClosed 儲存已關閉
	ErrClosed = errors.New("store: closed")
)

// Store 鍵值儲存介面，所有實作必須是執行緒安全的
type Store interface {
	// Get 讀取鍵值；ok 為 false 表示鍵不存在
	Get(key string) (value string, ok bool, err error)
	// Set 寫入鍵值並確保持久化
	Set(key, value string) error
	// Delete 刪除鍵；鍵不存在時不回傳錯誤
	Delete(key string) error
	// All 回傳所有鍵值的副本（狀態顯示用）
	All() (map[string]string, error)
	// Close 釋放資源
	Close() error
}

// Open 依設定建立對應的 Store 實作
func Open(cfg *config.Config) (Store, error) {
	switch cfg.Store.Kind {
	case config.StoreMemory, "":
		return NewMemory(), nil
	case config.StoreFile:
		return NewFile(cfg.Store.Path)
	case config.StoreSQLite:
		return NewSQLite(cfg.Store.Path)
	default:
		return nil, fmt.Errorf("store: unknown kind %q", cfg.Store.Kind)
	}
}

// GetTime 讀取以 Unix 毫秒儲存的時間
func GetTime(s Store, key string) (time.Time, bool, error) {
	raw, ok, err := s.Get(key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: key %s is not a timestamp: %w", key, err)
	}
	return time.UnixMilli(ms), true, nil
}

// SetTime 以 Unix 毫秒寫入時間
func SetTime(s Store, key string, t time.Time) error {
	return s.Set(key, strconv.FormatInt(t.UnixMilli(), 10))
}

// GetBool 讀取布林值，不存在時回傳 false
func GetBool(s Store, key string) (bool, error) {
	raw, ok, err := s.Get(key)
	if err != nil || !ok {
		return false, err
	}
	return strconv.ParseBool(raw)
}

// SetBool 寫入布林值
func SetBool(s Store, key string, v bool) error {
	return s.Set(key, strconv.FormatBool(v))
}

// ServerParams 取出所有伺服器推送的參數（去掉前綴）
func ServerParams(s Store) (map[string]string, error) {
	all, err := s.All()
	if err != nil {
		return nil, err
	}
	params := make(map[string]string)
	for k, v := range all {
		if name, ok := strings.CutPrefix(k, ServerParamPrefix); ok {
			params[name] = v
		}
	}
	return params, nil
}
