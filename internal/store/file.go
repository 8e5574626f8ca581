package store

// ============================================================================
// 職責說明：
// 1. 將鍵值序列化為 TOML 檔案
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// ============================================================================

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	fileSchemaVersion = 1
	fileMode          = 0o600
	dirMode           = 0o700
	tempFilePattern   = ".sdk-state-*.toml.tmp"
)

var (
	ErrCorruptedFile       = errors.New("store: state file is corrupted")
	ErrIncompatibleVersion = errors.New("store: state file schema version is incompatible")
)

// fileDocument TOML 檔案格式
type fileDocument struct {
	SchemaVersion int               `toml:"schema_version"`
	Values        map[string]string `toml:"values"`
}

// File 以 TOML 檔案持久化的 Store
// 每次 Set/Delete 都會完整重寫檔案，資料量小（數十個鍵）所以可接受
type File struct {
	path   string
	mu     sync.RWMutex
	data   map[string]string
	closed bool
}

var _ Store = (*File)(nil)

// NewFile 開啟（或建立）位於 path 的狀態檔
//
// 行為：
//   - 檔案不存在：回傳空儲存（首次啟動）
//   - 檔案損壞：回傳 ErrCorruptedFile
//   - 版本不符：回傳 ErrIncompatibleVersion
func NewFile(path string) (*File, error) {
	f := &File{path: path, data: make(map[string]string)}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var doc fileDocument
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedFile, err)
	}
	if doc.SchemaVersion != fileSchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, doc.SchemaVersion, fileSchemaVersion)
	}
	if doc.Values != nil {
		f.data = doc.Values
	}
	return f, nil
}

func (f *File) Get(key string) (string, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return "", false, ErrClosed
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *File) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	prev, had := f.data[key]
	f.data[key] = value
	if err := f.flushLocked(); err != nil {
		// 寫入失敗時回復記憶體狀態，保持與磁碟一致
		if had {
			f.data[key] = prev
		} else {
			delete(f.data, key)
		}
		return err
	}
	return nil
}

func (f *File) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	prev, had := f.data[key]
	if !had {
		return nil
	}
	delete(f.data, key)
	if err := f.flushLocked(); err != nil {
		f.data[key] = prev
		return err
	}
	return nil
}

func (f *File) All() (map[string]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}
	out := make(map[string]string, len(f.data))
	for k, v := range f.data {
		out[k] = v
	}
	return out, nil
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// flushLocked 原子性寫入，呼叫者必須持有 mu
func (f *File) flushLocked() error {
	doc := fileDocument{SchemaVersion: fileSchemaVersion, Values: f.data}
	raw, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	// 1. 寫入臨時檔案
	tmp, err := os.CreateTemp(dir, tempFilePattern)
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Chmod(tmpPath, fileMode); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temp state file: %w", err)
	}

	// 2. 原子性重新命名
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}
