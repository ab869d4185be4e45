// ============================================================================
// jobfarm 任務工作目錄
// ============================================================================
//
// Package: internal/storage/jobdir
// 文件: jobdir.go
// 功能: 管理每個任務的工作目錄與 job_spec.json
//
// 目錄結構:
//   <root>/
//   └── <client hex>_<job id hex>/
//       ├── job_spec.json      任務描述（命令、檔案數、提交時間）
//       ├── <uploaded files>
//       └── job.log            命令輸出
//
// 原子寫入:
//   job_spec.json 先寫入 .tmp，fsync 後 os.Rename 取代，
//   讀者永遠不會看到寫到一半的檔案
//
// ============================================================================

package jobdir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/ChuLiYu/jobfarm/internal/protocol"
	"github.com/ChuLiYu/jobfarm/pkg/types"
)

const (
	// SpecFile 任務描述檔名
	SpecFile = "job_spec.json"
	// LogFile 命令輸出檔名
	LogFile = "job.log"
)

// ErrInvalidFilename 檔名含路徑分隔符、為空、或是保留名稱
var ErrInvalidFilename = errors.New("invalid filename")

// Spec 寫入 job_spec.json 的內容
type Spec struct {
	Client      string    `json:"client_id"`
	JobID       uint32    `json:"job_id"`
	Command     string    `json:"command"`
	FileCount   int       `json:"file_count"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Store 工作目錄根
type Store struct {
	root string
}

// New 建立 Store，確保根目錄存在
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("job directory root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve job root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create job root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root 根目錄絕對路徑
func (s *Store) Root() string { return s.root }

// Dir 任務工作目錄（確定性路徑，不檢查是否存在）
func (s *Store) Dir(key types.JobKey) string {
	return filepath.Join(s.root, key.String())
}

// Create 建立任務目錄並寫入 job_spec.json；重複呼叫是冪等的
func (s *Store) Create(key types.JobKey, command string, fileCount int, submittedAt time.Time) (string, error) {
	dir := s.Dir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create job directory: %w", err)
	}

	spec := Spec{
		Client:      key.Client.String(),
		JobID:       uint32(key.Job),
		Command:     command,
		FileCount:   fileCount,
		SubmittedAt: submittedAt.UTC(),
	}
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode job spec: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, SpecFile), data); err != nil {
		return "", err
	}
	return dir, nil
}

// LoadSpec 讀回 job_spec.json
func (s *Store) LoadSpec(key types.JobKey) (*Spec, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(key), SpecFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read job spec: %w", err)
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to decode job spec: %w", err)
	}
	return &spec, nil
}

// FilePath 任務目錄內檔案的完整路徑；拒絕任何逃出目錄的檔名
func (s *Store) FilePath(key types.JobKey, name string) (string, error) {
	if err := ValidateFilename(name); err != nil {
		return "", err
	}
	return filepath.Join(s.Dir(key), name), nil
}

// ValidateFilename 檔名必須是單一路徑元素
func ValidateFilename(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	case len(name) > protocol.MaxFilenameLen:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidFilename, protocol.MaxFilenameLen)
	case strings.ContainsAny(name, `/\`+"\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidFilename, name)
	case name == SpecFile, strings.HasSuffix(name, ".part"):
		return fmt.Errorf("%w: %q is reserved", ErrInvalidFilename, name)
	}
	return nil
}

// writeAtomic 寫入暫存檔後 rename 取代目標
func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
