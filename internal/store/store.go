package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// 中文说明：
// 租户/实例/进程记录的 sqlite 存储。生命周期每次迁移后回写；
// 进程记录按实例唯一、启动时整行覆盖，stop 只改状态从不删除（保留历史）。

// ErrNotFound 查询目标不存在。
var ErrNotFound = errors.New("record not found")

// Tenant 一个租户及其 workspace 根。
type Tenant struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	WorkspaceRoot string    `json:"workspace_root"`
	CreatedAt     time.Time `json:"created_at"`
}

// Instance 租户下一个独立配置的实例。
type Instance struct {
	ID             int64  `json:"id"`
	TenantID       int64  `json:"tenant_id"`
	Name           string `json:"name"`
	UserDir        string `json:"userdir"`
	Mode           string `json:"mode"`
	ActiveStrategy string `json:"active_strategy"`
	Status         string `json:"status"`
}

// ProcessRecord 实例 0..1 条的 worker 进程记录。
type ProcessRecord struct {
	InstanceID int64   `json:"instance_id"`
	Handle     string  `json:"handle"`
	Status     string  `json:"status"`
	ConfigPath string  `json:"config_path"`
	ExitCode   *int64  `json:"exit_code"`
	LastError  *string `json:"last_error"`
	UpdatedAt  int64   `json:"updated_at"`
}

// Store 包装 *sql.DB；写路径持锁串行化（sqlite 单写者）。
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	workspace_root TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS instances (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	userdir TEXT NOT NULL,
	mode TEXT NOT NULL DEFAULT '',
	active_strategy TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'stopped',
	UNIQUE(tenant_id, name)
);
CREATE TABLE IF NOT EXISTS processes (
	instance_id INTEGER PRIMARY KEY,
	handle TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'stopped',
	config_path TEXT NOT NULL DEFAULT '',
	exit_code INTEGER,
	last_error TEXT,
	updated_at INTEGER NOT NULL
);
`

// Open 打开（必要时初始化）sqlite 数据库。
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开 sqlite 失败: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化表结构失败: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- tenants ---

func (s *Store) CreateTenant(ctx context.Context, name, root string) (Tenant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Tenant{}, fmt.Errorf("租户名不能为空")
	}
	now := time.Now()
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (name, workspace_root, created_at) VALUES (?, ?, ?)`,
		name, root, now.UnixMilli())
	s.mu.Unlock()
	if err != nil {
		return Tenant{}, fmt.Errorf("写入租户失败: %w", err)
	}
	id, _ := res.LastInsertId()
	return Tenant{ID: id, Name: name, WorkspaceRoot: root, CreatedAt: now}, nil
}

func (s *Store) GetTenant(ctx context.Context, id int64) (Tenant, error) {
	var t Tenant
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, workspace_root, created_at FROM tenants WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &t.WorkspaceRoot, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		return Tenant{}, err
	}
	t.CreatedAt = time.UnixMilli(created)
	return t, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, workspace_root, created_at FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Tenant
	for rows.Next() {
		var t Tenant
		var created int64
		if err := rows.Scan(&t.ID, &t.Name, &t.WorkspaceRoot, &created); err != nil {
			return nil, err
		}
		t.CreatedAt = time.UnixMilli(created)
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- instances ---

func (s *Store) CreateInstance(ctx context.Context, inst Instance) (Instance, error) {
	if strings.TrimSpace(inst.Name) == "" {
		return Instance{}, fmt.Errorf("实例名不能为空")
	}
	if inst.Status == "" {
		inst.Status = "stopped"
	}
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (tenant_id, name, userdir, mode, active_strategy, status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		inst.TenantID, inst.Name, inst.UserDir, inst.Mode, inst.ActiveStrategy, inst.Status)
	s.mu.Unlock()
	if err != nil {
		return Instance{}, fmt.Errorf("写入实例失败: %w", err)
	}
	inst.ID, _ = res.LastInsertId()
	return inst, nil
}

func (s *Store) GetInstance(ctx context.Context, id int64) (Instance, error) {
	var in Instance
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, userdir, mode, active_strategy, status
		 FROM instances WHERE id = ?`, id).
		Scan(&in.ID, &in.TenantID, &in.Name, &in.UserDir, &in.Mode, &in.ActiveStrategy, &in.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, ErrNotFound
	}
	return in, err
}

func (s *Store) ListInstances(ctx context.Context, tenantID int64) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, userdir, mode, active_strategy, status
		 FROM instances WHERE tenant_id = ? ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Instance
	for rows.Next() {
		var in Instance
		if err := rows.Scan(&in.ID, &in.TenantID, &in.Name, &in.UserDir, &in.Mode, &in.ActiveStrategy, &in.Status); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *Store) UpdateInstanceMode(ctx context.Context, id int64, mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE instances SET mode = ? WHERE id = ?`, strings.ToLower(mode), id)
	return err
}

func (s *Store) UpdateInstanceStrategy(ctx context.Context, id int64, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE instances SET active_strategy = ? WHERE id = ?`, spec, id)
	return err
}

func (s *Store) UpdateInstanceStatus(ctx context.Context, id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE instances SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteInstance(ctx context.Context, id int64) error {
	// 只删记录，不动磁盘文件（安全默认）
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	return err
}

// --- process records ---

// SaveProcess 覆盖写实例的进程记录（启动/迁移后调用）。
func (s *Store) SaveProcess(ctx context.Context, rec ProcessRecord) error {
	if rec.InstanceID <= 0 {
		return fmt.Errorf("instance_id 必填")
	}
	rec.UpdatedAt = time.Now().UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processes (instance_id, handle, status, config_path, exit_code, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			handle=excluded.handle,
			status=excluded.status,
			config_path=excluded.config_path,
			exit_code=excluded.exit_code,
			last_error=excluded.last_error,
			updated_at=excluded.updated_at;
	`, rec.InstanceID, rec.Handle, rec.Status, rec.ConfigPath, rec.ExitCode, rec.LastError, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("写入进程记录失败: %w", err)
	}
	return nil
}

func (s *Store) GetProcess(ctx context.Context, instanceID int64) (ProcessRecord, error) {
	var rec ProcessRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT instance_id, handle, status, config_path, exit_code, last_error, updated_at
		 FROM processes WHERE instance_id = ?`, instanceID).
		Scan(&rec.InstanceID, &rec.Handle, &rec.Status, &rec.ConfigPath, &rec.ExitCode, &rec.LastError, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ProcessRecord{}, ErrNotFound
	}
	return rec, err
}
