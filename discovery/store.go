package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// RegistrationStore is optional external persistence for registrations.
// The registry remains the source of truth; the store only enables
// rebuilding the in-memory state across restarts.
type RegistrationStore interface {
	Save(ctx context.Context, reg *AgentRegistration) error
	Delete(ctx context.Context, agentID string) error
	LoadAll(ctx context.Context) ([]*AgentRegistration, error)
	Close() error
}

// registrationRow is the database shape of one registration. The
// variable-width parts are stored as a JSON document; the columns
// queried directly get their own fields.
type registrationRow struct {
	AgentID      string    `gorm:"primaryKey;column:agent_id"`
	AgentType    string    `gorm:"column:agent_type;index"`
	Organization string    `gorm:"column:organization;index"`
	State        string    `gorm:"column:state"`
	Document     []byte    `gorm:"column:document"`
	RegisteredAt time.Time `gorm:"column:registered_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (registrationRow) TableName() string { return "agent_registrations" }

// DatabaseStore persists registrations through gorm.
type DatabaseStore struct {
	db *gorm.DB
}

// DatabaseStoreConfig configures the database-backed store.
type DatabaseStoreConfig struct {
	Driver         string
	DSN            string
	MaxConnections int
	MaxIdleTime    time.Duration
}

// NewDatabaseStore opens the database and migrates the registrations
// table. If dbOverride is non-nil, it is used (for testing).
func NewDatabaseStore(cfg DatabaseStoreConfig, dbOverride ...*gorm.DB) (*DatabaseStore, error) {
	var db *gorm.DB
	var err error
	if len(dbOverride) > 0 && dbOverride[0] != nil {
		db = dbOverride[0]
	} else {
		db, err = gorm.Open(
			postgres.New(postgres.Config{
				DriverName: cfg.Driver,
				DSN:        cfg.DSN,
			}),
			&gorm.Config{},
		)
		if err != nil {
			return nil, err
		}

		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		if cfg.MaxConnections > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxConnections)
		}
		if cfg.MaxIdleTime > 0 {
			sqlDB.SetConnMaxIdleTime(cfg.MaxIdleTime)
		}
	}

	if err := db.AutoMigrate(&registrationRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate registrations table: %w", err)
	}
	return &DatabaseStore{db: db}, nil
}

func (s *DatabaseStore) Save(ctx context.Context, reg *AgentRegistration) error {
	if reg == nil || reg.AgentID == "" {
		return fmt.Errorf("registration with agent_id is required")
	}
	doc, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to encode registration: %w", err)
	}
	row := registrationRow{
		AgentID:      reg.AgentID,
		AgentType:    string(reg.AgentType),
		Organization: reg.Organization,
		State:        string(reg.State),
		Document:     doc,
		RegisteredAt: reg.RegisteredAt,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *DatabaseStore) Delete(ctx context.Context, agentID string) error {
	return s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Delete(&registrationRow{}).Error
}

func (s *DatabaseStore) LoadAll(ctx context.Context) ([]*AgentRegistration, error) {
	var rows []registrationRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*AgentRegistration, 0, len(rows))
	for _, row := range rows {
		var reg AgentRegistration
		if err := json.Unmarshal(row.Document, &reg); err != nil {
			return nil, fmt.Errorf("failed to decode registration %s: %w", row.AgentID, err)
		}
		out = append(out, &reg)
	}
	return out, nil
}

// Get returns one persisted registration, or NotFound.
func (s *DatabaseStore) Get(ctx context.Context, agentID string) (*AgentRegistration, error) {
	var row registrationRow
	err := s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundError(agentID)
	}
	if err != nil {
		return nil, err
	}
	var reg AgentRegistration
	if err := json.Unmarshal(row.Document, &reg); err != nil {
		return nil, fmt.Errorf("failed to decode registration %s: %w", agentID, err)
	}
	return &reg, nil
}

func (s *DatabaseStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// MemoryRegistrationStore keeps registrations in memory. Useful in
// tests and for single-process deployments without durability needs.
type MemoryRegistrationStore struct {
	mu   sync.RWMutex
	regs map[string]*AgentRegistration
}

func NewMemoryRegistrationStore() *MemoryRegistrationStore {
	return &MemoryRegistrationStore{regs: make(map[string]*AgentRegistration)}
}

func (s *MemoryRegistrationStore) Save(_ context.Context, reg *AgentRegistration) error {
	if reg == nil || reg.AgentID == "" {
		return fmt.Errorf("registration with agent_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[reg.AgentID] = reg.Clone()
	return nil
}

func (s *MemoryRegistrationStore) Delete(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regs, agentID)
	return nil
}

func (s *MemoryRegistrationStore) LoadAll(_ context.Context) ([]*AgentRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AgentRegistration, 0, len(s.regs))
	for _, reg := range s.regs {
		out = append(out, reg.Clone())
	}
	return out, nil
}

func (s *MemoryRegistrationStore) Close() error { return nil }
