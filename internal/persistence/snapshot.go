package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/reconbot/internal/types"
)

// DefaultBackups is the number of rotated snapshot copies kept.
const DefaultBackups = 3

// Snapshot is the engine state needed to resume after a restart.
type Snapshot struct {
	BotID             string            `json:"botId"`
	SavedAt           time.Time         `json:"savedAt"`
	LastTime          time.Time         `json:"lastTime"`
	LastTickTimestamp time.Time         `json:"lastTickTimestamp"`
	Positions         []*types.Position `json:"positions"`

	// ModuleData is strategy scratch data keyed by bar unix time.
	ModuleData map[int64]map[string]any `json:"moduleData,omitempty"`

	RiskReference   decimal.Decimal `json:"riskReference"`
	MaxEquity       decimal.Decimal `json:"maxEquity"`
	TimeOfMaxEquity time.Time       `json:"timeOfMaxEquity"`

	// ExecutionWatermark and ExecutedSeen drive the order-history diff when
	// the exchange does not push executions.
	ExecutionWatermark int                        `json:"executionWatermark"`
	ExecutedSeen       map[string]decimal.Decimal `json:"executedSeen,omitempty"`

	ResidualTicks int `json:"residualTicks,omitempty"`
}

// SnapshotStore saves and loads engine snapshots per bot id.
type SnapshotStore interface {
	Save(snap *Snapshot) error
	Load(botID string) (*Snapshot, error)
}

// FileSnapshotStore keeps one JSON file per bot plus numbered backups
// ({bot}.json.1 is the newest backup).
type FileSnapshotStore struct {
	dir     string
	backups int
	logger  *slog.Logger

	mu sync.Mutex
}

var _ SnapshotStore = (*FileSnapshotStore)(nil)

// NewFileSnapshotStore creates the directory if needed.
func NewFileSnapshotStore(dir string, backups int, logger *slog.Logger) (*FileSnapshotStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if backups < 0 {
		backups = 0
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &FileSnapshotStore{dir: dir, backups: backups, logger: logger}, nil
}

// Path returns the primary snapshot file of botID.
func (s *FileSnapshotStore) Path(botID string) string {
	return filepath.Join(s.dir, botID+".json")
}

func backupPath(primary string, n int) string {
	return fmt.Sprintf("%s.%d", primary, n)
}

// Save writes snap atomically and rotates the previous files into backups.
func (s *FileSnapshotStore) Save(snap *Snapshot) error {
	if err := checkBotID(snap.BotID); err != nil {
		return err
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	primary := s.Path(snap.BotID)
	tmp, err := os.CreateTemp(s.dir, snap.BotID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}

	if err := s.rotate(primary); err != nil {
		return err
	}
	if err := os.Rename(tmpName, primary); err != nil {
		return fmt.Errorf("install snapshot: %w", err)
	}
	return nil
}

func (s *FileSnapshotStore) rotate(primary string) error {
	if _, err := os.Stat(primary); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if s.backups == 0 {
		return nil
	}

	for n := s.backups; n > 1; n-- {
		from := backupPath(primary, n-1)
		if _, err := os.Stat(from); err != nil {
			continue
		}
		if err := os.Rename(from, backupPath(primary, n)); err != nil {
			return fmt.Errorf("rotate snapshot backup %d: %w", n-1, err)
		}
	}
	if err := os.Rename(primary, backupPath(primary, 1)); err != nil {
		return fmt.Errorf("rotate snapshot: %w", err)
	}
	return nil
}

// Load returns the newest readable snapshot of botID, falling back through
// the backups when the primary is missing or corrupt. ErrSnapshotNotFound is
// returned when no file exists at all.
func (s *FileSnapshotStore) Load(botID string) (*Snapshot, error) {
	if err := checkBotID(botID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	primary := s.Path(botID)
	candidates := []string{primary}
	for n := 1; n <= s.backups; n++ {
		candidates = append(candidates, backupPath(primary, n))
	}

	var found bool
	var lastErr error
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		found = true
		if err != nil {
			lastErr = err
			s.logger.Warn("snapshot unreadable", "path", path, "err", err)
			continue
		}

		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			lastErr = err
			s.logger.Warn("snapshot corrupt, trying backup", "path", path, "err", err)
			continue
		}
		if path != primary {
			s.logger.Warn("restored snapshot from backup", "path", path)
		}
		return &snap, nil
	}

	if !found {
		return nil, fmt.Errorf("bot %s: %w", botID, types.ErrSnapshotNotFound)
	}
	return nil, fmt.Errorf("bot %s: no readable snapshot: %w", botID, lastErr)
}

func checkBotID(botID string) error {
	if botID == "" || strings.ContainsAny(botID, `/\`) || botID == "." || botID == ".." {
		return fmt.Errorf("snapshot bot id %q: %w", botID, types.ErrInvalidConfig)
	}
	return nil
}

// MemorySnapshotStore keeps snapshots in memory. Backtests use it.
type MemorySnapshotStore struct {
	mu    sync.Mutex
	snaps map[string][]byte
	saves int
}

var _ SnapshotStore = (*MemorySnapshotStore)(nil)

// NewMemorySnapshotStore creates an empty store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: make(map[string][]byte)}
}

// Save stores a serialized copy of snap.
func (m *MemorySnapshotStore) Save(snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.BotID] = data
	m.saves++
	return nil
}

// Load returns a copy of the last saved snapshot.
func (m *MemorySnapshotStore) Load(botID string) (*Snapshot, error) {
	m.mu.Lock()
	data, ok := m.snaps[botID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("bot %s: %w", botID, types.ErrSnapshotNotFound)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Saves returns how many times Save succeeded.
func (m *MemorySnapshotStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
