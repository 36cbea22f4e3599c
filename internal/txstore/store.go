package txstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"modusnapd/internal/common/fsutil"
	"modusnapd/internal/faults"
	"modusnapd/pkg/types"
)

// maxTransactions bounds the persisted history; older entries are evicted.
const maxTransactions = 200

// Store is the persistent, append-mostly log of environment transactions.
// Writes replace the whole file atomically; a torn newest write after a crash
// is tolerated by the loader.
type Store struct {
	mu   sync.Mutex
	path string
}

type fileShape struct {
	Transactions []types.EnvTx `json:"transactions"`
}

// New opens (or lazily creates) the store at path.
func New(path string) *Store {
	return &Store{path: path}
}

// DefaultPath is the canonical store location under a backend user dir.
func DefaultPath(userDir string) string {
	return filepath.Join(userDir, "modusnap_manager_env", "transactions.json")
}

// load reads the file; truncation and parse errors return an empty list.
func (s *Store) load() []types.EnvTx {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil
	}
	var f fileShape
	if err := json.Unmarshal(b, &f); err != nil {
		return nil
	}
	return f.Transactions
}

func (s *Store) save(txs []types.EnvTx) error {
	if len(txs) > maxTransactions {
		txs = txs[len(txs)-maxTransactions:]
	}
	b, err := json.MarshalIndent(fileShape{Transactions: txs}, "", "  ")
	if err != nil {
		return faults.New(faults.Internal, "encode transactions: %v", err)
	}
	return fsutil.WriteFileAtomic(s.path, b, 0o644)
}

// Create appends a new transaction record.
func (s *Store) Create(tx types.EnvTx) (types.EnvTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txs := s.load()
	txs = append(txs, tx)
	if err := s.save(txs); err != nil {
		return types.EnvTx{}, err
	}
	return tx, nil
}

// Update replaces the record matching tx.ID and bumps UpdatedAt.
func (s *Store) Update(tx types.EnvTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	txs := s.load()
	for i := range txs {
		if txs[i].ID == tx.ID {
			tx.UpdatedAt = time.Now().UTC()
			txs[i] = tx
			return s.save(txs)
		}
	}
	return faults.New(faults.NotFound, "transaction %s", tx.ID)
}

// Get returns the transaction with the given id.
func (s *Store) Get(id string) (types.EnvTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range s.load() {
		if tx.ID == id {
			return tx, nil
		}
	}
	return types.EnvTx{}, faults.New(faults.NotFound, "transaction %s", id)
}

// List returns every retained transaction in creation order.
func (s *Store) List() []types.EnvTx {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Latest returns the most recently created transaction, or false.
func (s *Store) Latest() (types.EnvTx, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txs := s.load()
	if len(txs) == 0 {
		return types.EnvTx{}, false
	}
	return txs[len(txs)-1], true
}

// Summarize projects a transaction for list responses.
func Summarize(tx types.EnvTx) types.EnvTxSummary {
	return types.EnvTxSummary{
		ID:        tx.ID,
		Kind:      tx.Kind,
		Status:    tx.Status,
		CreatedAt: tx.CreatedAt,
		UpdatedAt: tx.UpdatedAt,
		Steps:     len(tx.Steps),
		Error:     tx.Error,
	}
}
