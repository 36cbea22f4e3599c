package txstore

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"modusnapd/internal/faults"
	"modusnapd/pkg/types"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "modusnap_manager_env", "transactions.json"))
}

func mkTx(i int) types.EnvTx {
	return types.EnvTx{
		ID:        fmt.Sprintf("tx-%04d", i),
		Kind:      types.TxRepair,
		Status:    types.TxPlanned,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
}

func TestCreateGetLatest(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 3; i++ {
		if _, err := s.Create(mkTx(i)); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	got, err := s.Get("tx-0001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "tx-0001" {
		t.Fatalf("id=%q", got.ID)
	}
	latest, ok := s.Latest()
	if !ok || latest.ID != "tx-0002" {
		t.Fatalf("latest=%+v ok=%v", latest, ok)
	}
	if _, err := s.Get("nope"); !faults.Is(err, faults.NotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestBoundAt200(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 230; i++ {
		if _, err := s.Create(mkTx(i)); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	txs := s.List()
	if len(txs) != 200 {
		t.Fatalf("len=%d", len(txs))
	}
	// most recent 200 retained in creation order
	if txs[0].ID != "tx-0030" {
		t.Fatalf("first=%q", txs[0].ID)
	}
	if txs[199].ID != "tx-0229" {
		t.Fatalf("last=%q", txs[199].ID)
	}
}

func TestUpdateReplacesRecord(t *testing.T) {
	s := newStore(t)
	tx := mkTx(0)
	if _, err := s.Create(tx); err != nil {
		t.Fatalf("create: %v", err)
	}
	tx.Status = types.TxRunning
	tx.Steps = append(tx.Steps, types.EnvStep{ID: "s1", Command: "python -m pip check", OK: true})
	if err := s.Update(tx); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.Get(tx.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.TxRunning || len(got.Steps) != 1 {
		t.Fatalf("got=%+v", got)
	}
	if err := s.Update(mkTx(99)); !faults.Is(err, faults.NotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestCorruptFileReadsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transactions.json")
	if err := os.WriteFile(path, []byte(`{"transactions": [ {"id": "tr`), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	s := New(path)
	if got := s.List(); len(got) != 0 {
		t.Fatalf("expected empty, got %d", len(got))
	}
	// and the store keeps working afterwards
	if _, err := s.Create(mkTx(1)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := s.List(); len(got) != 1 {
		t.Fatalf("len=%d", len(got))
	}
}

func TestSummarize(t *testing.T) {
	tx := mkTx(5)
	tx.Steps = []types.EnvStep{{ID: "a"}, {ID: "b"}}
	tx.Error = "boom"
	sum := Summarize(tx)
	if sum.ID != tx.ID || sum.Steps != 2 || sum.Error != "boom" {
		t.Fatalf("sum=%+v", sum)
	}
}
