// Package state persists the lending ledger's records into a key-value
// database. One Manager backs all engines at once: it is the market
// ledgers' store, the risk engine's store, and the reward flywheel's
// store, so a single overlay transaction spans every record an operation
// touches.
package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"clustercore/native/market"
	"clustercore/native/rewards"
	"clustercore/native/risk"
	"clustercore/storage"
)

// schemaVersion is the current record layout version. Bumped whenever a
// record's RLP shape changes; Manager refuses databases written by a newer
// layout.
const schemaVersion = 1

var (
	// ErrSchemaAhead means the database was written by a newer release.
	ErrSchemaAhead = errors.New("state: database schema is newer than this build")

	errNilDatabase = errors.New("state: nil database")
)

// Manager implements the persistence surfaces of the market ledgers, the
// risk engine and the reward flywheel over one Database. Begin, Commit and
// Discard maintain a stack of write overlays; records written inside an
// overlay become visible to reads immediately but reach the database only
// when the outermost overlay commits.
type Manager struct {
	db       storage.Database
	overlays []map[string][]byte
}

var (
	_ market.Store  = (*Manager)(nil)
	_ risk.Store    = (*Manager)(nil)
	_ rewards.Store = (*Manager)(nil)
)

// NewManager opens a manager over db, stamping the schema version on first
// use and refusing databases from newer layouts.
func NewManager(db storage.Database) (*Manager, error) {
	if db == nil {
		return nil, errNilDatabase
	}
	m := &Manager{db: db}
	if err := m.migrate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) migrate() error {
	raw, err := m.db.Get(schemaKey())
	if errors.Is(err, storage.ErrKeyNotFound) {
		return m.writeSchema(schemaVersion)
	}
	if err != nil {
		return err
	}
	var stored uint64
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return fmt.Errorf("state: decode schema version: %w", err)
	}
	if stored > schemaVersion {
		return fmt.Errorf("%w: have %d, support %d", ErrSchemaAhead, stored, schemaVersion)
	}
	// Older versions migrate additively here; version 1 is the first layout.
	if stored < schemaVersion {
		return m.writeSchema(schemaVersion)
	}
	return nil
}

func (m *Manager) writeSchema(version uint64) error {
	raw, err := rlp.EncodeToBytes(version)
	if err != nil {
		return err
	}
	return m.db.Put(schemaKey(), raw)
}

// --- overlay plumbing ---

// Begin opens a write overlay. Overlays nest; each Commit folds one level
// down and only the outermost Commit reaches the database.
func (m *Manager) Begin() {
	m.overlays = append(m.overlays, make(map[string][]byte))
}

// Commit folds the top overlay into its parent, or flushes it to the
// database when it is the outermost one.
func (m *Manager) Commit() error {
	n := len(m.overlays)
	if n == 0 {
		return nil
	}
	top := m.overlays[n-1]
	m.overlays = m.overlays[:n-1]
	if n > 1 {
		parent := m.overlays[n-2]
		for k, v := range top {
			parent[k] = v
		}
		return nil
	}
	for k, v := range top {
		if err := m.db.Put([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

// Discard drops the top overlay and everything written inside it.
func (m *Manager) Discard() {
	if n := len(m.overlays); n > 0 {
		m.overlays = m.overlays[:n-1]
	}
}

func (m *Manager) get(key []byte) ([]byte, bool, error) {
	for i := len(m.overlays) - 1; i >= 0; i-- {
		if v, ok := m.overlays[i][string(key)]; ok {
			return v, true, nil
		}
	}
	v, err := m.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (m *Manager) put(key, value []byte) error {
	if n := len(m.overlays); n > 0 {
		m.overlays[n-1][string(key)] = value
		return nil
	}
	return m.db.Put(key, value)
}

func (m *Manager) getRecord(key []byte, out interface{}) (bool, error) {
	raw, ok, err := m.get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("state: decode record: %w", err)
	}
	return true, nil
}

func (m *Manager) putRecord(key []byte, v interface{}) error {
	raw, err := rlp.EncodeToBytes(v)
	if err != nil {
		return fmt.Errorf("state: encode record: %w", err)
	}
	return m.put(key, raw)
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

// --- market ledger records ---

type ledgerStateRecord struct {
	TotalSupply      *big.Int
	TotalBorrows     *big.Int
	TotalReserves    *big.Int
	BorrowIndex      *big.Int
	LastAccrualBlock uint64
	ReserveFactor    *big.Int
}

func (m *Manager) LedgerState(marketID string) (*market.LedgerState, error) {
	var rec ledgerStateRecord
	ok, err := m.getRecord(ledgerStateKey(marketID), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &market.LedgerState{
		TotalSupply:      rec.TotalSupply,
		TotalBorrows:     rec.TotalBorrows,
		TotalReserves:    rec.TotalReserves,
		BorrowIndex:      rec.BorrowIndex,
		LastAccrualBlock: rec.LastAccrualBlock,
		ReserveFactor:    rec.ReserveFactor,
	}, nil
}

func (m *Manager) PutLedgerState(marketID string, st *market.LedgerState) error {
	if st == nil {
		return errors.New("state: nil ledger state")
	}
	return m.putRecord(ledgerStateKey(marketID), &ledgerStateRecord{
		TotalSupply:      nonNil(st.TotalSupply),
		TotalBorrows:     nonNil(st.TotalBorrows),
		TotalReserves:    nonNil(st.TotalReserves),
		BorrowIndex:      nonNil(st.BorrowIndex),
		LastAccrualBlock: st.LastAccrualBlock,
		ReserveFactor:    nonNil(st.ReserveFactor),
	})
}

type positionRecord struct {
	Tokens        *big.Int
	Principal     *big.Int
	InterestIndex *big.Int
}

func (m *Manager) Position(marketID string, addr common.Address) (*market.Position, error) {
	var rec positionRecord
	ok, err := m.getRecord(positionKey(marketID, addr), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &market.Position{
		Tokens: rec.Tokens,
		Borrow: market.BorrowSnapshot{
			Principal:     rec.Principal,
			InterestIndex: rec.InterestIndex,
		},
	}, nil
}

func (m *Manager) PutPosition(marketID string, addr common.Address, pos *market.Position) error {
	if pos == nil {
		return errors.New("state: nil position")
	}
	return m.putRecord(positionKey(marketID, addr), &positionRecord{
		Tokens:        nonNil(pos.Tokens),
		Principal:     nonNil(pos.Borrow.Principal),
		InterestIndex: nonNil(pos.Borrow.InterestIndex),
	})
}

func (m *Manager) Allowance(marketID string, owner, spender common.Address) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := m.getRecord(allowanceKey(marketID, owner, spender), amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

func (m *Manager) PutAllowance(marketID string, owner, spender common.Address, amount *big.Int) error {
	return m.putRecord(allowanceKey(marketID, owner, spender), nonNil(amount))
}

// --- risk engine records ---

type marketConfigRecord struct {
	Listed           bool
	CollateralFactor *big.Int
	MintPaused       bool
	BorrowPaused     bool
	BorrowCap        *big.Int
}

func (m *Manager) MarketConfig(marketID string) (*risk.MarketConfig, error) {
	var rec marketConfigRecord
	ok, err := m.getRecord(marketConfigKey(marketID), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &risk.MarketConfig{
		Listed:           rec.Listed,
		CollateralFactor: rec.CollateralFactor,
		MintPaused:       rec.MintPaused,
		BorrowPaused:     rec.BorrowPaused,
		BorrowCap:        rec.BorrowCap,
	}, nil
}

func (m *Manager) PutMarketConfig(marketID string, cfg *risk.MarketConfig) error {
	if cfg == nil {
		return errors.New("state: nil market config")
	}
	return m.putRecord(marketConfigKey(marketID), &marketConfigRecord{
		Listed:           cfg.Listed,
		CollateralFactor: nonNil(cfg.CollateralFactor),
		MintPaused:       cfg.MintPaused,
		BorrowPaused:     cfg.BorrowPaused,
		BorrowCap:        nonNil(cfg.BorrowCap),
	})
}

func (m *Manager) Membership(addr common.Address) ([]string, error) {
	var markets []string
	ok, err := m.getRecord(membershipKey(addr), &markets)
	if err != nil || !ok {
		return nil, err
	}
	return markets, nil
}

func (m *Manager) PutMembership(addr common.Address, markets []string) error {
	if markets == nil {
		markets = []string{}
	}
	return m.putRecord(membershipKey(addr), markets)
}

// --- reward flywheel records ---

type rewardMarketRecord struct {
	Index *big.Int
	Block uint64
}

func (m *Manager) RewardMarketState(marketID string, side rewards.Side) (*rewards.MarketState, error) {
	var rec rewardMarketRecord
	ok, err := m.getRecord(rewardMarketKey(marketID, string(side)), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rewards.MarketState{Index: rec.Index, Block: rec.Block}, nil
}

func (m *Manager) PutRewardMarketState(marketID string, side rewards.Side, st *rewards.MarketState) error {
	if st == nil {
		return errors.New("state: nil reward market state")
	}
	return m.putRecord(rewardMarketKey(marketID, string(side)), &rewardMarketRecord{
		Index: nonNil(st.Index),
		Block: st.Block,
	})
}

func (m *Manager) RewardAccountIndex(marketID string, side rewards.Side, addr common.Address) (*big.Int, error) {
	index := new(big.Int)
	ok, err := m.getRecord(rewardAccountKey(marketID, string(side), addr), index)
	if err != nil || !ok {
		return nil, err
	}
	return index, nil
}

func (m *Manager) PutRewardAccountIndex(marketID string, side rewards.Side, addr common.Address, index *big.Int) error {
	return m.putRecord(rewardAccountKey(marketID, string(side), addr), nonNil(index))
}

func (m *Manager) RewardAccrued(addr common.Address) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := m.getRecord(rewardAccruedKey(addr), amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

func (m *Manager) PutRewardAccrued(addr common.Address, amount *big.Int) error {
	return m.putRecord(rewardAccruedKey(addr), nonNil(amount))
}

func (m *Manager) RewardReceivable(addr common.Address) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := m.getRecord(rewardReceivableKey(addr), amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

func (m *Manager) PutRewardReceivable(addr common.Address, amount *big.Int) error {
	return m.putRecord(rewardReceivableKey(addr), nonNil(amount))
}
