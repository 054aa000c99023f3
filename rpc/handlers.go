package rpc

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"clustercore/native/risk"
)

type marketSnapshot struct {
	ID            string `json:"id"`
	TotalSupply   string `json:"totalSupply"`
	TotalBorrows  string `json:"totalBorrows"`
	TotalReserves string `json:"totalReserves"`
	BorrowIndex   string `json:"borrowIndex"`
	ExchangeRate  string `json:"exchangeRate"`
	ReserveFactor string `json:"reserveFactor"`
	LastAccrual   uint64 `json:"lastAccrualBlock"`
}

type positionSnapshot struct {
	Market       string `json:"market"`
	Address      string `json:"address"`
	ClaimTokens  string `json:"claimTokens"`
	BorrowDebt   string `json:"borrowDebt"`
	ExchangeRate string `json:"exchangeRate"`
}

type liquiditySnapshot struct {
	Address   string   `json:"address"`
	Markets   []string `json:"markets"`
	Excess    string   `json:"excess"`
	Shortfall string   `json:"shortfall"`
}

type rewardSnapshot struct {
	Address    string `json:"address"`
	Accrued    string `json:"accrued"`
	Receivable string `json:"receivable"`
}

var errBadAddress = errors.New("rpc: address is not a hex address")

func (s *Server) snapshotMarket(id string, book risk.Book) (*marketSnapshot, error) {
	totalSupply, err := book.TotalSupplyStored()
	if err != nil {
		return nil, err
	}
	totalBorrows, err := book.TotalBorrowsStored()
	if err != nil {
		return nil, err
	}
	borrowIndex, err := book.BorrowIndexStored()
	if err != nil {
		return nil, err
	}
	reserveFactor, err := book.ReserveFactorStored()
	if err != nil {
		return nil, err
	}
	exchangeRate, err := book.ExchangeRateStored()
	if err != nil {
		return nil, err
	}
	totalReserves, err := book.TotalReservesStored()
	if err != nil {
		return nil, err
	}
	lastAccrual, err := book.LastAccrualBlock()
	if err != nil {
		return nil, err
	}
	return &marketSnapshot{
		ID:            id,
		TotalSupply:   totalSupply.String(),
		TotalBorrows:  totalBorrows.String(),
		TotalReserves: totalReserves.String(),
		BorrowIndex:   borrowIndex.String(),
		ExchangeRate:  exchangeRate.String(),
		ReserveFactor: reserveFactor.String(),
		LastAccrual:   lastAccrual,
	}, nil
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	ids := s.engine.Markets()
	snapshots := make([]*marketSnapshot, 0, len(ids))
	for _, id := range ids {
		book, err := s.engine.Book(id)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		snap, err := s.snapshotMarket(id, book)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		snapshots = append(snapshots, snap)
	}
	s.writeJSON(w, http.StatusOK, snapshots)
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "market")
	book, err := s.engine.Book(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	snap, err := s.snapshotMarket(id, book)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "market")
	book, err := s.engine.Book(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	addr, ok := parseAddress(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, errBadAddress)
		return
	}
	tokens, debt, exchangeRate, err := book.AccountSnapshot(addr)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, &positionSnapshot{
		Market:       id,
		Address:      addr.Hex(),
		ClaimTokens:  tokens.String(),
		BorrowDebt:   debt.String(),
		ExchangeRate: exchangeRate.String(),
	})
}

func (s *Server) handleLiquidity(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, errBadAddress)
		return
	}
	entered, err := s.engine.Membership(addr)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	excess, shortfall, err := s.engine.AccountLiquidity(addr)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entered == nil {
		entered = []string{}
	}
	s.writeJSON(w, http.StatusOK, &liquiditySnapshot{
		Address:   addr.Hex(),
		Markets:   entered,
		Excess:    excess.String(),
		Shortfall: shortfall.String(),
	})
}

func (s *Server) handleRewards(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, errBadAddress)
		return
	}
	snap := &rewardSnapshot{Address: addr.Hex(), Accrued: "0", Receivable: "0"}
	if fw := s.engine.Flywheel(); fw != nil {
		accrued, err := fw.Accrued(addr)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		receivable, err := fw.Receivable(addr)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		snap.Accrued = accrued.String()
		snap.Receivable = receivable.String()
	}
	s.writeJSON(w, http.StatusOK, snap)
}
