package sale

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_caja/pkg/logger"
	"github.com/fjod/go_caja/pos-service/internal/caja"
	"github.com/fjod/go_caja/pos-service/internal/conflict"
	"github.com/fjod/go_caja/pos-service/internal/domain"
	"github.com/fjod/go_caja/pos-service/internal/repository"
	"go.uber.org/zap"
)

// SaleCategory is the posting category used for sales.
const SaleCategory = "venta"

type Inventory interface {
	Reserve(ctx context.Context, sessionID string, items []domain.ReservationItem) (domain.ReserveResult, error)
	Renew(ctx context.Context, sessionID string) int
	Release(ctx context.Context, sessionID string, productIDs ...int64) int
	Commit(ctx context.Context, sessionID string, productIDs ...int64) ([]domain.CommittedLine, error)
	Restore(ctx context.Context, lines []domain.CommittedLine) error
	Holdings(sessionID string) []domain.Reservation
}

// Shelf is the authoritative in-memory stock.
type Shelf interface {
	GetStock(productIDs ...int64) []domain.StockInfo
	SetStock(productID int64, total int32, kind domain.ProductKind, minimum int32) error
	Restock(productID int64, quantity int32) error
}

type Sessions interface {
	Create(ctx context.Context, id string) domain.Session
	Heartbeat(ctx context.Context, id string) (domain.Session, error)
	Get(id string) (domain.Session, error)
	Destroy(ctx context.Context, id string) bool
	WithLive(ctx context.Context, id string, fn func() error) error
}

type Register interface {
	Current(ctx context.Context) (*domain.Caja, error)
	PostTransaction(ctx context.Context, in caja.PostingInput) (*domain.Posting, error)
}

// StockStore persists shelf changes.
type StockStore interface {
	ApplyDeltas(ctx context.Context, deltas []repository.StockDelta) error
	Upsert(ctx context.Context, s domain.StockInfo) error
}

type Recorder interface {
	SaleCommitted(seconds float64)
}

type Service struct {
	inventory Inventory
	stock     Shelf
	sessions  Sessions
	register  Register
	store     StockStore
	rec       Recorder
	log       *zap.Logger
}

func NewService(inv Inventory, stock Shelf, sessions Sessions, register Register, store StockStore, rec Recorder, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{inventory: inv, stock: stock, sessions: sessions, register: register, store: store, rec: rec, log: log}
}

func (s *Service) Begin(ctx context.Context, sessionID string) domain.Session {
	return s.sessions.Create(ctx, sessionID)
}

// ReserveResult adds the cashier's options for each conflicting line.
type ReserveResult struct {
	domain.ReserveResult
	Resolutions []conflict.Resolution `json:"resolutions,omitempty"`
}

func (s *Service) Reserve(ctx context.Context, sessionID string, items []domain.ReservationItem) (*ReserveResult, error) {
	var res domain.ReserveResult
	err := s.sessions.WithLive(ctx, sessionID, func() (err error) {
		res, err = s.inventory.Reserve(ctx, sessionID, items)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &ReserveResult{ReserveResult: res, Resolutions: conflict.Resolve(res.Conflicts)}, nil
}

// Heartbeat keeps the session alive and extends its leases. Returns how many were renewed.
func (s *Service) Heartbeat(ctx context.Context, sessionID string) (int, error) {
	if _, err := s.sessions.Heartbeat(ctx, sessionID); err != nil {
		return 0, err
	}
	return s.inventory.Renew(ctx, sessionID), nil
}

func (s *Service) Release(ctx context.Context, sessionID string, productIDs ...int64) int {
	return s.inventory.Release(ctx, sessionID, productIDs...)
}

func (s *Service) Holdings(sessionID string) ([]domain.Reservation, error) {
	if _, err := s.sessions.Get(sessionID); err != nil {
		return nil, err
	}
	return s.inventory.Holdings(sessionID), nil
}

// Cancel abandons the sale and frees everything it held.
func (s *Service) Cancel(ctx context.Context, sessionID string) bool {
	return s.sessions.Destroy(ctx, sessionID)
}

type CommitInput struct {
	SessionID   string
	Items       []domain.SaleItem
	Lines       []domain.PostingLine
	Description string
	Author      string
}

type CommitResult struct {
	Posting   *domain.Posting        `json:"transaction"`
	Committed []domain.CommittedLine `json:"committed"`
}

// Commit turns the session's holds into a sale. Goods must be held in exactly
// the sold quantity; services need no hold. Holds not sold are released with the session.
func (s *Service) Commit(ctx context.Context, in CommitInput) (*CommitResult, error) {
	start := time.Now()
	log := logger.From(ctx, s.log).With(zap.String("session_id", in.SessionID))

	if _, err := s.sessions.Get(in.SessionID); err != nil {
		return nil, err
	}
	if len(in.Items) == 0 {
		return nil, fmt.Errorf("%w: sale has no items", domain.ErrInvalidPosting)
	}

	c, err := s.register.Current(ctx)
	if errors.Is(err, domain.ErrCajaNotFound) {
		return nil, domain.ErrCajaNotOpen
	}
	if err != nil {
		return nil, err
	}
	if c.State != domain.CajaOpen {
		return nil, fmt.Errorf("%w: caja %s is %s", domain.ErrCajaNotOpen, c.ID, c.State)
	}

	goods, err := s.heldGoods(in.SessionID, in.Items)
	if err != nil {
		return nil, err
	}

	var committed []domain.CommittedLine
	if len(goods) > 0 {
		committed, err = s.inventory.Commit(ctx, in.SessionID, goods...)
		if err != nil {
			return nil, err
		}
	}

	posting, err := s.register.PostTransaction(ctx, caja.PostingInput{
		CajaID:      c.ID,
		Direction:   domain.DirectionIn,
		Category:    SaleCategory,
		Description: in.Description,
		Lines:       in.Lines,
		Items:       in.Items,
		Author:      in.Author,
	})
	if err != nil {
		if rerr := s.inventory.Restore(ctx, committed); rerr != nil {
			log.Error("sale compensation failed", zap.Error(rerr))
		}
		return nil, err
	}

	if s.store != nil && len(committed) > 0 {
		deltas := make([]repository.StockDelta, 0, len(committed))
		for _, l := range committed {
			deltas = append(deltas, repository.StockDelta{
				ProductID: l.ProductID,
				Delta:     -l.Quantity,
				Reason:    repository.ReasonSale,
				Reference: posting.Code,
			})
		}
		// the in-memory ledger is authoritative; the durable copy catches up on restock or restart
		if err := s.store.ApplyDeltas(ctx, deltas); err != nil {
			log.Error("persist sale stock deltas", zap.String("code", posting.Code), zap.Error(err))
		}
	}

	s.sessions.Destroy(ctx, in.SessionID)
	if s.rec != nil {
		s.rec.SaleCommitted(time.Since(start).Seconds())
	}
	log.Info("sale committed", zap.String("code", posting.Code), zap.Int("lines", len(committed)))
	return &CommitResult{Posting: posting, Committed: committed}, nil
}

func (s *Service) heldGoods(sessionID string, items []domain.SaleItem) ([]int64, error) {
	held := make(map[int64]int32)
	for _, r := range s.inventory.Holdings(sessionID) {
		held[r.ProductID] = r.Quantity
	}

	ids := make([]int64, 0, len(items))
	for _, it := range items {
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: product %d", domain.ErrInvalidQuantity, it.ProductID)
		}
		qty, ok := held[it.ProductID]
		if ok {
			if qty != it.Quantity {
				return nil, fmt.Errorf("%w: product %d sold %d but %d reserved",
					domain.ErrInvalidQuantity, it.ProductID, it.Quantity, qty)
			}
			ids = append(ids, it.ProductID)
			continue
		}
		info := s.stock.GetStock(it.ProductID)
		if len(info) == 0 {
			return nil, fmt.Errorf("%w: %d", domain.ErrProductNotFound, it.ProductID)
		}
		if info[0].Kind != domain.KindService {
			return nil, fmt.Errorf("%w: session %s product %d", domain.ErrReservationNotFound, sessionID, it.ProductID)
		}
	}
	return ids, nil
}

// Stock lists shelf rows, every product when ids is empty.
func (s *Service) Stock(ids ...int64) []domain.StockInfo {
	return s.stock.GetStock(ids...)
}

// SetStock replaces a product's shelf count. A total below what is currently held fails.
func (s *Service) SetStock(ctx context.Context, info domain.StockInfo) (domain.StockInfo, error) {
	if info.Kind == "" {
		info.Kind = domain.KindGoods
	}
	if info.Total < 0 || info.Minimum < 0 {
		return domain.StockInfo{}, domain.ErrInvalidQuantity
	}
	if err := s.stock.SetStock(info.ProductID, info.Total, info.Kind, info.Minimum); err != nil {
		return domain.StockInfo{}, err
	}
	if s.store != nil {
		if err := s.store.Upsert(ctx, info); err != nil {
			logger.From(ctx, s.log).Error("persist stock", zap.Int64("product_id", info.ProductID), zap.Error(err))
		}
	}
	return s.stock.GetStock(info.ProductID)[0], nil
}

// Restock adds units to the shelf.
func (s *Service) Restock(ctx context.Context, productID int64, quantity int32, reference string) (domain.StockInfo, error) {
	if err := s.stock.Restock(productID, quantity); err != nil {
		return domain.StockInfo{}, err
	}
	if s.store != nil {
		err := s.store.ApplyDeltas(ctx, []repository.StockDelta{{
			ProductID: productID, Delta: quantity, Reason: repository.ReasonRestock, Reference: reference,
		}})
		if err != nil {
			logger.From(ctx, s.log).Error("persist restock", zap.Int64("product_id", productID), zap.Error(err))
		}
	}
	return s.stock.GetStock(productID)[0], nil
}
