package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"shoestore/backend/internal/cache"
	"shoestore/backend/internal/domain"
	"shoestore/backend/internal/invoice"
	"shoestore/backend/internal/metrics"
	"shoestore/backend/internal/store"
	"shoestore/backend/internal/xid"
)

// checkoutAttempts bounds how many times a checkout is replayed after the
// store reports a serialization conflict.
const checkoutAttempts = 3

// stockLevelTTL is how long a cached stock level stays fresh. Writes
// invalidate eagerly, so this only bounds staleness after missed
// invalidations.
const stockLevelTTL = 30 * time.Second

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo    store.Repository
	cache   cache.StockLevelCache
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func New(repo store.Repository, stockCache cache.StockLevelCache, m *metrics.Metrics, logger *zap.Logger) *Service {
	if stockCache == nil {
		stockCache = cache.NoopStockLevelCache{}
	}
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		repo:    repo,
		cache:   stockCache,
		metrics: m,
		logger:  logger,
	}
}

func (s *Service) ListItems(ctx context.Context) ([]domain.StockItem, error) {
	return s.repo.ListItems(ctx)
}

func (s *Service) GetItem(ctx context.Context, sku string) (*domain.StockItem, error) {
	sku = strings.ToUpper(strings.TrimSpace(sku))
	if sku == "" {
		return nil, store.ErrInvalidSale
	}
	return s.repo.GetItemBySKU(ctx, sku)
}

// GetStockLevel serves the quantity probe for one SKU, cache first.
func (s *Service) GetStockLevel(ctx context.Context, sku string) (*domain.StockLevel, error) {
	sku = strings.ToUpper(strings.TrimSpace(sku))
	if sku == "" {
		return nil, store.ErrInvalidSale
	}

	if level, ok, err := s.cache.Get(ctx, sku); err != nil {
		s.logger.Warn("stock cache read failed", zap.String("sku", sku), zap.Error(err))
	} else if ok {
		return level, nil
	}

	item, err := s.repo.GetItemBySKU(ctx, sku)
	if err != nil {
		return nil, err
	}

	level := &domain.StockLevel{
		SKU:               item.SKU,
		Quantity:          item.Quantity,
		LowStockThreshold: item.LowStockThreshold,
		IsLowStock:        item.IsLowStock,
	}
	if err := s.cache.Set(ctx, sku, level, stockLevelTTL); err != nil {
		s.logger.Warn("stock cache write failed", zap.String("sku", sku), zap.Error(err))
	}
	return level, nil
}

func (s *Service) CheckAvailability(ctx context.Context, sku string, qty int) (domain.AvailabilityResponse, error) {
	if qty < 1 {
		return domain.AvailabilityResponse{}, store.ErrInvalidSale
	}

	level, err := s.GetStockLevel(ctx, sku)
	if err != nil {
		return domain.AvailabilityResponse{}, err
	}

	return domain.AvailabilityResponse{
		SKU:       level.SKU,
		Requested: qty,
		Available: level.Quantity,
		OK:        level.Quantity >= qty,
	}, nil
}

func (s *Service) ListLowStock(ctx context.Context) (domain.LowStockResponse, error) {
	items, err := s.repo.ListLowStock(ctx)
	if err != nil {
		return domain.LowStockResponse{}, err
	}
	return domain.LowStockResponse{Items: items}, nil
}

func (s *Service) AdjustStock(ctx context.Context, sku string, req domain.StockAdjustRequest) (*domain.StockItem, error) {
	sku = strings.ToUpper(strings.TrimSpace(sku))
	req.Op = strings.ToLower(strings.TrimSpace(req.Op))
	if sku == "" {
		return nil, store.ErrInvalidSale
	}

	switch req.Op {
	case domain.AdjustOpSet:
		if req.Qty < 0 {
			return nil, store.ErrInvalidSale
		}
	case domain.AdjustOpAdd, domain.AdjustOpSubtract:
		if req.Qty < 1 {
			return nil, store.ErrInvalidSale
		}
	default:
		return nil, store.ErrInvalidSale
	}

	item, err := s.repo.AdjustStock(ctx, sku, req.Op, req.Qty)
	if err != nil {
		return nil, err
	}

	s.metrics.StockAdjustments.WithLabelValues(req.Op).Inc()
	s.invalidateStock(ctx, sku)
	s.logAudit(ctx, "stock_adjust", "stock_item", item.SKU, fmt.Sprintf("op=%s,qty=%d,now=%d,reason=%s", req.Op, req.Qty, item.Quantity, req.Reason))

	return item, nil
}

// Checkout prices the cart, verifies any client-side totals, and hands the
// sale to the store as one atomic unit. Serialization conflicts are replayed
// a bounded number of times before surfacing to the caller.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	started := time.Now()
	resp, err := s.checkout(ctx, req)
	s.metrics.CheckoutDuration.Observe(time.Since(started).Seconds())
	s.metrics.CheckoutsTotal.WithLabelValues(checkoutOutcome(err)).Inc()
	return resp, err
}

func (s *Service) checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	normalized, err := normalizeCart(req.CartItems)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	if req.DiscountPercent < 0 || req.DiscountPercent > 100 {
		return domain.CheckoutResponse{}, store.ErrInvalidSale
	}
	if req.TaxRatePercent < 0 || req.TaxRatePercent > 100 {
		return domain.CheckoutResponse{}, store.ErrInvalidSale
	}

	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if req.PaymentMethod == "" {
		req.PaymentMethod = domain.PaymentCash
	}
	if !isSupportedPaymentMethod(req.PaymentMethod) {
		return domain.CheckoutResponse{}, store.ErrInvalidSale
	}

	skus := make([]string, 0, len(normalized))
	for _, item := range normalized {
		skus = append(skus, item.SKU)
	}
	items, err := s.repo.GetItemsBySKUs(ctx, skus)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	lines := make([]domain.SaleLine, 0, len(normalized))
	subtotal := int64(0)
	for _, item := range normalized {
		stockItem, exists := items[item.SKU]
		if !exists || !stockItem.Active {
			return domain.CheckoutResponse{}, &store.UnknownItemError{SKU: item.SKU}
		}
		lineSubtotal := int64(item.Qty) * stockItem.PriceCents
		lines = append(lines, domain.SaleLine{
			SKU:            stockItem.SKU,
			Name:           stockItem.Name,
			Qty:            item.Qty,
			UnitPriceCents: stockItem.PriceCents,
			SubtotalCents:  lineSubtotal,
		})
		subtotal += lineSubtotal
	}

	discountCents := int64(math.Round(float64(subtotal) * req.DiscountPercent / 100))
	taxBase := subtotal - discountCents
	taxCents := int64(math.Round(float64(taxBase) * req.TaxRatePercent / 100))
	totalCents := taxBase + taxCents

	if req.TotalsStated {
		if err := verifyStatedTotals(req, subtotal, discountCents, taxCents, totalCents); err != nil {
			return domain.CheckoutResponse{}, err
		}
	}

	if err := validatePayment(req.PaymentMethod, req.PaymentDetails, totalCents); err != nil {
		return domain.CheckoutResponse{}, err
	}

	customerID := ""
	if id := strings.TrimSpace(req.CustomerID); id != "" {
		customer, err := s.repo.GetCustomerByID(ctx, id)
		if err != nil {
			return domain.CheckoutResponse{}, err
		}
		customerID = customer.ID
	} else if phone := strings.TrimSpace(req.CustomerPhone); phone != "" {
		customer, err := s.repo.GetCustomerByPhone(ctx, phone)
		if err != nil {
			return domain.CheckoutResponse{}, err
		}
		customerID = customer.ID
	}

	actor, _ := ActorFromContext(ctx)

	sale := domain.Sale{
		CustomerID:      customerID,
		Items:           lines,
		SubtotalCents:   subtotal,
		DiscountPercent: req.DiscountPercent,
		DiscountCents:   discountCents,
		TaxRatePercent:  req.TaxRatePercent,
		TaxCents:        taxCents,
		TotalCents:      totalCents,
		PaymentMethod:   req.PaymentMethod,
		PaymentDetails:  req.PaymentDetails,
		CashierUsername: actor.Username,
		Notes:           strings.TrimSpace(req.Notes),
	}

	var created *domain.Sale
	for attempt := 1; ; attempt++ {
		created, err = s.repo.CreateSale(ctx, sale, time.Now().UTC())
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrTxConflict) || attempt >= checkoutAttempts {
			return domain.CheckoutResponse{}, err
		}
		s.metrics.CheckoutRetries.Inc()
		s.logger.Warn("checkout conflict, retrying",
			zap.Int("attempt", attempt),
			zap.Strings("skus", skus),
		)
	}

	s.invalidateStock(ctx, skus...)

	loyaltyEarned := int64(0)
	if created.CustomerID != "" {
		loyaltyEarned = domain.LoyaltyPointsFor(created.TotalCents)
	}

	s.logAudit(ctx, "checkout", "sale", created.InvoiceNumber, fmt.Sprintf("total=%d,payment=%s,items=%d,customer=%s", created.TotalCents, created.PaymentMethod, len(created.Items), created.CustomerID))

	return domain.CheckoutResponse{Sale: *created, LoyaltyEarned: loyaltyEarned}, nil
}

func (s *Service) GetSaleByInvoice(ctx context.Context, invoiceNumber string) (*domain.Sale, error) {
	invoiceNumber = strings.ToUpper(strings.TrimSpace(invoiceNumber))
	if _, _, err := invoice.Parse(invoiceNumber); err != nil {
		return nil, store.ErrNotFound
	}
	return s.repo.GetSaleByInvoice(ctx, invoiceNumber)
}

func (s *Service) ListSales(ctx context.Context, filter store.SaleFilter) (domain.SaleListResponse, error) {
	if filter.Limit < 1 || filter.Limit > 500 {
		filter.Limit = 100
	}
	sales, err := s.repo.ListSales(ctx, filter)
	if err != nil {
		return domain.SaleListResponse{}, err
	}
	return domain.SaleListResponse{Sales: sales}, nil
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (*domain.CustomerAccount, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Phone = strings.TrimSpace(req.Phone)
	req.Email = strings.TrimSpace(req.Email)
	if req.Name == "" || req.Phone == "" {
		return nil, store.ErrInvalidSale
	}

	customer := domain.CustomerAccount{
		ID:    xid.New("cust"),
		Name:  req.Name,
		Phone: req.Phone,
		Email: req.Email,
	}

	created, err := s.repo.CreateCustomer(ctx, customer)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "customer_create", "customer", created.ID, fmt.Sprintf("phone=%s", created.Phone))
	return created, nil
}

// GetCustomer looks a customer up by id first, then by phone. Terminals only
// hold one of the two depending on how the customer was attached.
func (s *Service) GetCustomer(ctx context.Context, key string) (*domain.CustomerAccount, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, store.ErrNotFound
	}

	customer, err := s.repo.GetCustomerByID(ctx, key)
	if err == nil {
		return customer, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return s.repo.GetCustomerByPhone(ctx, key)
}

func (s *Service) invalidateStock(ctx context.Context, skus ...string) {
	if err := s.cache.Invalidate(ctx, skus...); err != nil {
		s.logger.Warn("stock cache invalidation failed", zap.Strings("skus", skus), zap.Error(err))
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("audit write failed",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err),
		)
	}
}

// normalizeCart uppercases SKUs and merges duplicate lines. Any line with a
// blank SKU or non-positive quantity rejects the whole cart.
func normalizeCart(items []domain.CartItem) ([]domain.CartItem, error) {
	if len(items) == 0 {
		return nil, store.ErrInvalidSale
	}

	agg := make(map[string]int, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		sku := strings.ToUpper(strings.TrimSpace(item.SKU))
		if sku == "" || item.Qty < 1 {
			return nil, store.ErrInvalidSale
		}
		if _, seen := agg[sku]; !seen {
			order = append(order, sku)
		}
		agg[sku] += item.Qty
	}

	normalized := make([]domain.CartItem, 0, len(order))
	for _, sku := range order {
		normalized = append(normalized, domain.CartItem{SKU: sku, Qty: agg[sku]})
	}
	return normalized, nil
}

// verifyStatedTotals compares client-side figures against the recomputed
// ones. A difference of one cent per aggregate is allowed for rounding drift
// between terminal implementations; anything larger rejects the sale.
func verifyStatedTotals(req domain.CheckoutRequest, subtotal, discount, tax, total int64) error {
	if absDiff(req.StatedSubtotal, subtotal) > 1 ||
		absDiff(req.StatedDiscount, discount) > 1 ||
		absDiff(req.StatedTax, tax) > 1 ||
		absDiff(req.StatedTotal, total) > 1 {
		return fmt.Errorf("%w: stated total %d, computed %d", store.ErrTotalMismatch, req.StatedTotal, total)
	}
	return nil
}

func validatePayment(method string, details domain.PaymentDetails, totalCents int64) error {
	if details.CashCents < 0 || details.CardCents < 0 || details.UPICents < 0 {
		return store.ErrInvalidSale
	}

	switch method {
	case domain.PaymentCash:
		if details.CashCents > 0 && details.CashCents < totalCents {
			return store.ErrInvalidSale
		}
	case domain.PaymentUPI:
		if strings.TrimSpace(details.UPIReference) == "" {
			return store.ErrInvalidSale
		}
	case domain.PaymentMixed:
		if details.CashCents+details.CardCents+details.UPICents != totalCents {
			return store.ErrInvalidSale
		}
		if details.UPICents > 0 && strings.TrimSpace(details.UPIReference) == "" {
			return store.ErrInvalidSale
		}
	}
	return nil
}

func checkoutOutcome(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, store.ErrTxConflict):
		return "conflict"
	case errors.Is(err, store.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, store.ErrTotalMismatch):
		return "total_mismatch"
	case errors.Is(err, store.ErrInvoiceExhausted):
		return "invoice_exhausted"
	default:
		return "rejected"
	}
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentUPI, domain.PaymentMixed:
		return true
	default:
		return false
	}
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
