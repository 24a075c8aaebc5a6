package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shoestore/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrTotalMismatch     = errors.New("total mismatch")
	ErrTxConflict        = errors.New("transaction conflict")
	ErrInvoiceExhausted  = errors.New("invoice sequence exhausted")
	ErrInvalidSale       = errors.New("invalid sale")
	ErrDuplicatePhone    = errors.New("phone already registered")
)

// UnknownItemError reports a cart line naming a SKU that does not exist or
// is retired. Unwraps to ErrNotFound.
type UnknownItemError struct {
	SKU string
}

func (e *UnknownItemError) Error() string {
	return fmt.Sprintf("unknown item %s", e.SKU)
}

func (e *UnknownItemError) Unwrap() error { return ErrNotFound }

// InsufficientStockError carries the shortfall detail a terminal needs to
// show the cashier. Unwraps to ErrInsufficientStock.
type InsufficientStockError struct {
	SKU       string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.SKU, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

type SaleFilter struct {
	From       *time.Time
	To         *time.Time
	CustomerID string
	Limit      int
}

// Repository is the persistence contract. CreateSale is the atomic checkout
// unit: invoice allocation, stock decrement, sale insert, and customer stats
// all commit or roll back together.
type Repository interface {
	ListItems(ctx context.Context) ([]domain.StockItem, error)
	GetItemBySKU(ctx context.Context, sku string) (*domain.StockItem, error)
	GetItemsBySKUs(ctx context.Context, skus []string) (map[string]domain.StockItem, error)
	ListLowStock(ctx context.Context) ([]domain.StockItem, error)
	AdjustStock(ctx context.Context, sku string, op string, qty int) (*domain.StockItem, error)

	CreateSale(ctx context.Context, sale domain.Sale, at time.Time) (*domain.Sale, error)
	GetSaleByInvoice(ctx context.Context, invoiceNumber string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter SaleFilter) ([]domain.Sale, error)

	CreateCustomer(ctx context.Context, customer domain.CustomerAccount) (*domain.CustomerAccount, error)
	GetCustomerByID(ctx context.Context, id string) (*domain.CustomerAccount, error)
	GetCustomerByPhone(ctx context.Context, phone string) (*domain.CustomerAccount, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
