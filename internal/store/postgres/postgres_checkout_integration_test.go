package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"shoestore/backend/internal/domain"
	"shoestore/backend/internal/store"
)

func TestCreateSaleDecrementsStockAndNumbersInvoice(t *testing.T) {
	databaseURL := os.Getenv("SHOESTORE_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set SHOESTORE_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	sku := fmt.Sprintf("SKU-CHK-IT-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_items WHERE sku = $1`, sku)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE id IN (SELECT id FROM sales WHERE cashier_username = 'it-staff')`)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_items WHERE sku = $1`, sku)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_items (
			sku, name, brand, category, size, color, price_cents,
			quantity, low_stock_threshold, is_low_stock, active, created_at, updated_at
		)
		VALUES ($1, 'Checkout IT Shoe', 'Nike', 'running', 'UK 8', 'Black', 6000,
			10, 5, false, true, now(), now())
	`, sku); err != nil {
		t.Fatalf("seed item: %v", err)
	}

	at := time.Now().UTC()
	sale := domain.Sale{
		Items: []domain.SaleLine{
			{SKU: sku, Name: "Checkout IT Shoe", Qty: 2, UnitPriceCents: 6000, SubtotalCents: 12000},
		},
		SubtotalCents:   12000,
		TotalCents:      12000,
		PaymentMethod:   domain.PaymentCash,
		PaymentDetails:  domain.PaymentDetails{CashCents: 12000},
		CashierUsername: "it-staff",
	}

	created, err := s.CreateSale(ctx, sale, at)
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if created.InvoiceNumber == "" || created.Status != domain.SaleStatusCompleted {
		t.Fatalf("unexpected sale: %+v", created)
	}

	item, err := s.GetItemBySKU(ctx, sku)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if item.Quantity != 8 {
		t.Fatalf("expected quantity 8 after sale, got %d", item.Quantity)
	}

	// Oversell must fail without touching stock.
	over := sale
	over.Items = []domain.SaleLine{{SKU: sku, Name: "Checkout IT Shoe", Qty: 99, UnitPriceCents: 6000, SubtotalCents: 594000}}
	if _, err := s.CreateSale(ctx, over, time.Now().UTC()); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	item, _ = s.GetItemBySKU(ctx, sku)
	if item.Quantity != 8 {
		t.Fatalf("failed sale changed stock: %d", item.Quantity)
	}
}
