package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"shoestore/backend/internal/domain"
	"shoestore/backend/internal/store"
)

func testSale(sku string, qty int, unitPrice int64) domain.Sale {
	line := domain.SaleLine{
		SKU:            sku,
		Qty:            qty,
		UnitPriceCents: unitPrice,
		SubtotalCents:  int64(qty) * unitPrice,
	}
	return domain.Sale{
		Items:           []domain.SaleLine{line},
		SubtotalCents:   line.SubtotalCents,
		TotalCents:      line.SubtotalCents,
		PaymentMethod:   domain.PaymentCash,
		PaymentDetails:  domain.PaymentDetails{CashCents: line.SubtotalCents},
		CashierUsername: "staff",
	}
}

func TestCreateSaleDecrementsStockAndAllocatesInvoice(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	at := time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC)

	before, err := s.GetItemBySKU(ctx, "NIKE-AM90-UK8-BLK")
	if err != nil {
		t.Fatalf("get item: %v", err)
	}

	sale, err := s.CreateSale(ctx, testSale("NIKE-AM90-UK8-BLK", 2, before.PriceCents), at)
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if sale.InvoiceNumber != "INV-20250302-0001" {
		t.Fatalf("unexpected invoice number %s", sale.InvoiceNumber)
	}
	if sale.Status != domain.SaleStatusCompleted {
		t.Fatalf("unexpected status %s", sale.Status)
	}

	after, err := s.GetItemBySKU(ctx, "NIKE-AM90-UK8-BLK")
	if err != nil {
		t.Fatalf("get item after sale: %v", err)
	}
	if after.Quantity != before.Quantity-2 {
		t.Fatalf("expected quantity %d, got %d", before.Quantity-2, after.Quantity)
	}
}

func TestCreateSaleInsufficientStockLeavesNoTrace(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	at := time.Now().UTC()

	before, _ := s.GetItemBySKU(ctx, "NB-1080-UK11-GRY")

	_, err := s.CreateSale(ctx, testSale("NB-1080-UK11-GRY", before.Quantity+1, before.PriceCents), at)
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	var detail *store.InsufficientStockError
	if !errors.As(err, &detail) {
		t.Fatalf("expected detail error, got %T", err)
	}
	if detail.Available != before.Quantity {
		t.Fatalf("expected available %d, got %d", before.Quantity, detail.Available)
	}

	after, _ := s.GetItemBySKU(ctx, "NB-1080-UK11-GRY")
	if after.Quantity != before.Quantity {
		t.Fatalf("stock changed on failed sale: %d -> %d", before.Quantity, after.Quantity)
	}
	sales, _ := s.ListSales(ctx, store.SaleFilter{})
	if len(sales) != 0 {
		t.Fatalf("expected no recorded sales, got %d", len(sales))
	}
}

func TestCreateSaleDuplicateLinesValidateSummedDemand(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	at := time.Now().UTC()

	before, _ := s.GetItemBySKU(ctx, "PUMA-RSX-UK9-BLU")

	// Two lines for the same SKU, each within stock but exceeding it
	// together. Must be rejected as a whole, never decremented below zero.
	perLine := before.Quantity/2 + 1
	sale := testSale("PUMA-RSX-UK9-BLU", perLine, before.PriceCents)
	sale.Items = append(sale.Items, sale.Items[0])
	sale.SubtotalCents *= 2
	sale.TotalCents *= 2
	sale.PaymentDetails.CashCents = sale.TotalCents

	_, err := s.CreateSale(ctx, sale, at)
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	var detail *store.InsufficientStockError
	if !errors.As(err, &detail) {
		t.Fatalf("expected detail error, got %T", err)
	}
	if detail.Requested != 2*perLine || detail.Available != before.Quantity {
		t.Fatalf("expected requested %d available %d, got %+v", 2*perLine, before.Quantity, detail)
	}

	after, _ := s.GetItemBySKU(ctx, "PUMA-RSX-UK9-BLU")
	if after.Quantity != before.Quantity {
		t.Fatalf("stock changed on rejected sale: %d -> %d", before.Quantity, after.Quantity)
	}
}

func TestCreateSaleUnknownItem(t *testing.T) {
	s := NewSeeded()
	_, err := s.CreateSale(context.Background(), testSale("NOPE-123", 1, 100), time.Now().UTC())
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	var detail *store.UnknownItemError
	if !errors.As(err, &detail) || detail.SKU != "NOPE-123" {
		t.Fatalf("expected unknown item detail, got %v", err)
	}
}

func TestConcurrentCheckoutsOverlappingStock(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	at := time.Now().UTC()

	if _, err := s.AdjustStock(ctx, "PUMA-RSX-UK9-BLU", domain.AdjustOpSet, 10); err != nil {
		t.Fatalf("set stock: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, results[idx] = s.CreateSale(ctx, testSale("PUMA-RSX-UK9-BLU", 6, 579900), at)
		}(i)
	}
	wg.Wait()

	succeeded, shorted := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, store.ErrInsufficientStock):
			shorted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || shorted != 1 {
		t.Fatalf("expected one success and one shortfall, got %d/%d", succeeded, shorted)
	}

	after, _ := s.GetItemBySKU(ctx, "PUMA-RSX-UK9-BLU")
	if after.Quantity != 4 {
		t.Fatalf("expected final quantity 4, got %d", after.Quantity)
	}
}

func TestConcurrentInvoiceNumbersAreDistinctAndDense(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	at := time.Date(2025, 3, 2, 15, 0, 0, 0, time.UTC)

	const n = 25
	if _, err := s.AdjustStock(ctx, "ADI-SAMBA-UK7-WHT", domain.AdjustOpSet, n); err != nil {
		t.Fatalf("set stock: %v", err)
	}

	var wg sync.WaitGroup
	invoices := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sale, err := s.CreateSale(ctx, testSale("ADI-SAMBA-UK7-WHT", 1, 649900), at)
			if err != nil {
				t.Errorf("checkout %d: %v", idx, err)
				return
			}
			invoices[idx] = sale.InvoiceNumber
		}(i)
	}
	wg.Wait()

	sort.Strings(invoices)
	for i := 0; i < n; i++ {
		want := "INV-20250302-" + pad4(i+1)
		if invoices[i] != want {
			t.Fatalf("invoice %d: expected %s, got %s", i, want, invoices[i])
		}
	}
}

func pad4(n int) string {
	digits := []byte{'0', '0', '0', '0'}
	for i := 3; i >= 0 && n > 0; i-- {
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits)
}

func TestCreateSaleUpdatesCustomerStats(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	at := time.Now().UTC()

	created, err := s.CreateCustomer(ctx, domain.CustomerAccount{Name: "Walk In", Phone: "+919800000099"})
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}

	sale := testSale("REE-CL-UK8-WHT", 1, 499900)
	sale.TotalCents = 2124
	sale.CustomerID = created.ID
	if _, err := s.CreateSale(ctx, sale, at); err != nil {
		t.Fatalf("create sale: %v", err)
	}

	got, err := s.GetCustomerByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}
	if got.TotalPurchases != 1 {
		t.Fatalf("expected 1 purchase, got %d", got.TotalPurchases)
	}
	if got.TotalSpent != 2124 {
		t.Fatalf("expected spend 2124, got %d", got.TotalSpent)
	}
	if got.LoyaltyPoints != 21 {
		t.Fatalf("expected 21 points, got %d", got.LoyaltyPoints)
	}
	if got.LastPurchaseAt == nil || !got.LastPurchaseAt.Equal(at) {
		t.Fatalf("expected last purchase at %v, got %v", at, got.LastPurchaseAt)
	}
}

func TestAdjustStockOpsAndLowStockFlag(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	it, err := s.AdjustStock(ctx, "NIKE-PEG40-UK9-WHT", domain.AdjustOpSet, 3)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if !it.IsLowStock {
		t.Fatalf("expected low stock at quantity 3")
	}

	it, err = s.AdjustStock(ctx, "NIKE-PEG40-UK9-WHT", domain.AdjustOpSubtract, 10)
	if err != nil {
		t.Fatalf("subtract: %v", err)
	}
	if it.Quantity != 0 {
		t.Fatalf("expected clamp at zero, got %d", it.Quantity)
	}
	if it.IsLowStock {
		t.Fatalf("zero stock must not be flagged low")
	}

	it, err = s.AdjustStock(ctx, "NIKE-PEG40-UK9-WHT", domain.AdjustOpAdd, 8)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if it.Quantity != 8 || it.IsLowStock {
		t.Fatalf("expected 8 and not low, got %d low=%v", it.Quantity, it.IsLowStock)
	}

	if _, err := s.AdjustStock(ctx, "NIKE-PEG40-UK9-WHT", "multiply", 2); !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("expected invalid op error, got %v", err)
	}
}

func TestCustomerPhoneUniqueness(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	if _, err := s.CreateCustomer(ctx, domain.CustomerAccount{Name: "A", Phone: "+911111111111"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := s.CreateCustomer(ctx, domain.CustomerAccount{Name: "B", Phone: "+911111111111"})
	if !errors.Is(err, store.ErrDuplicatePhone) {
		t.Fatalf("expected duplicate phone, got %v", err)
	}

	got, err := s.GetCustomerByPhone(ctx, "+911111111111")
	if err != nil || got.Name != "A" {
		t.Fatalf("lookup by phone failed: %v %v", got, err)
	}
}

func TestInvoiceSequenceExhaustion(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	at := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

	s.mu.Lock()
	s.invoiceSeqByDay["20250303"] = 9999
	s.mu.Unlock()

	_, err := s.CreateSale(ctx, testSale("NIKE-AM90-UK8-BLK", 1, 799900), at)
	if !errors.Is(err, store.ErrInvoiceExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if _, err := s.GetSaleByInvoice(ctx, "INV-20250303-9999"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("no sale should exist for the exhausted day")
	}

	// Next day starts fresh.
	nextDay := at.Add(24 * time.Hour)
	sale, err := s.CreateSale(ctx, testSale("NIKE-AM90-UK8-BLK", 1, 799900), nextDay)
	if err != nil {
		t.Fatalf("next day sale: %v", err)
	}
	if sale.InvoiceNumber != "INV-20250304-0001" {
		t.Fatalf("expected fresh sequence, got %s", sale.InvoiceNumber)
	}
}
