package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"shoestore/backend/internal/domain"
	"shoestore/backend/internal/invoice"
	"shoestore/backend/internal/store"
	"shoestore/backend/internal/xid"
)

// Store is the in-memory repository used for dev/demo mode and tests. A
// single mutex serializes every mutation, so a checkout is atomic by
// construction: nothing is visible until the lock is released.
type Store struct {
	mu              sync.RWMutex
	items           map[string]domain.StockItem
	salesByID       map[string]*domain.Sale
	salesByInvoice  map[string]*domain.Sale
	invoiceSeqByDay map[string]int
	customersByID   map[string]domain.CustomerAccount
	customerByPhone map[string]string
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_OWNER_PASSWORD and SEED_STAFF_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	ownerPwd := envOr("SEED_OWNER_PASSWORD", "owner123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_OWNER_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_OWNER_PASSWORD and SEED_STAFF_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"owner", ownerPwd, "owner"},
		{"staff", staffPwd, "staff"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	now := time.Now().UTC()
	items := []domain.StockItem{
		{SKU: "NIKE-AM90-UK8-BLK", Name: "Nike Air Max 90", Brand: "Nike", Category: "running", Size: "UK 8", Color: "Black", PriceCents: 799900, Quantity: 24, LowStockThreshold: 5},
		{SKU: "NIKE-PEG40-UK9-WHT", Name: "Nike Pegasus 40", Brand: "Nike", Category: "running", Size: "UK 9", Color: "White", PriceCents: 949900, Quantity: 18, LowStockThreshold: 5},
		{SKU: "ADI-UB23-UK8-GRY", Name: "Adidas Ultraboost 23", Brand: "Adidas", Category: "running", Size: "UK 8", Color: "Grey", PriceCents: 1099900, Quantity: 15, LowStockThreshold: 5},
		{SKU: "ADI-SAMBA-UK7-WHT", Name: "Adidas Samba OG", Brand: "Adidas", Category: "casual", Size: "UK 7", Color: "White", PriceCents: 649900, Quantity: 30, LowStockThreshold: 5},
		{SKU: "PUMA-RSX-UK9-BLU", Name: "Puma RS-X", Brand: "Puma", Category: "casual", Size: "UK 9", Color: "Blue", PriceCents: 579900, Quantity: 12, LowStockThreshold: 5},
		{SKU: "PUMA-VEL-UK10-RED", Name: "Puma Velocity Nitro", Brand: "Puma", Category: "running", Size: "UK 10", Color: "Red", PriceCents: 699900, Quantity: 9, LowStockThreshold: 5},
		{SKU: "REE-CL-UK8-WHT", Name: "Reebok Classic Leather", Brand: "Reebok", Category: "casual", Size: "UK 8", Color: "White", PriceCents: 499900, Quantity: 20, LowStockThreshold: 5},
		{SKU: "REE-NANO-UK9-BLK", Name: "Reebok Nano X3", Brand: "Reebok", Category: "training", Size: "UK 9", Color: "Black", PriceCents: 849900, Quantity: 4, LowStockThreshold: 5},
		{SKU: "NB-574-UK7-NVY", Name: "New Balance 574", Brand: "New Balance", Category: "casual", Size: "UK 7", Color: "Navy", PriceCents: 599900, Quantity: 22, LowStockThreshold: 5},
		{SKU: "NB-1080-UK11-GRY", Name: "New Balance Fresh Foam 1080", Brand: "New Balance", Category: "running", Size: "UK 11", Color: "Grey", PriceCents: 1199900, Quantity: 3, LowStockThreshold: 5},
	}

	itemMap := make(map[string]domain.StockItem, len(items))
	for _, it := range items {
		it.Active = true
		it.IsLowStock = domain.LowStock(it.Quantity, it.LowStockThreshold)
		it.CreatedAt = now
		it.UpdatedAt = now
		itemMap[it.SKU] = it
	}

	customers := []domain.CustomerAccount{
		{ID: "cust-seed-01", Name: "Ravi Menon", Phone: "+919800000001", Email: "ravi@example.com", CreatedAt: now},
		{ID: "cust-seed-02", Name: "Anita Desai", Phone: "+919800000002", CreatedAt: now},
	}
	customerMap := make(map[string]domain.CustomerAccount, len(customers))
	phoneIndex := make(map[string]string, len(customers))
	for _, c := range customers {
		customerMap[c.ID] = c
		phoneIndex[c.Phone] = c.ID
	}

	return &Store{
		items:           itemMap,
		salesByID:       make(map[string]*domain.Sale),
		salesByInvoice:  make(map[string]*domain.Sale),
		invoiceSeqByDay: make(map[string]int),
		customersByID:   customerMap,
		customerByPhone: phoneIndex,
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
	}
}

func (s *Store) ListItems(_ context.Context) ([]domain.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.StockItem, 0, len(s.items))
	for _, it := range s.items {
		if !it.Active {
			continue
		}
		items = append(items, it)
	}

	slices.SortFunc(items, func(a, b domain.StockItem) int {
		if a.Brand == b.Brand {
			return cmpString(a.SKU, b.SKU)
		}
		return cmpString(a.Brand, b.Brand)
	})

	return items, nil
}

func (s *Store) GetItemBySKU(_ context.Context, sku string) (*domain.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, exists := s.items[sku]
	if !exists || !it.Active {
		return nil, &store.UnknownItemError{SKU: sku}
	}
	copyItem := it
	return &copyItem, nil
}

func (s *Store) GetItemsBySKUs(_ context.Context, skus []string) (map[string]domain.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.StockItem, len(skus))
	for _, sku := range skus {
		if it, ok := s.items[sku]; ok && it.Active {
			result[sku] = it
		}
	}
	return result, nil
}

func (s *Store) ListLowStock(_ context.Context) ([]domain.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.StockItem, 0, 16)
	for _, it := range s.items {
		if !it.Active || !it.IsLowStock {
			continue
		}
		items = append(items, it)
	}

	slices.SortFunc(items, func(a, b domain.StockItem) int {
		if a.Quantity == b.Quantity {
			return cmpString(a.SKU, b.SKU)
		}
		return a.Quantity - b.Quantity
	})

	return items, nil
}

func (s *Store) AdjustStock(_ context.Context, sku string, op string, qty int) (*domain.StockItem, error) {
	if qty < 0 {
		return nil, store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	it, exists := s.items[sku]
	if !exists || !it.Active {
		return nil, &store.UnknownItemError{SKU: sku}
	}

	switch op {
	case domain.AdjustOpSet:
		it.Quantity = qty
	case domain.AdjustOpAdd:
		it.Quantity += qty
	case domain.AdjustOpSubtract:
		it.Quantity -= qty
		if it.Quantity < 0 {
			it.Quantity = 0
		}
	default:
		return nil, store.ErrInvalidSale
	}

	it.IsLowStock = domain.LowStock(it.Quantity, it.LowStockThreshold)
	it.UpdatedAt = time.Now().UTC()
	s.items[sku] = it
	updated := it
	return &updated, nil
}

// CreateSale is the atomic checkout unit. Under the store lock it re-checks
// every line against current stock, allocates the next invoice number for
// at's UTC day, decrements stock, records the sale, and applies customer
// loyalty stats. Any failure returns before the first visible mutation.
func (s *Store) CreateSale(ctx context.Context, sale domain.Sale, at time.Time) (*domain.Sale, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(sale.Items) == 0 {
		return nil, store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate against the summed demand per SKU so a sale carrying the
	// same SKU on multiple lines cannot pass line-by-line checks and
	// drive quantity negative.
	demand := make(map[string]int, len(sale.Items))
	for _, line := range sale.Items {
		if line.Qty < 1 {
			return nil, store.ErrInvalidSale
		}
		it, exists := s.items[line.SKU]
		if !exists || !it.Active {
			return nil, &store.UnknownItemError{SKU: line.SKU}
		}
		demand[line.SKU] += line.Qty
		if it.Quantity < demand[line.SKU] {
			return nil, &store.InsufficientStockError{SKU: line.SKU, Available: it.Quantity, Requested: demand[line.SKU]}
		}
	}

	var customer domain.CustomerAccount
	if sale.CustomerID != "" {
		existing, exists := s.customersByID[sale.CustomerID]
		if !exists {
			return nil, store.ErrNotFound
		}
		customer = existing
	}

	day := invoice.DayKey(at)
	seq := s.invoiceSeqByDay[day] + 1
	if seq > invoice.MaxSequence {
		return nil, store.ErrInvoiceExhausted
	}

	// All checks passed; mutations below must all happen.
	s.invoiceSeqByDay[day] = seq
	sale.InvoiceNumber = invoice.Format(day, seq)

	for _, line := range sale.Items {
		it := s.items[line.SKU]
		it.Quantity -= line.Qty
		it.IsLowStock = domain.LowStock(it.Quantity, it.LowStockThreshold)
		it.UpdatedAt = at
		s.items[line.SKU] = it
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	sale.Status = domain.SaleStatusCompleted
	sale.CreatedAt = at

	if sale.CustomerID != "" {
		purchaseAt := at
		customer.TotalPurchases++
		customer.TotalSpent += sale.TotalCents
		customer.LoyaltyPoints += domain.LoyaltyPointsFor(sale.TotalCents)
		customer.LastPurchaseAt = &purchaseAt
		s.customersByID[customer.ID] = customer
		sale.CustomerName = customer.Name
		sale.CustomerPhone = customer.Phone
	}

	saved := cloneSale(&sale)
	s.salesByID[sale.ID] = saved
	s.salesByInvoice[sale.InvoiceNumber] = saved

	return cloneSale(saved), nil
}

func (s *Store) GetSaleByInvoice(_ context.Context, invoiceNumber string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByInvoice[invoiceNumber]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) ListSales(_ context.Context, filter store.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, 64)
	for _, sale := range s.salesByID {
		if filter.From != nil && sale.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !sale.CreatedAt.Before(*filter.To) {
			continue
		}
		if filter.CustomerID != "" && sale.CustomerID != filter.CustomerID {
			continue
		}
		result = append(result, *cloneSale(sale))
	}

	slices.SortFunc(result, func(a, b domain.Sale) int {
		return cmpString(b.InvoiceNumber, a.InvoiceNumber)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.CustomerAccount) (*domain.CustomerAccount, error) {
	customer.Name = strings.TrimSpace(customer.Name)
	customer.Phone = strings.TrimSpace(customer.Phone)
	if customer.Name == "" || customer.Phone == "" {
		return nil, store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.customerByPhone[customer.Phone]; exists {
		return nil, store.ErrDuplicatePhone
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	s.customersByID[customer.ID] = customer
	s.customerByPhone[customer.Phone] = customer.ID
	created := customer
	return &created, nil
}

func (s *Store) GetCustomerByID(_ context.Context, id string) (*domain.CustomerAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, exists := s.customersByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyCustomer := customer
	return &copyCustomer, nil
}

func (s *Store) GetCustomerByPhone(_ context.Context, phone string) (*domain.CustomerAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.customerByPhone[strings.TrimSpace(phone)]
	if !exists {
		return nil, store.ErrNotFound
	}
	customer := s.customersByID[id]
	copyCustomer := customer
	return &copyCustomer, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidSale
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidSale
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "staff"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidSale
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dup := *src
	items := make([]domain.SaleLine, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	return &dup
}
