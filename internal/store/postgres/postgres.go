package postgres

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"shoestore/backend/internal/domain"
	"shoestore/backend/internal/invoice"
	"shoestore/backend/internal/store"
	"shoestore/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const stockItemColumns = `sku, name, brand, category, size, color, price_cents,
	quantity, low_stock_threshold, is_low_stock, active, created_at, updated_at`

func scanStockItem(row interface{ Scan(...any) error }) (domain.StockItem, error) {
	var it domain.StockItem
	err := row.Scan(&it.SKU, &it.Name, &it.Brand, &it.Category, &it.Size, &it.Color,
		&it.PriceCents, &it.Quantity, &it.LowStockThreshold, &it.IsLowStock, &it.Active,
		&it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return it, err
	}
	it.CreatedAt = it.CreatedAt.UTC()
	it.UpdatedAt = it.UpdatedAt.UTC()
	return it, nil
}

func (s *Store) ListItems(ctx context.Context) ([]domain.StockItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stockItemColumns+`
		FROM stock_items
		WHERE active = true
		ORDER BY brand, sku
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.StockItem, 0, 128)
	for rows.Next() {
		it, err := scanStockItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetItemBySKU(ctx context.Context, sku string) (*domain.StockItem, error) {
	it, err := scanStockItem(s.db.QueryRowContext(ctx, `
		SELECT `+stockItemColumns+`
		FROM stock_items
		WHERE sku = $1 AND active = true
	`, sku))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &store.UnknownItemError{SKU: sku}
		}
		return nil, err
	}
	return &it, nil
}

func (s *Store) GetItemsBySKUs(ctx context.Context, skus []string) (map[string]domain.StockItem, error) {
	result := make(map[string]domain.StockItem, len(skus))
	if len(skus) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stockItemColumns+`
		FROM stock_items
		WHERE active = true AND sku = ANY($1)
	`, skus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		it, err := scanStockItem(rows)
		if err != nil {
			return nil, err
		}
		result[it.SKU] = it
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListLowStock(ctx context.Context) ([]domain.StockItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stockItemColumns+`
		FROM stock_items
		WHERE active = true AND is_low_stock = true
		ORDER BY quantity ASC, sku ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.StockItem, 0, 32)
	for rows.Next() {
		it, err := scanStockItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) AdjustStock(ctx context.Context, sku string, op string, qty int) (*domain.StockItem, error) {
	if qty < 0 {
		return nil, store.ErrInvalidSale
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	err = tx.QueryRowContext(ctx, `
		SELECT quantity
		FROM stock_items
		WHERE sku = $1 AND active = true
		FOR UPDATE
	`, sku).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &store.UnknownItemError{SKU: sku}
		}
		return nil, err
	}

	next := current
	switch op {
	case domain.AdjustOpSet:
		next = qty
	case domain.AdjustOpAdd:
		next = current + qty
	case domain.AdjustOpSubtract:
		next = current - qty
		if next < 0 {
			next = 0
		}
	default:
		return nil, store.ErrInvalidSale
	}

	it, err := scanStockItem(tx.QueryRowContext(ctx, `
		UPDATE stock_items
		SET quantity = $2,
			is_low_stock = ($2 > 0 AND $2 <= low_stock_threshold),
			updated_at = now()
		WHERE sku = $1
		RETURNING `+stockItemColumns+`
	`, sku, next))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return &it, nil
}

// CreateSale runs the whole checkout in one serializable transaction: stock
// rows are locked and conditionally decremented, the day's invoice counter
// is bumped, the sale and its lines are inserted, and customer loyalty stats
// are applied. Anything that fails rolls the entire unit back. Serialization
// failures and invoice uniqueness races surface as ErrTxConflict so the
// caller can retry with a fresh attempt.
func (s *Store) CreateSale(ctx context.Context, sale domain.Sale, at time.Time) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, store.ErrInvalidSale
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	skus := uniqueSKUs(sale.Items)
	if len(skus) == 0 {
		return nil, store.ErrInvalidSale
	}

	stockRows, err := pgTx.QueryContext(ctx, `
		SELECT sku, quantity
		FROM stock_items
		WHERE active = true AND sku = ANY($1)
		ORDER BY sku
		FOR UPDATE
	`, skus)
	if err != nil {
		return nil, mapTxError(err)
	}
	stockMap := make(map[string]int, len(skus))
	for stockRows.Next() {
		var sku string
		var qty int
		if err := stockRows.Scan(&sku, &qty); err != nil {
			_ = stockRows.Close()
			return nil, err
		}
		stockMap[sku] = qty
	}
	if err := stockRows.Err(); err != nil {
		_ = stockRows.Close()
		return nil, err
	}
	_ = stockRows.Close()

	// Sum demand per SKU so duplicate lines for the same SKU are checked
	// against their combined quantity, matching the memory store.
	demand := make(map[string]int, len(sale.Items))
	for _, line := range sale.Items {
		if line.Qty < 1 {
			return nil, store.ErrInvalidSale
		}
		available, exists := stockMap[line.SKU]
		if !exists {
			return nil, &store.UnknownItemError{SKU: line.SKU}
		}
		demand[line.SKU] += line.Qty
		if available < demand[line.SKU] {
			return nil, &store.InsufficientStockError{SKU: line.SKU, Available: available, Requested: demand[line.SKU]}
		}
	}

	for _, line := range sale.Items {
		res, err := pgTx.ExecContext(ctx, `
			UPDATE stock_items
			SET quantity = quantity - $1,
				is_low_stock = (quantity - $1 > 0 AND quantity - $1 <= low_stock_threshold),
				updated_at = $3
			WHERE sku = $2 AND quantity >= $1
		`, line.Qty, line.SKU, at)
		if err != nil {
			return nil, mapTxError(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			// Lost a race despite the lock; treat as a retryable conflict.
			return nil, store.ErrTxConflict
		}
	}

	day := invoice.DayKey(at)
	var seq int
	err = pgTx.QueryRowContext(ctx, `
		INSERT INTO invoice_counters (day, seq)
		VALUES ($1, 1)
		ON CONFLICT (day)
		DO UPDATE SET seq = invoice_counters.seq + 1
		RETURNING seq
	`, day).Scan(&seq)
	if err != nil {
		return nil, mapTxError(err)
	}
	if seq > invoice.MaxSequence {
		return nil, store.ErrInvoiceExhausted
	}
	sale.InvoiceNumber = invoice.Format(day, seq)

	if sale.CustomerID != "" {
		var name, phone string
		err = pgTx.QueryRowContext(ctx, `
			UPDATE customers
			SET total_purchases = total_purchases + 1,
				total_spent_cents = total_spent_cents + $2,
				loyalty_points = loyalty_points + $3,
				last_purchase_at = $4,
				updated_at = $4
			WHERE id = $1
			RETURNING name, phone
		`, sale.CustomerID, sale.TotalCents, domain.LoyaltyPointsFor(sale.TotalCents), at).Scan(&name, &phone)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrNotFound
			}
			return nil, mapTxError(err)
		}
		sale.CustomerName = name
		sale.CustomerPhone = phone
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	sale.Status = domain.SaleStatusCompleted
	sale.CreatedAt = at

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (
			id, invoice_number, customer_id, customer_name, customer_phone,
			subtotal_cents, discount_percent, discount_cents, tax_rate_percent,
			tax_cents, total_cents, payment_method, payment_cash_cents,
			payment_card_cents, payment_upi_cents, payment_upi_reference,
			cashier_username, status, notes, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`, sale.ID, sale.InvoiceNumber, nullIfEmpty(sale.CustomerID), nullIfEmpty(sale.CustomerName),
		nullIfEmpty(sale.CustomerPhone), sale.SubtotalCents, sale.DiscountPercent, sale.DiscountCents,
		sale.TaxRatePercent, sale.TaxCents, sale.TotalCents, sale.PaymentMethod,
		sale.PaymentDetails.CashCents, sale.PaymentDetails.CardCents, sale.PaymentDetails.UPICents,
		nullIfEmpty(sale.PaymentDetails.UPIReference), sale.CashierUsername, sale.Status,
		strings.TrimSpace(sale.Notes), sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrTxConflict
		}
		return nil, mapTxError(err)
	}

	for _, line := range sale.Items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, sku, name, qty, unit_price_cents, subtotal_cents)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, sale.ID, line.SKU, line.Name, line.Qty, line.UnitPriceCents, line.SubtotalCents)
		if err != nil {
			return nil, mapTxError(err)
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, mapTxError(err)
	}

	return &sale, nil
}

const saleColumns = `id, invoice_number, COALESCE(customer_id,''), COALESCE(customer_name,''),
	COALESCE(customer_phone,''), subtotal_cents, discount_percent, discount_cents,
	tax_rate_percent, tax_cents, total_cents, payment_method, payment_cash_cents,
	payment_card_cents, payment_upi_cents, COALESCE(payment_upi_reference,''),
	cashier_username, status, notes, created_at`

func scanSale(row interface{ Scan(...any) error }) (domain.Sale, error) {
	var sale domain.Sale
	err := row.Scan(&sale.ID, &sale.InvoiceNumber, &sale.CustomerID, &sale.CustomerName,
		&sale.CustomerPhone, &sale.SubtotalCents, &sale.DiscountPercent, &sale.DiscountCents,
		&sale.TaxRatePercent, &sale.TaxCents, &sale.TotalCents, &sale.PaymentMethod,
		&sale.PaymentDetails.CashCents, &sale.PaymentDetails.CardCents, &sale.PaymentDetails.UPICents,
		&sale.PaymentDetails.UPIReference, &sale.CashierUsername, &sale.Status, &sale.Notes,
		&sale.CreatedAt)
	if err != nil {
		return sale, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	return sale, nil
}

func (s *Store) GetSaleByInvoice(ctx context.Context, invoiceNumber string) (*domain.Sale, error) {
	sale, err := scanSale(s.db.QueryRowContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE invoice_number = $1
	`, invoiceNumber))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	items, err := s.saleItems(ctx, []string{sale.ID})
	if err != nil {
		return nil, err
	}
	sale.Items = items[sale.ID]
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, filter store.SaleFilter) ([]domain.Sale, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}

	var from, to any
	if filter.From != nil {
		from = *filter.From
	}
	if filter.To != nil {
		to = *filter.To
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
			AND ($2::timestamptz IS NULL OR created_at < $2)
			AND ($3 = '' OR customer_id = $3)
		ORDER BY invoice_number DESC
		LIMIT $4
	`, from, to, filter.CustomerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	ids := make([]string, 0, limit)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return sales, nil
	}

	itemMap, err := s.saleItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Items = itemMap[sales[i].ID]
	}
	return sales, nil
}

func (s *Store) saleItems(ctx context.Context, saleIDs []string) (map[string][]domain.SaleLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, sku, name, qty, unit_price_cents, subtotal_cents
		FROM sale_items
		WHERE sale_id = ANY($1)
		ORDER BY id ASC
	`, saleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string][]domain.SaleLine, len(saleIDs))
	for rows.Next() {
		var saleID string
		var line domain.SaleLine
		if err := rows.Scan(&saleID, &line.SKU, &line.Name, &line.Qty, &line.UnitPriceCents, &line.SubtotalCents); err != nil {
			return nil, err
		}
		result[saleID] = append(result[saleID], line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.CustomerAccount) (*domain.CustomerAccount, error) {
	customer.Name = strings.TrimSpace(customer.Name)
	customer.Phone = strings.TrimSpace(customer.Phone)
	if customer.Name == "" || customer.Phone == "" {
		return nil, store.ErrInvalidSale
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (
			id, name, phone, email, total_purchases, total_spent_cents,
			loyalty_points, last_purchase_at, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,0,0,0,NULL,$5,now())
	`, customer.ID, customer.Name, customer.Phone, nullIfEmpty(customer.Email), customer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicatePhone
		}
		return nil, err
	}
	created := customer
	return &created, nil
}

func (s *Store) GetCustomerByID(ctx context.Context, id string) (*domain.CustomerAccount, error) {
	return s.findCustomer(ctx, "id", id)
}

func (s *Store) GetCustomerByPhone(ctx context.Context, phone string) (*domain.CustomerAccount, error) {
	return s.findCustomer(ctx, "phone", strings.TrimSpace(phone))
}

func (s *Store) findCustomer(ctx context.Context, column string, value string) (*domain.CustomerAccount, error) {
	if column != "id" && column != "phone" {
		return nil, store.ErrNotFound
	}

	var customer domain.CustomerAccount
	var email sql.NullString
	var lastPurchase sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, email, total_purchases, total_spent_cents,
			loyalty_points, last_purchase_at, created_at
		FROM customers
		WHERE `+column+` = $1
	`, value).Scan(
		&customer.ID,
		&customer.Name,
		&customer.Phone,
		&email,
		&customer.TotalPurchases,
		&customer.TotalSpent,
		&customer.LoyaltyPoints,
		&lastPurchase,
		&customer.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if email.Valid {
		customer.Email = email.String
	}
	if lastPurchase.Valid {
		at := lastPurchase.Time.UTC()
		customer.LastPurchaseAt = &at
	}
	customer.CreatedAt = customer.CreatedAt.UTC()
	return &customer, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidSale
	}
	if user.Role == "" {
		user.Role = "staff"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidSale
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidSale
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func uniqueSKUs(items []domain.SaleLine) []string {
	if len(items) == 0 {
		return nil
	}

	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item.SKU == "" {
			continue
		}
		set[item.SKU] = struct{}{}
	}

	skus := make([]string, 0, len(set))
	for sku := range set {
		skus = append(skus, sku)
	}
	sort.Strings(skus)
	return skus
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// mapTxError folds postgres serialization and deadlock failures into the
// retryable conflict sentinel.
func mapTxError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return store.ErrTxConflict
		}
	}
	return err
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
