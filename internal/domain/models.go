package domain

import "time"

type StockItem struct {
	SKU               string    `json:"sku"`
	Name              string    `json:"name"`
	Brand             string    `json:"brand"`
	Category          string    `json:"category"`
	Size              string    `json:"size"`
	Color             string    `json:"color"`
	PriceCents        int64     `json:"price_cents"`
	Quantity          int       `json:"quantity"`
	LowStockThreshold int       `json:"low_stock_threshold"`
	IsLowStock        bool      `json:"is_low_stock"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// LowStock reports whether a quantity sits in the low-stock band for the
// given threshold. Zero stock is "out", not "low".
func LowStock(qty, threshold int) bool {
	return qty > 0 && qty <= threshold
}

type StockLevel struct {
	SKU               string `json:"sku"`
	Quantity          int    `json:"quantity"`
	LowStockThreshold int    `json:"low_stock_threshold"`
	IsLowStock        bool   `json:"is_low_stock"`
}

type StockAdjustRequest struct {
	Op     string `json:"op"`
	Qty    int    `json:"qty"`
	Reason string `json:"reason,omitempty"`
}

type AvailabilityResponse struct {
	SKU       string `json:"sku"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
	OK        bool   `json:"ok"`
}

type CartItem struct {
	SKU string `json:"sku"`
	Qty int    `json:"qty"`
}

type PaymentDetails struct {
	CashCents    int64  `json:"cash_cents,omitempty"`
	CardCents    int64  `json:"card_cents,omitempty"`
	UPICents     int64  `json:"upi_cents,omitempty"`
	UPIReference string `json:"upi_reference,omitempty"`
}

type CheckoutRequest struct {
	CustomerID         string         `json:"customer_id,omitempty"`
	CustomerPhone      string         `json:"customer_phone,omitempty"`
	CartItems          []CartItem     `json:"cart_items"`
	DiscountPercent    float64        `json:"discount_percent"`
	TaxRatePercent     float64        `json:"tax_rate_percent"`
	StatedSubtotal     int64          `json:"stated_subtotal_cents,omitempty"`
	StatedDiscount     int64          `json:"stated_discount_cents,omitempty"`
	StatedTax          int64          `json:"stated_tax_cents,omitempty"`
	StatedTotal        int64          `json:"stated_total_cents,omitempty"`
	TotalsStated       bool           `json:"totals_stated,omitempty"`
	PaymentMethod      string         `json:"payment_method"`
	PaymentDetails     PaymentDetails `json:"payment_details"`
	Notes              string         `json:"notes,omitempty"`
}

type SaleLine struct {
	SKU            string `json:"sku"`
	Name           string `json:"name"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	SubtotalCents  int64  `json:"subtotal_cents"`
}

type Sale struct {
	ID              string         `json:"id"`
	InvoiceNumber   string         `json:"invoice_number"`
	CustomerID      string         `json:"customer_id,omitempty"`
	CustomerName    string         `json:"customer_name,omitempty"`
	CustomerPhone   string         `json:"customer_phone,omitempty"`
	Items           []SaleLine     `json:"items"`
	SubtotalCents   int64          `json:"subtotal_cents"`
	DiscountPercent float64        `json:"discount_percent"`
	DiscountCents   int64          `json:"discount_cents"`
	TaxRatePercent  float64        `json:"tax_rate_percent"`
	TaxCents        int64          `json:"tax_cents"`
	TotalCents      int64          `json:"total_cents"`
	PaymentMethod   string         `json:"payment_method"`
	PaymentDetails  PaymentDetails `json:"payment_details"`
	CashierUsername string         `json:"cashier_username"`
	Status          string         `json:"status"`
	Notes           string         `json:"notes,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

type CheckoutResponse struct {
	Sale          Sale  `json:"sale"`
	LoyaltyEarned int64 `json:"loyalty_points_earned"`
}

type SaleListResponse struct {
	Sales []Sale `json:"sales"`
}

type CustomerAccount struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Phone          string     `json:"phone"`
	Email          string     `json:"email,omitempty"`
	TotalPurchases int64      `json:"total_purchases"`
	TotalSpent     int64      `json:"total_spent_cents"`
	LoyaltyPoints  int64      `json:"loyalty_points"`
	LastPurchaseAt *time.Time `json:"last_purchase_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

type CustomerCreateRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`
}

type LowStockResponse struct {
	Items []StockItem `json:"items"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type StaffUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	PaymentCash  = "cash"
	PaymentCard  = "card"
	PaymentUPI   = "upi"
	PaymentMixed = "mixed"
)

const (
	SaleStatusCompleted = "completed"
	SaleStatusCancelled = "cancelled"
	SaleStatusRefunded  = "refunded"
)

const (
	AdjustOpSet      = "set"
	AdjustOpAdd      = "add"
	AdjustOpSubtract = "subtract"
)

// LoyaltyPointsFor returns the points earned by a completed sale.
func LoyaltyPointsFor(totalCents int64) int64 {
	if totalCents <= 0 {
		return 0
	}
	return totalCents / 100
}
