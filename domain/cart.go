package domain

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"
)

type CartMode string

const (
	CartModeGuest CartMode = "GUEST"
	CartModeBound CartMode = "BOUND"
)

// Session identifies the browser session and, once signed in, the account behind it.
type Session struct {
	ID       string `json:"session_id"`
	Identity string `json:"identity,omitempty"`
}

func (s Session) Mode() CartMode {
	if s.Identity == "" {
		return CartModeGuest
	}
	return CartModeBound
}

type CartLine struct {
	ProductID    string          `json:"product_id"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	CODAvailable bool            `json:"cod_available"`
}

// LineTotal is unit price times quantity.
func (l CartLine) LineTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type Cart struct {
	Mode      CartMode   `json:"mode"`
	Lines     []CartLine `json:"lines"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func NewCart(mode CartMode) *Cart {
	return &Cart{Mode: mode, Lines: []CartLine{}, UpdatedAt: time.Now()}
}

func (c *Cart) IsEmpty() bool {
	return c == nil || len(c.Lines) == 0
}

func (c *Cart) Subtotal() decimal.Decimal {
	total := decimal.Zero
	if c == nil {
		return total
	}
	for _, l := range c.Lines {
		total = total.Add(l.LineTotal())
	}
	return total
}

// CODAvailable reports whether every line may be paid cash on delivery.
// An empty cart is not COD eligible.
func (c *Cart) CODAvailable() bool {
	if c.IsEmpty() {
		return false
	}
	for _, l := range c.Lines {
		if !l.CODAvailable {
			return false
		}
	}
	return true
}

func (c *Cart) Line(productID string) (CartLine, bool) {
	if c == nil {
		return CartLine{}, false
	}
	for _, l := range c.Lines {
		if l.ProductID == productID {
			return l, true
		}
	}
	return CartLine{}, false
}

// Upsert adds quantity to an existing line or appends a new one.
// Price and COD flag always take the incoming values.
func (c *Cart) Upsert(line CartLine) {
	for i := range c.Lines {
		if c.Lines[i].ProductID == line.ProductID {
			c.Lines[i].Quantity += line.Quantity
			c.Lines[i].UnitPrice = line.UnitPrice
			c.Lines[i].CODAvailable = line.CODAvailable
			c.UpdatedAt = time.Now()
			return
		}
	}
	c.Lines = append(c.Lines, line)
	c.UpdatedAt = time.Now()
}

func (c *Cart) SetQuantity(productID string, qty int) bool {
	for i := range c.Lines {
		if c.Lines[i].ProductID == productID {
			c.Lines[i].Quantity = qty
			c.UpdatedAt = time.Now()
			return true
		}
	}
	return false
}

func (c *Cart) Remove(productID string) bool {
	for i, l := range c.Lines {
		if l.ProductID == productID {
			c.Lines = append(c.Lines[:i], c.Lines[i+1:]...)
			c.UpdatedAt = time.Now()
			return true
		}
	}
	return false
}

// Clone returns a deep copy, used to freeze lines into a snapshot.
func (c *Cart) Clone() *Cart {
	if c == nil {
		return nil
	}
	out := *c
	out.Lines = make([]CartLine, len(c.Lines))
	copy(out.Lines, c.Lines)
	return &out
}

// Digest identifies the priced content of the cart: its mode and every
// line's product, quantity and unit price, independent of line order.
func (c *Cart) Digest() string {
	if c == nil {
		return ""
	}
	parts := make([]string, 0, len(c.Lines))
	for _, l := range c.Lines {
		parts = append(parts, l.ProductID+":"+strconv.Itoa(l.Quantity)+":"+l.UnitPrice.String())
	}
	slices.Sort(parts)
	return strconv.FormatUint(xxhash.Sum64String(string(c.Mode)+"|"+strings.Join(parts, ";")), 16)
}
