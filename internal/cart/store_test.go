package cart

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/fjod/ticket_checkout/domain"
	"github.com/fjod/ticket_checkout/internal/state"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockBackend behaves like the cart backend: it aggregates quantities by product.
type mockBackend struct {
	m       sync.Mutex
	carts   map[string]*domain.Cart
	addErr  error
	failOn  string
	addCall int
}

func newMockBackend() *mockBackend {
	return &mockBackend{carts: map[string]*domain.Cart{}}
}

func (b *mockBackend) cart(identity string) *domain.Cart {
	c, ok := b.carts[identity]
	if !ok {
		c = domain.NewCart(domain.CartModeBound)
		b.carts[identity] = c
	}
	return c
}

func (b *mockBackend) Get(_ context.Context, identity string) (*domain.Cart, error) {
	b.m.Lock()
	defer b.m.Unlock()
	return b.cart(identity).Clone(), nil
}

func (b *mockBackend) Add(_ context.Context, identity string, line domain.CartLine) error {
	b.m.Lock()
	defer b.m.Unlock()
	b.addCall++
	if b.addErr != nil {
		return b.addErr
	}
	if b.failOn != "" && line.ProductID == b.failOn {
		return errors.New("backend unavailable")
	}
	b.cart(identity).Upsert(line)
	return nil
}

func (b *mockBackend) Update(_ context.Context, identity, productID string, qty int) error {
	b.m.Lock()
	defer b.m.Unlock()
	if !b.cart(identity).SetQuantity(productID, qty) {
		return errors.New("not found")
	}
	return nil
}

func (b *mockBackend) Remove(_ context.Context, identity, productID string) error {
	b.m.Lock()
	defer b.m.Unlock()
	b.cart(identity).Remove(productID)
	return nil
}

func (b *mockBackend) Clear(_ context.Context, identity string) error {
	b.m.Lock()
	defer b.m.Unlock()
	delete(b.carts, identity)
	return nil
}

func setupStore(t *testing.T) (*Store, *state.RedisState, *mockBackend) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	st := state.NewRedisState(client, state.DefaultOptions())
	remote := newMockBackend()
	return NewStore(st, remote, st, nil), st, remote
}

func line(id string, qty int, price int64) domain.CartLine {
	return domain.CartLine{ProductID: id, Quantity: qty, UnitPrice: decimal.NewFromInt(price), CODAvailable: true}
}

var guest = domain.Session{ID: "sess-1"}

func TestLoad_EmptyGuestCart(t *testing.T) {
	s, _, _ := setupStore(t)

	c, err := s.Load(context.Background(), guest)
	require.NoError(t, err)
	assert.Equal(t, domain.CartModeGuest, c.Mode)
	assert.True(t, c.IsEmpty())
}

func TestAdd_GuestPersists(t *testing.T) {
	s, st, _ := setupStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, guest, line("p1", 2, 500))
	require.NoError(t, err)
	c, err := s.Add(ctx, guest, line("p1", 1, 500))
	require.NoError(t, err)
	require.Len(t, c.Lines, 1)
	assert.Equal(t, 3, c.Lines[0].Quantity)

	persisted, err := st.LoadGuestCart(ctx, guest.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, persisted.Lines[0].Quantity)
}

func TestAdd_RejectsInvalidLine(t *testing.T) {
	s, _, _ := setupStore(t)

	_, err := s.Add(context.Background(), guest, line("p1", 0, 500))
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "quantity")

	_, err = s.Add(context.Background(), guest, line("", 1, 500))
	require.ErrorAs(t, err, &ve)
}

func TestAdd_NegativeGuestPriceIsNotPersisted(t *testing.T) {
	s, st, _ := setupStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, guest, line("p1", 1, -500))
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "unit_price")

	_, err = st.LoadGuestCart(ctx, guest.ID)
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestSetQuantity_BelowOneIsNoOp(t *testing.T) {
	s, _, _ := setupStore(t)
	ctx := context.Background()
	_, err := s.Add(ctx, guest, line("p1", 2, 500))
	require.NoError(t, err)

	for _, q := range []int{0, -1, -100} {
		c, err := s.SetQuantity(ctx, guest, "p1", q)
		require.NoError(t, err)
		assert.Equal(t, 2, c.Lines[0].Quantity)
	}

	c, err := s.SetQuantity(ctx, guest, "p1", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, c.Lines[0].Quantity)
}

func TestSetQuantity_BelowOneIsNoOpForBound(t *testing.T) {
	s, _, remote := setupStore(t)
	ctx := context.Background()
	bound := domain.Session{ID: "sess-1", Identity: "user-1"}
	_, err := s.Add(ctx, bound, line("p1", 2, 500))
	require.NoError(t, err)

	c, err := s.SetQuantity(ctx, bound, "p1", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Lines[0].Quantity)
	assert.Equal(t, 2, remote.carts["user-1"].Lines[0].Quantity)
}

func TestSetQuantity_UnknownLine(t *testing.T) {
	s, _, _ := setupStore(t)
	_, err := s.SetQuantity(context.Background(), guest, "nope", 3)
	assert.ErrorIs(t, err, ErrLineNotFound)
}

func TestRemoveAndClear_Guest(t *testing.T) {
	s, st, _ := setupStore(t)
	ctx := context.Background()
	_, _ = s.Add(ctx, guest, line("p1", 1, 10))
	_, _ = s.Add(ctx, guest, line("p2", 1, 20))

	c, err := s.Remove(ctx, guest, "p1")
	require.NoError(t, err)
	require.Len(t, c.Lines, 1)
	assert.Equal(t, "p2", c.Lines[0].ProductID)

	_, err = s.Remove(ctx, guest, "p1")
	assert.ErrorIs(t, err, ErrLineNotFound)

	require.NoError(t, s.Clear(ctx, guest))
	_, err = st.LoadGuestCart(ctx, guest.ID)
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestMutation_InvalidatesCoupon(t *testing.T) {
	s, st, _ := setupStore(t)
	ctx := context.Background()
	_, _ = s.Add(ctx, guest, line("p1", 2, 500))

	require.NoError(t, st.SaveCoupon(ctx, guest.ID, &domain.CouponApplication{Code: "SAVE100", DiscountAmount: decimal.NewFromInt(100)}))

	_, err := s.SetQuantity(ctx, guest, "p1", 3)
	require.NoError(t, err)

	_, err = st.LoadCoupon(ctx, guest.ID)
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestNoOpSetQuantity_KeepsCoupon(t *testing.T) {
	s, st, _ := setupStore(t)
	ctx := context.Background()
	_, _ = s.Add(ctx, guest, line("p1", 2, 500))
	require.NoError(t, st.SaveCoupon(ctx, guest.ID, &domain.CouponApplication{Code: "SAVE100"}))

	_, err := s.SetQuantity(ctx, guest, "p1", 0)
	require.NoError(t, err)

	_, err = st.LoadCoupon(ctx, guest.ID)
	assert.NoError(t, err)
}

func TestBoundMutations_RoundTrip(t *testing.T) {
	s, st, remote := setupStore(t)
	ctx := context.Background()
	bound := domain.Session{ID: "sess-1", Identity: "user-1"}

	c, err := s.Add(ctx, bound, line("p1", 2, 500))
	require.NoError(t, err)
	assert.Equal(t, domain.CartModeBound, c.Mode)
	assert.Equal(t, 2, c.Lines[0].Quantity)

	// server-side price change is visible on the next mutation
	remote.carts["user-1"].Lines[0].UnitPrice = decimal.NewFromInt(450)
	c, err = s.SetQuantity(ctx, bound, "p1", 3)
	require.NoError(t, err)
	assert.Equal(t, "450", c.Lines[0].UnitPrice.String())

	_, err = st.LoadGuestCart(ctx, bound.ID)
	assert.ErrorIs(t, err, state.ErrNotFound, "bound mutations never touch the guest copy")

	require.NoError(t, s.Clear(ctx, bound))
	c, err = s.Load(ctx, bound)
	require.NoError(t, err)
	assert.True(t, c.IsEmpty())
}

func TestBoundAdd_BackendError(t *testing.T) {
	s, _, remote := setupStore(t)
	remote.addErr = errors.New("503")

	_, err := s.Add(context.Background(), domain.Session{ID: "s", Identity: "u"}, line("p1", 1, 1))
	assert.ErrorContains(t, err, "add to bound cart")
}

func TestMergeGuestIntoBound_Idempotent(t *testing.T) {
	s, st, remote := setupStore(t)
	ctx := context.Background()

	_, _ = s.Add(ctx, guest, line("p1", 2, 500))
	_, _ = s.Add(ctx, guest, line("p2", 1, 100))
	bound := domain.Session{ID: guest.ID, Identity: "user-1"}
	require.NoError(t, remote.Add(ctx, "user-1", line("p1", 1, 500)))

	first, err := s.MergeGuestIntoBound(ctx, bound)
	require.NoError(t, err)
	second, err := s.MergeGuestIntoBound(ctx, bound)
	require.NoError(t, err)

	assert.Equal(t, first.Lines, second.Lines)
	got := map[string]int{}
	for _, l := range second.Lines {
		got[l.ProductID] = l.Quantity
	}
	assert.Equal(t, map[string]int{"p1": 3, "p2": 1}, got)

	_, err = st.LoadGuestCart(ctx, guest.ID)
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestMergeGuestIntoBound_NoGuestCart(t *testing.T) {
	s, _, remote := setupStore(t)

	c, err := s.MergeGuestIntoBound(context.Background(), domain.Session{ID: "fresh", Identity: "user-1"})
	require.NoError(t, err)
	assert.True(t, c.IsEmpty())
	assert.Equal(t, 0, remote.addCall)
}

func TestMergeGuestIntoBound_PartialFailureDoesNotDoubleAdd(t *testing.T) {
	s, _, remote := setupStore(t)
	ctx := context.Background()
	_, _ = s.Add(ctx, guest, line("p1", 2, 500))
	_, _ = s.Add(ctx, guest, line("p2", 1, 100))
	bound := domain.Session{ID: guest.ID, Identity: "user-1"}

	remote.failOn = "p2"
	_, err := s.MergeGuestIntoBound(ctx, bound)
	require.Error(t, err)

	remote.failOn = ""
	c, err := s.MergeGuestIntoBound(ctx, bound)
	require.NoError(t, err)

	got := map[string]int{}
	for _, l := range c.Lines {
		got[l.ProductID] = l.Quantity
	}
	assert.Equal(t, map[string]int{"p1": 2, "p2": 1}, got)
}

func TestMergeGuestIntoBound_RequiresIdentity(t *testing.T) {
	s, _, _ := setupStore(t)
	_, err := s.MergeGuestIntoBound(context.Background(), guest)
	assert.ErrorIs(t, err, ErrIdentityRequired)
}
