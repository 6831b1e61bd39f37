package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/payout-ledger/ledger"
	"github.com/warp/payout-ledger/ledger/store"
	"github.com/warp/payout-ledger/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type backend struct {
	name string
	open func(t *testing.T) ledger.Store
}

// backends runs every ledger test against each store implementation.
var backends = []backend{
	{"memory", func(t *testing.T) ledger.Store { return store.NewMemory() }},
	{"sqlite", func(t *testing.T) ledger.Store {
		db, err := sqlite.New(":memory:", 5*time.Second)
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		return db
	}},
}

func forEachBackend(t *testing.T, fn func(t *testing.T, l *ledger.Ledger)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			fn(t, newTestLedger(b.open(t)))
		})
	}
}

// tickClock advances one second per reading so FIFO order follows call order.
type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestLedger(s ledger.Store) *ledger.Ledger {
	l := ledger.New(s, nil)
	clock := &tickClock{now: time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)}
	l.Now = clock.Now
	return l
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var mtn = ledger.MobileMoney{Provider: "MTN", PhoneNumber: "0241234567", AccountName: "Dr. Ama Mensah"}

// earn records fee-free earnings so net equals gross.
func earn(t *testing.T, l *ledger.Ledger, doctorID ledger.DoctorID, nets ...string) []ledger.Earning {
	t.Helper()
	out := make([]ledger.Earning, len(nets))
	for i, n := range nets {
		e, err := l.OnAppointmentCompleted(context.Background(), doctorID,
			ledger.AppointmentID(l.NewID()), amount(n), decimal.Zero)
		require.NoError(t, err)
		out[i] = *e
	}
	return out
}

func requestPayout(t *testing.T, l *ledger.Ledger, doctorID ledger.DoctorID, amt string) *ledger.PayoutRequest {
	t.Helper()
	req, err := l.CreatePayoutRequest(context.Background(), doctorID, amount(amt), ledger.MethodMobileMoney, mtn)
	require.NoError(t, err)
	return req
}

func balanceOf(t *testing.T, l *ledger.Ledger, doctorID ledger.DoctorID) string {
	t.Helper()
	b, err := l.AvailableBalance(context.Background(), doctorID)
	require.NoError(t, err)
	return b.StringFixed(ledger.MoneyPlaces)
}

func statusesOf(t *testing.T, l *ledger.Ledger, doctorID ledger.DoctorID) []ledger.EarningStatus {
	t.Helper()
	earnings, err := l.ListEarnings(context.Background(), ledger.EarningFilter{DoctorID: doctorID})
	require.NoError(t, err)
	out := make([]ledger.EarningStatus, len(earnings))
	for i, e := range earnings {
		out[i] = e.Status
	}
	return out
}

func requireClean(t *testing.T, l *ledger.Ledger, doctorID ledger.DoctorID) {
	t.Helper()
	violations, err := l.VerifyInvariants(context.Background(), doctorID)
	require.NoError(t, err)
	require.Empty(t, violations)
}
