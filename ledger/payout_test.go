package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payout-ledger/ledger"
)

// =============================================================================
// FIFO SELECTION
// =============================================================================

func TestSelectFIFO(t *testing.T) {
	pending := []ledger.Earning{
		{ID: "e1", NetAmount: amount("40.00")},
		{ID: "e2", NetAmount: amount("35.00")},
		{ID: "e3", NetAmount: amount("30.00")},
	}

	cases := []struct {
		amount string
		want   []ledger.EarningID
	}{
		{"10.00", []ledger.EarningID{"e1"}},
		{"40.00", []ledger.EarningID{"e1"}},
		{"50.00", []ledger.EarningID{"e1", "e2"}},
		{"105.00", []ledger.EarningID{"e1", "e2", "e3"}},
		{"105.01", nil},
	}
	for _, c := range cases {
		var got []ledger.EarningID
		for _, e := range ledger.SelectFIFO(pending, amount(c.amount)) {
			got = append(got, e.ID)
		}
		assert.Equal(t, c.want, got, "amount %s", c.amount)
	}
}

// =============================================================================
// CREATE PAYOUT REQUEST
// =============================================================================

func TestCreatePayoutRequest_ReservesWholeEarningsFIFO(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *ledger.Ledger) {
		// GIVEN: Pending earnings of 40, 35 and 30 (oldest first)
		// WHEN: The doctor requests 50
		// THEN: The 40 and 35 earnings are reserved (75), 30 stays available

		ctx := context.Background()
		earned := earn(t, l, "doc-1", "40.00", "35.00", "30.00")

		req := requestPayout(t, l, "doc-1", "50.00")
		assert.Equal(t, ledger.PayoutPending, req.Status)
		assert.Equal(t, "50.00", req.Amount.StringFixed(2))
		assert.Equal(t, "75.00", req.RequestedAmount.StringFixed(2))
		assert.Regexp(t, `^PAY-2025-[0-9A-F]{8}$`, req.Reference)

		assert.Equal(t, "30.00", balanceOf(t, l, "doc-1"))
		assert.Equal(t, []ledger.EarningStatus{
			ledger.EarningReserved, ledger.EarningReserved, ledger.EarningPending,
		}, statusesOf(t, l, "doc-1"))

		history, err := l.ReservationHistory(ctx, req.ID)
		require.NoError(t, err)
		require.Len(t, history, 2)
		for i, ev := range history {
			assert.Equal(t, ledger.ReservationReserved, ev.Action)
			assert.Equal(t, earned[i].ID, ev.EarningID)
		}

		stored, err := l.GetPayoutRequest(ctx, "doc-1", req.ID)
		require.NoError(t, err)
		assert.Equal(t, mtn, stored.AccountDetails)
		requireClean(t, l, "doc-1")
	})
}

func TestCreatePayoutRequest_SecondActiveRequestRejected(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *ledger.Ledger) {
		// GIVEN: A pending request and enough balance for another
		// WHEN: The doctor requests again
		// THEN: ErrActiveRequestExists and nothing changes

		ctx := context.Background()
		earn(t, l, "doc-1", "40.00", "35.00", "30.00")
		requestPayout(t, l, "doc-1", "50.00")

		_, err := l.CreatePayoutRequest(ctx, "doc-1", amount("10.00"), ledger.MethodMobileMoney, mtn)
		assert.ErrorIs(t, err, ledger.ErrActiveRequestExists)
		assert.Equal(t, "30.00", balanceOf(t, l, "doc-1"))

		page, err := l.ListPayoutRequests(ctx, "doc-1", ledger.PayoutFilter{})
		require.NoError(t, err)
		assert.Equal(t, 1, page.Total)
	})
}

func TestCreatePayoutRequest_ProcessingCountsAsActive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *ledger.Ledger) {
		ctx := context.Background()
		earn(t, l, "doc-1", "40.00", "35.00")
		req := requestPayout(t, l, "doc-1", "40.00")
		_, err := l.MarkProcessing(ctx, req.ID)
		require.NoError(t, err)

		_, err = l.CreatePayoutRequest(ctx, "doc-1", amount("10.00"), ledger.MethodMobileMoney, mtn)
		assert.ErrorIs(t, err, ledger.ErrActiveRequestExists)
	})
}

func TestCreatePayoutRequest_InsufficientBalance(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *ledger.Ledger) {
		// GIVEN: 75.00 available
		// WHEN: The doctor requests 100.00
		// THEN: InsufficientBalanceError carries available, requested and shortfall

		ctx := context.Background()
		earn(t, l, "doc-1", "40.00", "35.00")

		_, err := l.CreatePayoutRequest(ctx, "doc-1", amount("100.00"), ledger.MethodMobileMoney, mtn)
		require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

		var ib *ledger.InsufficientBalanceError
		require.ErrorAs(t, err, &ib)
		assert.Equal(t, "75.00", ib.Available.StringFixed(2))
		assert.Equal(t, "100.00", ib.Requested.StringFixed(2))
		assert.Equal(t, "25.00", ib.Shortfall().StringFixed(2))

		assert.Equal(t, "75.00", balanceOf(t, l, "doc-1"))
		requireClean(t, l, "doc-1")
	})
}

func TestCreatePayoutRequest_NoEarnings(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *ledger.Ledger) {
		_, err := l.CreatePayoutRequest(context.Background(), "doc-new", amount("1.00"), ledger.MethodMobileMoney, mtn)
		assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
		assert.Equal(t, "0.00", balanceOf(t, l, "doc-new"))
	})
}

func TestCreatePayoutRequest_InvalidInput(t *testing.T) {
	l := newTestLedger(nil)
	ctx := context.Background()

	cases := []struct {
		name    string
		amount  string
		method  ledger.PayoutMethod
		details ledger.AccountDetails
		wantErr error
	}{
		{"zero amount", "0", ledger.MethodMobileMoney, mtn, ledger.ErrInvalidAmount},
		{"negative amount", "-5.00", ledger.MethodMobileMoney, mtn, ledger.ErrInvalidAmount},
		{"sub-cent amount", "10.001", ledger.MethodMobileMoney, mtn, ledger.ErrInvalidAmount},
		{"huge exponent", "1e1000", ledger.MethodMobileMoney, mtn, ledger.ErrInvalidAmount},
		{"above cap", "1000000000000.00", ledger.MethodMobileMoney, mtn, ledger.ErrInvalidAmount},
		{"unknown method", "10.00", "crypto", mtn, ledger.ErrInvalidAccountDetails},
		{"missing details", "10.00", ledger.MethodMobileMoney, nil, ledger.ErrInvalidAccountDetails},
		{"details for other method", "10.00", ledger.MethodBankTransfer, mtn, ledger.ErrInvalidAccountDetails},
		{"wrong provider prefix", "10.00", ledger.MethodMobileMoney,
			ledger.MobileMoney{Provider: "Vodafone", PhoneNumber: "0241234567", AccountName: "A"}, ledger.ErrInvalidAccountDetails},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := l.CreatePayoutRequest(ctx, "doc-1", amount(c.amount), c.method, c.details)
			assert.ErrorIs(t, err, c.wantErr)
		})
	}
}

// =============================================================================
// CANCEL
// =============================================================================

func TestCancelPayoutRequest_ReleasesEarnings(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *ledger.Ledger) {
		// GIVEN: A pending request holding 75.00
		// WHEN: The doctor cancels it
		// THEN: The earnings are pending again and the history keeps the link

		ctx := context.Background()
		earn(t, l, "doc-1", "40.00", "35.00", "30.00")
		req := requestPayout(t, l, "doc-1", "50.00")

		cancelled, err := l.CancelPayoutRequest(ctx, "doc-1", req.ID, "changed my mind")
		require.NoError(t, err)
		assert.Equal(t, ledger.PayoutCancelled, cancelled.Status)
		assert.Equal(t, "changed my mind", cancelled.Notes)

		assert.Equal(t, "105.00", balanceOf(t, l, "doc-1"))
		assert.Equal(t, []ledger.EarningStatus{
			ledger.EarningPending, ledger.EarningPending, ledger.EarningPending,
		}, statusesOf(t, l, "doc-1"))

		history, err := l.ReservationHistory(ctx, req.ID)
		require.NoError(t, err)
		require.Len(t, history, 4)
		assert.Equal(t, ledger.ReservationReleased, history[3].Action)

		// A new request may now be opened.
		requestPayout(t, l, "doc-1", "105.00")
		requireClean(t, l, "doc-1")
	})
}

func TestCancelPayoutRequest_OnlyPending(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *ledger.Ledger) {
		ctx := context.Background()
		earn(t, l, "doc-1", "40.00")
		req := requestPayout(t, l, "doc-1", "40.00")
		_, err := l.MarkProcessing(ctx, req.ID)
		require.NoError(t, err)

		_, err = l.CancelPayoutRequest(ctx, "doc-1", req.ID, "")
		assert.ErrorIs(t, err, ledger.ErrNotCancellable)

		var te *ledger.TransitionError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, ledger.PayoutProcessing, te.From)
		assert.Equal(t, "0.00", balanceOf(t, l, "doc-1"))
	})
}

func TestCancelPayoutRequest_OtherDoctorsRequest(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *ledger.Ledger) {
		ctx := context.Background()
		earn(t, l, "doc-1", "40.00")
		req := requestPayout(t, l, "doc-1", "40.00")

		_, err := l.CancelPayoutRequest(ctx, "doc-2", req.ID, "")
		assert.ErrorIs(t, err, ledger.ErrNotFound)

		_, err = l.GetPayoutRequest(ctx, "doc-2", req.ID)
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})
}

// =============================================================================
// LISTING & STATS
// =============================================================================

func TestListPayoutRequests_NewestFirstPaged(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *ledger.Ledger) {
		// GIVEN: Three requests created and cancelled in turn
		// WHEN: Listing with limit 2
		// THEN: Pages are newest first and the total counts all requests

		ctx := context.Background()
		earn(t, l, "doc-1", "10.00")
		var ids []ledger.PayoutRequestID
		for i := 0; i < 3; i++ {
			req := requestPayout(t, l, "doc-1", "10.00")
			_, err := l.CancelPayoutRequest(ctx, "doc-1", req.ID, "")
			require.NoError(t, err)
			ids = append(ids, req.ID)
		}

		first, err := l.ListPayoutRequests(ctx, "doc-1", ledger.PayoutFilter{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 3, first.Total)
		require.Len(t, first.Requests, 2)
		assert.Equal(t, ids[2], first.Requests[0].ID)
		assert.Equal(t, ids[1], first.Requests[1].ID)

		second, err := l.ListPayoutRequests(ctx, "doc-1", ledger.PayoutFilter{Limit: 2, Offset: 2})
		require.NoError(t, err)
		require.Len(t, second.Requests, 1)
		assert.Equal(t, ids[0], second.Requests[0].ID)

		none, err := l.ListPayoutRequests(ctx, "doc-1", ledger.PayoutFilter{Status: ledger.PayoutPending})
		require.NoError(t, err)
		assert.Equal(t, 0, none.Total)
		assert.Empty(t, none.Requests)
	})
}

func TestStats_CountsByStatus(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *ledger.Ledger) {
		// GIVEN: One completed (75), one cancelled and one pending (30) request
		// WHEN: Computing stats for all time
		// THEN: Counts and amounts follow the statuses

		ctx := context.Background()
		earn(t, l, "doc-1", "40.00", "35.00", "30.00")

		done := requestPayout(t, l, "doc-1", "50.00")
		_, err := l.MarkProcessing(ctx, done.ID)
		require.NoError(t, err)
		_, err = l.MarkCompleted(ctx, done.ID)
		require.NoError(t, err)

		dropped := requestPayout(t, l, "doc-1", "30.00")
		_, err = l.CancelPayoutRequest(ctx, "doc-1", dropped.ID, "")
		require.NoError(t, err)

		requestPayout(t, l, "doc-1", "30.00")

		stats, err := l.Stats(ctx, "doc-1", nil)
		require.NoError(t, err)
		assert.Equal(t, 3, stats.TotalRequests)
		assert.Equal(t, 1, stats.CompletedRequests)
		assert.Equal(t, 1, stats.CancelledRequests)
		assert.Equal(t, 1, stats.PendingRequests)
		assert.Equal(t, "75.00", stats.TotalPaid.StringFixed(2))
		assert.Equal(t, "30.00", stats.PendingAmount.StringFixed(2))
		assert.Equal(t, "75.00", stats.AveragePayout.StringFixed(2))
	})
}

func TestSummary_SplitsByStatus(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *ledger.Ledger) {
		ctx := context.Background()
		earn(t, l, "doc-1", "40.00", "35.00", "30.00")
		requestPayout(t, l, "doc-1", "50.00")

		s, err := l.Summary(ctx, "doc-1", ledger.PeriodMonth.Since(l.Now()))
		require.NoError(t, err)
		assert.Equal(t, 3, s.Appointments)
		assert.Equal(t, "105.00", s.TotalNet.StringFixed(2))
		assert.Equal(t, "75.00", s.Reserved.StringFixed(2))
		assert.Equal(t, "30.00", s.Pending.StringFixed(2))
		assert.Equal(t, "0.00", s.Paid.StringFixed(2))
		assert.Equal(t, "35.00", s.AverageGross.StringFixed(2))
	})
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestCreatePayoutRequest_ConcurrentRequestsOneWins(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *ledger.Ledger) {
		// GIVEN: A doctor with 105.00 available
		// WHEN: 20 goroutines request 50.00 at the same time
		// THEN: Exactly one succeeds, the rest see an active request

		ctx := context.Background()
		earn(t, l, "doc-1", "40.00", "35.00", "30.00")

		const workers = 20
		var (
			wg  sync.WaitGroup
			mu  sync.Mutex
			won int
		)
		results := make(map[string]int)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := l.CreatePayoutRequest(ctx, "doc-1", amount("50.00"), ledger.MethodMobileMoney, mtn)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					won++
				case errors.Is(err, ledger.ErrActiveRequestExists):
					results["active"]++
				default:
					results[fmt.Sprint(err)]++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, won)
		assert.Equal(t, map[string]int{"active": workers - 1}, results)
		assert.Equal(t, "30.00", balanceOf(t, l, "doc-1"))
		requireClean(t, l, "doc-1")
	})
}

func TestCancelAndComplete_RaceKeepsInvariants(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *ledger.Ledger) {
		// GIVEN: A processing request
		// WHEN: Completion and cancellation race
		// THEN: Completion wins (cancel is not allowed from processing) and the
		//       ledger stays consistent either way

		ctx := context.Background()
		earn(t, l, "doc-1", "40.00", "35.00")
		req := requestPayout(t, l, "doc-1", "40.00")
		_, err := l.MarkProcessing(ctx, req.ID)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var cancelErr, completeErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = l.CancelPayoutRequest(ctx, "doc-1", req.ID, "")
		}()
		go func() {
			defer wg.Done()
			_, completeErr = l.MarkCompleted(ctx, req.ID)
		}()
		wg.Wait()

		assert.ErrorIs(t, cancelErr, ledger.ErrNotCancellable)
		assert.NoError(t, completeErr)
		assert.Equal(t, "35.00", balanceOf(t, l, "doc-1"))
		requireClean(t, l, "doc-1")
	})
}
