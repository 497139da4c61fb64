package rejected

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantsignals/signalforge/internal/signal"
)

type scriptedDeliverer struct {
	responses []*signal.ExecutorResponse
	errs      []error
	calls     int
}

func (d *scriptedDeliverer) Deliver(ctx context.Context, executorID string, sig *signal.Signal) (*signal.ExecutorResponse, error) {
	i := d.calls
	d.calls++
	if i < len(d.errs) && d.errs[i] != nil {
		return nil, d.errs[i]
	}
	if i < len(d.responses) {
		return d.responses[i], nil
	}
	return &signal.ExecutorResponse{Success: false, ReasonCode: signal.ReasonPositionCap}, nil
}

func queuedSignal() *signal.Signal {
	return &signal.Signal{
		SignalID:   uuid.New(),
		CreatedAt:  time.Now().UTC(),
		Symbol:     "AAPL",
		Action:     signal.ActionLong,
		EntryPrice: 100, StopPrice: 97, TargetPrice: 106,
		Confidence:  85,
		SourcesUsed: []string{"technical"},
	}
}

func TestTerminalReasonsNeverQueue(t *testing.T) {
	q := New(&scriptedDeliverer{})
	q.EnqueueRejected(queuedSignal(), "exec-1", signal.ReasonShortCryptoUnsupported)
	assert.Zero(t, q.Depth())

	q.EnqueueRejected(queuedSignal(), "exec-1", signal.ReasonMinConfidenceNotMet)
	assert.Zero(t, q.Depth())
}

func TestRecoverableQueuesOnce(t *testing.T) {
	q := New(&scriptedDeliverer{})
	sig := queuedSignal()
	q.EnqueueRejected(sig, "exec-1", signal.ReasonPositionCap)
	q.EnqueueRejected(sig, "exec-1", signal.ReasonPositionCap)
	assert.Equal(t, 1, q.Depth(), "same signal and executor dedupe")
}

func TestWakeRetriesAndSucceeds(t *testing.T) {
	d := &scriptedDeliverer{responses: []*signal.ExecutorResponse{
		{Success: true, OrderID: "ord-1"},
	}}
	q := New(d)
	q.EnqueueRejected(queuedSignal(), "exec-1", signal.ReasonPositionCap)

	q.Wake("exec-1", signal.WakePositionSlotFree)
	q.sweep(context.Background(), false)

	assert.Equal(t, 1, d.calls)
	assert.Zero(t, q.Depth())
}

func TestWakeOnlyTargetsExecutor(t *testing.T) {
	d := &scriptedDeliverer{}
	q := New(d)
	q.EnqueueRejected(queuedSignal(), "exec-1", signal.ReasonPositionCap)
	q.EnqueueRejected(queuedSignal(), "exec-2", signal.ReasonPositionCap)

	q.Wake("exec-2", signal.WakePositionSlotFree)
	q.sweep(context.Background(), false)
	assert.Equal(t, 1, d.calls, "only the woken executor's entries retry")
}

func TestWakeRecordsCondition(t *testing.T) {
	q := New(&scriptedDeliverer{})
	sig := queuedSignal()
	q.EnqueueRejected(sig, "exec-1", signal.ReasonInsufficientBalance)
	key := sig.SignalID.String() + ":exec-1"

	q.Wake("exec-1", signal.WakeBuyingPowerRestored)
	q.mu.Lock()
	cond := q.entries[key].wakeCondition
	q.mu.Unlock()
	assert.Equal(t, signal.WakeBuyingPowerRestored, cond)

	// A bare wake defaults to MANUAL.
	q.Wake("exec-1", "")
	q.mu.Lock()
	cond = q.entries[key].wakeCondition
	q.mu.Unlock()
	assert.Equal(t, signal.WakeManual, cond)
}

func TestMaxRetriesTerminates(t *testing.T) {
	d := &scriptedDeliverer{}
	q := New(d)
	q.EnqueueRejected(queuedSignal(), "exec-1", signal.ReasonPositionCap)

	for i := 0; i < 3; i++ {
		q.Wake("exec-1", signal.WakeBuyingPowerRestored)
		q.sweep(context.Background(), false)
	}
	assert.Equal(t, 3, d.calls)
	assert.Zero(t, q.Depth(), "entry terminates after max retries")
}

func TestMaxAgeExpires(t *testing.T) {
	d := &scriptedDeliverer{}
	q := New(d)
	current := time.Now()
	q.now = func() time.Time { return current }

	q.EnqueueRejected(queuedSignal(), "exec-1", signal.ReasonPositionCap)
	current = current.Add(11 * time.Minute)

	q.sweep(context.Background(), true)
	assert.Zero(t, q.Depth())
	assert.Zero(t, d.calls, "expired entries are not retried")
}

func TestTerminalRejectionOnRetryRemoves(t *testing.T) {
	d := &scriptedDeliverer{responses: []*signal.ExecutorResponse{
		{Success: false, ReasonCode: signal.ReasonShortCryptoUnsupported},
	}}
	q := New(d)
	q.EnqueueRejected(queuedSignal(), "exec-1", signal.ReasonPositionCap)

	q.Wake("exec-1", signal.WakePositionSlotFree)
	q.sweep(context.Background(), false)
	assert.Zero(t, q.Depth(), "terminal rejection on retry leaves the queue")
	assert.Equal(t, 1, d.calls)
}

func TestDeliveryErrorKeepsEntry(t *testing.T) {
	d := &scriptedDeliverer{errs: []error{errors.New("network down")}}
	q := New(d)
	q.EnqueueRejected(queuedSignal(), "exec-1", signal.ReasonPositionCap)

	q.Wake("exec-1", "")
	q.sweep(context.Background(), false)
	require.Equal(t, 1, d.calls)
	assert.Equal(t, 1, q.Depth(), "transient delivery error keeps the entry queued")
}

func TestPollingFallbackRetriesUnwoken(t *testing.T) {
	d := &scriptedDeliverer{}
	q := New(d)
	q.EnqueueRejected(queuedSignal(), "exec-1", signal.ReasonPositionCap)

	q.sweep(context.Background(), false)
	assert.Zero(t, d.calls, "unwoken entries wait for the state poll")

	q.sweep(context.Background(), true)
	assert.Equal(t, 1, d.calls)
}
