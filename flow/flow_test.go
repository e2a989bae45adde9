package flow

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFlowModifyFlagsFiresUpThenDown(t *testing.T) {
	sched := NewScheduler(16, 2)
	defer sched.Shutdown()

	var mu sync.Mutex
	var events []Event
	f := NewFlow(4, 4, sched, func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	const bitUp uint32 = 1

	f.ModifyFlags(bitUp, 0)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) > 0
	}, time.Second, time.Millisecond)

	mu.Lock()
	require.Contains(t, events, EventUp)
	events = nil
	mu.Unlock()

	f.ModifyFlags(0, bitUp)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) > 0
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, events, EventDown)
}
