package automation

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterTaskValidation(t *testing.T) {
	e := NewEngine()
	_, err := e.RegisterTask(Task{Run: func(Event, *Context) error { return nil }})
	assert.ErrorIs(t, err, ErrNoTriggers)

	_, err = e.RegisterTask(Task{
		ID:       "dup",
		Triggers: []EventType{EventContentPublished},
		Run:      func(Event, *Context) error { return nil },
	})
	require.NoError(t, err)
	_, err = e.RegisterTask(Task{
		ID:       "dup",
		Triggers: []EventType{EventContentPublished},
		Run:      func(Event, *Context) error { return nil },
	})
	assert.ErrorIs(t, err, ErrTaskExists)
}

func TestHandleDispatchesMatchingTasks(t *testing.T) {
	e := NewEngine()
	var ran int32
	_, err := e.RegisterTask(Task{
		Triggers: []EventType{EventContentPublished, EventContentReceived},
		Run: func(ev Event, _ *Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		},
	})
	require.NoError(t, err)

	e.Handle(Event{Type: EventContentPublished})
	e.Handle(Event{Type: EventLedgerTransfer})
	e.Handle(Event{Type: EventContentReceived})
	assert.Equal(t, int32(2), atomic.LoadInt32(&ran))

	tasks := e.ListTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, 2, tasks[0].Runs)
}

func TestTaskFailureIsIsolated(t *testing.T) {
	e := NewEngine()
	var second int32
	e.RegisterTask(Task{
		ID:       "broken",
		Triggers: []EventType{EventContentPublished},
		Run:      func(Event, *Context) error { return errors.New("boom") },
	})
	e.RegisterTask(Task{
		ID:       "healthy",
		Triggers: []EventType{EventContentPublished},
		Run: func(Event, *Context) error {
			atomic.AddInt32(&second, 1)
			return nil
		},
	})

	e.Handle(Event{Type: EventContentPublished})
	assert.Equal(t, int32(1), atomic.LoadInt32(&second))

	// failed runs are not counted
	for _, status := range e.ListTasks() {
		if status.ID == "broken" {
			assert.Zero(t, status.Runs)
		}
	}
}

func TestOnceTaskRemovedAfterRun(t *testing.T) {
	e := NewEngine()
	var ran int32
	e.RegisterTask(Task{
		Triggers: []EventType{EventContentPublished},
		Once:     true,
		Run: func(Event, *Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		},
	})

	e.Handle(Event{Type: EventContentPublished})
	e.Handle(Event{Type: EventContentPublished})
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
	assert.Empty(t, e.ListTasks())
}

func TestOnceTaskRemovedEvenOnFailure(t *testing.T) {
	e := NewEngine()
	e.RegisterTask(Task{
		Triggers: []EventType{EventContentPublished},
		Once:     true,
		Run:      func(Event, *Context) error { return errors.New("boom") },
	})

	e.Handle(Event{Type: EventContentPublished})
	assert.Empty(t, e.ListTasks())
}

func TestCooldownSkipsRapidEvents(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	e := NewEngine(WithClock(func() time.Time { return now }))
	var ran int32
	e.RegisterTask(Task{
		Triggers: []EventType{EventContentPublished},
		Cooldown: time.Minute,
		Run: func(Event, *Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		},
	})

	e.Handle(Event{Type: EventContentPublished})
	e.Handle(Event{Type: EventContentPublished})
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))

	now = now.Add(2 * time.Minute)
	e.Handle(Event{Type: EventContentPublished})
	assert.Equal(t, int32(2), atomic.LoadInt32(&ran))
}

func TestGoFilterBlocksEvents(t *testing.T) {
	e := NewEngine()
	var ran int32
	e.RegisterTask(Task{
		Triggers: []EventType{EventContentPublished},
		Filter: func(ev Event, _ *Context) (bool, error) {
			payload, _ := ev.Payload.(map[string]any)
			return payload["allowed"] == true, nil
		},
		Run: func(Event, *Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		},
	})

	e.Handle(Event{Type: EventContentPublished, Payload: map[string]any{"allowed": false}})
	e.Handle(Event{Type: EventContentPublished, Payload: map[string]any{"allowed": true}})
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestCELFilter(t *testing.T) {
	e := NewEngine()
	var ran int32
	_, err := e.RegisterTask(Task{
		Triggers:  []EventType{EventLedgerTransfer},
		CELFilter: `type == "ledger:transfer" && payload.receipt.to == "treasury"`,
		Run: func(Event, *Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		},
	})
	require.NoError(t, err)

	e.Handle(Event{Type: EventLedgerTransfer, Payload: map[string]any{
		"receipt": map[string]any{"to": "alice"},
	}})
	e.Handle(Event{Type: EventLedgerTransfer, Payload: map[string]any{
		"receipt": map[string]any{"to": "treasury"},
	}})
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestMalformedCELFilterFailsRegistration(t *testing.T) {
	e := NewEngine()
	_, err := e.RegisterTask(Task{
		Triggers:  []EventType{EventContentPublished},
		CELFilter: `payload ==`,
		Run:       func(Event, *Context) error { return nil },
	})
	assert.Error(t, err)
	assert.Empty(t, e.ListTasks())
}

func TestSharedStateAcrossHandlers(t *testing.T) {
	e := NewEngine()
	e.RegisterTask(Task{
		Triggers: []EventType{EventContentPublished},
		Run: func(_ Event, ctx *Context) error {
			count := 0
			if v, ok := ctx.GetState("count"); ok {
				count = v.(int)
			}
			ctx.SetState("count", count+1)
			return nil
		},
	})

	e.Handle(Event{Type: EventContentPublished})
	e.Handle(Event{Type: EventContentPublished})

	v, ok := e.context().GetState("count")
	require.True(t, ok)
	assert.Equal(t, 2, v)

	e.ClearState("")
	_, ok = e.context().GetState("count")
	assert.False(t, ok)
}

func TestJobRunsOnInterval(t *testing.T) {
	e := NewEngine()
	var runs int32
	id, err := e.RegisterJob(Job{
		Interval: 20 * time.Millisecond,
		Run: func(*Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
	})
	require.NoError(t, err)
	defer e.CancelJob(id)

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&runs) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&runs), int32(2))
}

func TestJobImmediate(t *testing.T) {
	e := NewEngine()
	var runs int32
	id, err := e.RegisterJob(Job{
		Interval:  time.Hour,
		Immediate: true,
		Run: func(*Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
	})
	require.NoError(t, err)
	defer e.CancelJob(id)

	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestCancelJobStopsTicker(t *testing.T) {
	e := NewEngine()
	var runs int32
	id, _ := e.RegisterJob(Job{
		Interval: 10 * time.Millisecond,
		Run: func(*Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
	})

	require.True(t, e.CancelJob(id))
	settled := atomic.LoadInt32(&runs)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, atomic.LoadInt32(&runs))
	assert.False(t, e.CancelJob(id))
	assert.Empty(t, e.ListJobs())
}

func TestRegisterJobValidation(t *testing.T) {
	e := NewEngine()
	_, err := e.RegisterJob(Job{Interval: 0, Run: func(*Context) error { return nil }})
	assert.ErrorIs(t, err, ErrBadInterval)

	_, err = e.RegisterJob(Job{ID: "j", Interval: time.Hour, Run: func(*Context) error { return nil }})
	require.NoError(t, err)
	defer e.StopAllJobs()
	_, err = e.RegisterJob(Job{ID: "j", Interval: time.Hour, Run: func(*Context) error { return nil }})
	assert.ErrorIs(t, err, ErrJobExists)
}
