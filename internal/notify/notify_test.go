package notify

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/Kestrel/pkg/logger"
)

func TestRing_EvictsOldest(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}

	assert.Equal(t, []int{3, 4, 5}, r.Items())
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, uint64(2), r.Evicted())
}

func TestRing_DefaultCapacity(t *testing.T) {
	r := NewRing[string](0)
	assert.Equal(t, DefaultRingSize, r.Cap())
	assert.Empty(t, r.Items())
}

func TestRecorder_HistoryAndCounts(t *testing.T) {
	rec := NewRecorder(2)
	Send(rec, Info, "a", "first")
	Send(rec, Warning, "b", "second")
	Send(rec, Warning, "c", "third")

	all := rec.All()
	require.Len(t, all, 2)
	assert.Equal(t, "second", all[0].Message)
	assert.Equal(t, 2, rec.Count(Warning))
	assert.Equal(t, 1, rec.Count(Info))
	assert.Len(t, rec.Find("third"), 1)
	assert.Empty(t, rec.Find("first"), "evicted notification must not be found")
}

func TestRecorder_Watch(t *testing.T) {
	rec := NewRecorder(8)
	ch := rec.Watch(1)
	Send(rec, Error, "Motor", "Motor 2 overheating: 85°C")

	select {
	case n := <-ch:
		assert.Equal(t, Error, n.Severity)
	case <-time.After(time.Second):
		t.Fatal("watcher did not receive notification")
	}
}

func TestLogNotifier_Levels(t *testing.T) {
	var buf bytes.Buffer
	ln := LogNotifier{Log: logger.New(&buf, "debug", "json")}
	Send(ln, Error, "Emergency", "stop")
	Send(ln, Success, "Connected", "vehicle online")

	out := buf.String()
	assert.True(t, strings.Contains(out, `"level":"ERROR"`))
	assert.True(t, strings.Contains(out, `"title":"Connected"`))
}

func TestMultiAndSendNil(t *testing.T) {
	a, b := NewRecorder(4), NewRecorder(4)
	Send(Multi(a, nil, b), Info, "t", "m")
	Send(nil, Info, "t", "m")

	assert.Len(t, a.All(), 1)
	assert.Len(t, b.All(), 1)
}
