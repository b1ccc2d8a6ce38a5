package util

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxKeepsOrderWithoutBlocking(t *testing.T) {
	box := NewMailbox[int]()
	defer box.Close()

	// Nobody is reading yet; Push must still return.
	for i := 0; i < 1000; i++ {
		box.Push(i)
	}
	for i := 0; i < 1000; i++ {
		select {
		case v := <-box.Out():
			require.Equal(t, i, v)
		case <-time.After(time.Second):
			t.Fatalf("item %d not delivered", i)
		}
	}
}

func TestMailboxClose(t *testing.T) {
	box := NewMailbox[string]()
	box.Close()
	box.Close()
	box.Push("late")

	select {
	case _, ok := <-box.Out():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Out not closed")
	}
}

func TestFormatStats(t *testing.T) {
	assert.Equal(t, "  - ms", formatRTT(0))
	assert.Equal(t, " 42 ms", formatRTT(42*time.Millisecond))
	assert.Equal(t, "Signals:   3↑   4↓ | Calls:  1 started  0 ended | RTT: 120 ms",
		formatStats(3, 4, 1, 0, 120*time.Millisecond))
}

func TestCallLogCarriesCallID(t *testing.T) {
	saved := pterm.DefaultLogger
	t.Cleanup(func() { pterm.DefaultLogger = saved })
	var buf bytes.Buffer
	pterm.DefaultLogger.Writer = &buf
	EnableJSON()

	Call("0123456789abcdef").Warning("retry %d", 2)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "01234567", line["call"])
	assert.Equal(t, "retry 2", line["msg"])
	assert.Equal(t, "WARN", line["level"])

	assert.Equal(t, "-", ShortCallID(""))
	assert.Equal(t, "abc", ShortCallID("abc"))
}
