package util

import (
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
)

func TestDebouncer(t *testing.T) {
	t.Parallel()

	t.Run("burst fires once", func(t *testing.T) {
		t.Parallel()
		g := NewWithT(t)
		var fired atomic.Int32
		d := NewDebouncer(50*time.Millisecond, func() { fired.Add(1) }, false)

		for i := 0; i < 5; i++ {
			d.Arm()
			time.Sleep(5 * time.Millisecond)
		}
		assert.True(t, d.Pending())

		g.Eventually(fired.Load).WithTimeout(time.Second).WithPolling(10 * time.Millisecond).Should(Equal(int32(1)))
		g.Consistently(fired.Load).WithTimeout(150 * time.Millisecond).WithPolling(10 * time.Millisecond).Should(Equal(int32(1)))
		assert.False(t, d.Pending())
	})

	t.Run("rearm after fire", func(t *testing.T) {
		t.Parallel()
		g := NewWithT(t)
		var fired atomic.Int32
		d := NewDebouncer(10*time.Millisecond, func() { fired.Add(1) }, false)

		d.Arm()
		g.Eventually(fired.Load).WithTimeout(time.Second).Should(Equal(int32(1)))
		d.Arm()
		g.Eventually(fired.Load).WithTimeout(time.Second).Should(Equal(int32(2)))
	})

	t.Run("rearm postpones the fire", func(t *testing.T) {
		t.Parallel()
		g := NewWithT(t)
		var firedAt atomic.Int64
		d := NewDebouncer(80*time.Millisecond, func() { firedAt.Store(time.Now().UnixNano()) }, false)

		start := time.Now()
		d.Arm()
		time.Sleep(50 * time.Millisecond)
		d.Arm()

		g.Eventually(firedAt.Load).WithTimeout(time.Second).ShouldNot(BeZero())
		elapsed := time.Duration(firedAt.Load() - start.UnixNano())
		assert.GreaterOrEqual(t, elapsed, 130*time.Millisecond, "delay restarts from the last Arm")
	})

	t.Run("disabled never fires", func(t *testing.T) {
		t.Parallel()
		g := NewWithT(t)
		var fired atomic.Int32
		d := NewDebouncer(time.Millisecond, func() { fired.Add(1) }, true)
		assert.True(t, d.Disabled())

		d.Arm()
		assert.False(t, d.Pending())
		g.Consistently(fired.Load).WithTimeout(50 * time.Millisecond).Should(BeZero())
	})

	t.Run("stop cancels pending fire", func(t *testing.T) {
		t.Parallel()
		g := NewWithT(t)
		var fired atomic.Int32
		d := NewDebouncer(20*time.Millisecond, func() { fired.Add(1) }, false)

		d.Arm()
		d.Stop()
		d.Arm()
		assert.False(t, d.Pending())
		g.Consistently(fired.Load).WithTimeout(100 * time.Millisecond).Should(BeZero())
	})
}
