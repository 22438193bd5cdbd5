package kernel

import (
	"testing"

	"github.com/nullcore-os/kernel/kernel/kfmt/early"
)

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = func() {}
		walkStackFn = func() []uintptr { return nil }
		early.SetSink(nil)
	}()

	var cpuHaltCalled bool
	cpuHaltFn = func() {
		cpuHaltCalled = true
	}
	walkStackFn = func() []uintptr { return nil }

	t.Run("with error", func(t *testing.T) {
		cpuHaltCalled = false
		ring := early.NewRingSink(4096)
		early.SetSink(ring)
		err := &Error{Module: "test", Message: "panic test"}

		Panic(err)

		exp := "\n-----------------------------------\n[test] unrecoverable error: panic test\n*** kernel panic: system halted ***\n-----------------------------------\n"

		if got := string(ring.Snapshot()); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}
	})

	t.Run("without error", func(t *testing.T) {
		cpuHaltCalled = false
		ring := early.NewRingSink(4096)
		early.SetSink(ring)

		Panic(nil)

		exp := "\n-----------------------------------\n*** kernel panic: system halted ***\n-----------------------------------\n"

		if got := string(ring.Snapshot()); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}
	})
}

func TestPanicBacktrace(t *testing.T) {
	defer func() {
		cpuHaltFn = func() {}
		walkStackFn = walkStack
		Symbolicate = nil
		early.SetSink(nil)
	}()

	cpuHaltFn = func() {}

	t.Run("unsymbolicated", func(t *testing.T) {
		Symbolicate = nil
		walkStackFn = func() []uintptr { return []uintptr{0xdeadbeef} }

		ring := early.NewRingSink(4096)
		early.SetSink(ring)

		Panic(&Error{Module: "test", Message: "boom"})

		got := string(ring.Snapshot())
		wantSubstr := "backtrace:\n  0x"
		if !contains(got, wantSubstr) {
			t.Fatalf("expected backtrace section in output; got %q", got)
		}
	})

	t.Run("symbolicated", func(t *testing.T) {
		walkStackFn = func() []uintptr { return []uintptr{0x1000} }
		Symbolicate = func(addr uintptr) (string, string, uintptr, bool) {
			return "kmain", "boot", 0x10, true
		}

		ring := early.NewRingSink(4096)
		early.SetSink(ring)

		Panic(&Error{Module: "test", Message: "boom"})

		got := string(ring.Snapshot())
		wantSubstr := "kmain!boot+0x10"
		if !contains(got, wantSubstr) {
			t.Fatalf("expected symbolicated frame in output; got %q", got)
		}
	})
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
