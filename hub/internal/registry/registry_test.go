package registry

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// fakeCloser counts Close calls instead of touching a real connection.
type fakeCloser struct {
	closed atomic.Bool
}

func (c *fakeCloser) Close() error {
	c.closed.Store(true)
	return nil
}

func TestRegisterSendRemove(t *testing.T) {
	r := New(zap.NewNop())
	id := uuid.New()
	closer := &fakeCloser{}

	outbound := r.Register(id, "gpu-box-01", closer)
	if !r.IsConnected(id) {
		t.Fatal("expected agent to be connected after Register")
	}

	if err := r.Send(id, []byte(`{"type":"heartbeat"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case frame := <-outbound:
		if string(frame) != `{"type":"heartbeat"}` {
			t.Fatalf("unexpected frame: %s", frame)
		}
	default:
		t.Fatal("expected a frame on the outbound channel")
	}

	r.Remove(id, outbound)
	if r.IsConnected(id) {
		t.Fatal("expected agent to be gone after Remove")
	}
	if !closer.closed.Load() {
		t.Fatal("expected Remove to close the agent's connection")
	}

	if err := r.Send(id, []byte("x")); err == nil {
		t.Fatal("expected Send to a removed agent to error")
	}

	// Remove must be idempotent.
	r.Remove(id, outbound)
}

func TestRemoveIgnoresSupersededSession(t *testing.T) {
	r := New(zap.NewNop())
	id := uuid.New()

	oldOutbound := r.Register(id, "gpu-box-01", &fakeCloser{})
	newCloser := &fakeCloser{}
	newOutbound := r.Register(id, "gpu-box-01", newCloser)

	// A late cleanup from the superseded session must not evict the new one.
	r.Remove(id, oldOutbound)
	if !r.IsConnected(id) {
		t.Fatal("expected the new session to still be connected")
	}
	if newCloser.closed.Load() {
		t.Fatal("expected Remove of a superseded session to leave the live connection open")
	}

	r.Remove(id, newOutbound)
	if r.IsConnected(id) {
		t.Fatal("expected agent to be gone after removing the current session")
	}
}

func TestSendFullQueueErrors(t *testing.T) {
	r := New(zap.NewNop())
	id := uuid.New()
	r.Register(id, "gpu-box-02", &fakeCloser{})

	for i := 0; i < outboundQueueSize; i++ {
		if err := r.Send(id, []byte("x")); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}

	if err := r.Send(id, []byte("overflow")); err == nil {
		t.Fatal("expected Send to a full queue to error")
	}
}

func TestConcurrentRegisterRemove(t *testing.T) {
	r := New(zap.NewNop())
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := uuid.New()
			outbound := r.Register(id, "concurrent", &fakeCloser{})
			r.IsConnected(id)
			r.Remove(id, outbound)
		}()
	}
	wg.Wait()

	if r.Count() != 0 {
		t.Fatalf("expected 0 connected agents, got %d", r.Count())
	}
}
