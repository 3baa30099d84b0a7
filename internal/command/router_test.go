package command

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"scalebridge/internal/device"
)

type fakeDevice struct {
	mu    sync.Mutex
	lines []string
	err   error
}

func (d *fakeDevice) WriteLine(line string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.lines = append(d.lines, line)
	return nil
}

type fakeBridge struct {
	mu       sync.Mutex
	commands []string
	body     string
	err      error
}

func (b *fakeBridge) Send(ctx context.Context, command string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = append(b.commands, command)
	return b.body, b.err
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []string
}

func (p *fakePublisher) Publish(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
}

func TestWireToken(t *testing.T) {
	cases := map[string]string{
		"read_gross": "20050026:",
		"read_net":   "20110027:",
		"tare":       "20120008:8003",
		"zero":       "21120008:0B",
	}
	for cmd, want := range cases {
		got, ok := WireToken(cmd)
		assert.True(t, ok, cmd)
		assert.Equal(t, want, got)
	}
	_, ok := WireToken("print_ticket")
	assert.False(t, ok)
}

func TestDispatchDirect(t *testing.T) {
	dev := &fakeDevice{}
	br := &fakeBridge{}
	pub := &fakePublisher{}
	r := NewRouter(dev, br, pub)

	assert.Equal(t, RouteDevice, r.Dispatch(context.Background(), "tare"))
	r.Wait()

	assert.Equal(t, []string{"20120008:8003"}, dev.lines)
	assert.Empty(t, br.commands)
	assert.Empty(t, pub.msgs)
}

func TestDispatchFallsBackWhenDisconnected(t *testing.T) {
	defer goleak.VerifyNone(t)

	dev := &fakeDevice{err: device.ErrNotConnected}
	br := &fakeBridge{body: `{"response":"81050026:    426 kg G"}`}
	pub := &fakePublisher{}
	r := NewRouter(dev, br, pub)

	assert.Equal(t, RouteBridge, r.Dispatch(context.Background(), "read_gross"))
	r.Wait()

	assert.Equal(t, []string{"read_gross"}, br.commands)
	require.Len(t, pub.msgs, 1)
	assert.JSONEq(t, `{"weight":426,"unit":"kg","status":"G","raw":"426 kg G"}`, pub.msgs[0])
}

func TestDispatchBridgeFailureIsSilent(t *testing.T) {
	dev := &fakeDevice{err: device.ErrNotConnected}
	br := &fakeBridge{err: errors.New("connection refused")}
	pub := &fakePublisher{}
	r := NewRouter(dev, br, pub)

	assert.Equal(t, RouteBridge, r.Dispatch(context.Background(), "read_gross"))
	r.Wait()

	assert.Equal(t, []string{"read_gross"}, br.commands)
	assert.Empty(t, pub.msgs)
}

func TestDispatchUnknownCommandGoesToBridge(t *testing.T) {
	dev := &fakeDevice{}
	br := &fakeBridge{body: "OK"}
	pub := &fakePublisher{}
	r := NewRouter(dev, br, pub)

	assert.Equal(t, RouteBridge, r.Dispatch(context.Background(), "print_ticket"))
	r.Wait()

	assert.Empty(t, dev.lines)
	assert.Equal(t, []string{"print_ticket"}, br.commands)
	assert.Equal(t, []string{"OK"}, pub.msgs)
}

func TestDispatchPreferBridge(t *testing.T) {
	dev := &fakeDevice{}
	br := &fakeBridge{body: `{"response":"done"}`}
	pub := &fakePublisher{}
	r := NewRouter(dev, br, pub, WithPreferBridge(true))

	assert.Equal(t, RouteBridge, r.Dispatch(context.Background(), "zero"))
	r.Wait()

	assert.Empty(t, dev.lines)
	assert.Equal(t, []string{"zero"}, br.commands)
	assert.Equal(t, []string{`{"response":"done"}`}, pub.msgs)
}

func TestDispatchWithoutBridge(t *testing.T) {
	dev := &fakeDevice{err: device.ErrNotConnected}
	pub := &fakePublisher{}
	r := NewRouter(dev, nil, pub)

	assert.Equal(t, RouteDropped, r.Dispatch(context.Background(), "tare"))
	r.Wait()
	assert.Empty(t, pub.msgs)
}

func TestDispatchOutlivesClientContext(t *testing.T) {
	dev := &fakeDevice{err: device.ErrNotConnected}
	br := &fakeBridge{body: "426"}
	pub := &fakePublisher{}
	r := NewRouter(dev, br, pub)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, RouteBridge, r.Dispatch(ctx, "read_gross"))
	r.Wait()

	require.Len(t, pub.msgs, 1)
	assert.JSONEq(t, `{"weight":426,"unit":"kg","status":"","raw":"426"}`, pub.msgs[0])
}

func TestDispatchAfterCloseIsDropped(t *testing.T) {
	defer goleak.VerifyNone(t)

	dev := &fakeDevice{err: device.ErrNotConnected}
	br := &fakeBridge{body: "426"}
	pub := &fakePublisher{}
	r := NewRouter(dev, br, pub)

	r.Close()
	assert.Equal(t, RouteDropped, r.Dispatch(context.Background(), "read_gross"))

	// 直连不受影响
	dev.err = nil
	assert.Equal(t, RouteDevice, r.Dispatch(context.Background(), "tare"))

	assert.Empty(t, br.commands)
	assert.Empty(t, pub.msgs)
}

func TestDispatchConcurrentWithClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	br := &fakeBridge{body: "OK"}
	r := NewRouter(&fakeDevice{}, br, &fakePublisher{}, WithPreferBridge(true))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Dispatch(context.Background(), "zero")
		}()
	}
	r.Close()
	wg.Wait()

	assert.Equal(t, RouteDropped, r.Dispatch(context.Background(), "zero"))
}

func TestRenderBridgeResponse(t *testing.T) {
	assert.Equal(t, "", renderBridgeResponse("  \n"))
	assert.Equal(t, "not a reading", renderBridgeResponse("not a reading"))
	assert.JSONEq(t, `{"weight":12.5,"unit":"kg","status":"G","raw":"12,5 kg G"}`,
		renderBridgeResponse(`{"response":"20050026:12,5 kg G"}`))
}

func TestRouteString(t *testing.T) {
	assert.Equal(t, "device", RouteDevice.String())
	assert.Equal(t, "bridge", RouteBridge.String())
	assert.Equal(t, "dropped", RouteDropped.String())
}
