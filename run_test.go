package conenat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunInterruptIsClean(t *testing.T) {
	n, _, _ := newTestNAT(t, nil)
	in, out, journal := newFakeHooks()
	hm := NewHookManager(in, out, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- n.Run(ctx, hm) }()

	require.Eventually(t, func() bool { return hm.State() == HookAttached }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, HookDetached, hm.State())
	assert.True(t, n.Closed())
	assert.Equal(t, []string{
		"ingress.create", "egress.create", "ingress.attach", "egress.attach",
		"egress.detach", "ingress.detach", "egress.destroy", "ingress.destroy",
	}, *journal)
}

func TestRunAttachFailure(t *testing.T) {
	n, _, _ := newTestNAT(t, nil)
	in, out, _ := newFakeHooks()
	out.fail["attach"] = errors.New("no such queue")
	hm := NewHookManager(in, out, quietLogger())

	err := n.Run(context.Background(), hm)
	assert.ErrorIs(t, err, ErrHookAttach)
	assert.Equal(t, HookUnattached, hm.State())
	assert.False(t, n.Closed())
}

func TestRunCollectorFatal(t *testing.T) {
	n, clk, _ := newTestNAT(t, nil)
	require.Equal(t, Forward, n.Egress(udpFlow(natInternal, natRemote)).Verdict)
	m, ok := n.Mappings().Lookup(MappingKey{Proto: ProtocolUDP, Internal: natInternal})
	require.True(t, ok)
	m.refs.Store(-1)

	in, out, _ := newFakeHooks()
	out.fail["destroy"] = errors.New("table busy")
	hm := NewHookManager(in, out, quietLogger())

	errc := make(chan error, 1)
	go func() { errc <- n.Run(context.Background(), hm) }()

	var err error
	require.Eventually(t, func() bool {
		clk.Add(n.cfg.SweepInterval)
		select {
		case err = <-errc:
			return true
		default:
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, err, ErrFatal)
	assert.ErrorIs(t, err, ErrHookDetach, "teardown failures are reported alongside")
	var ce *CollectorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "mappings", ce.Phase)
	assert.Equal(t, HookDetached, hm.State())
	assert.True(t, n.Closed())
}
