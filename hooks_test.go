package conenat

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHook records lifecycle calls into a shared journal and fails the
// operations listed in fail.
type fakeHook struct {
	name    string
	journal *[]string
	fail    map[string]error
}

func (h *fakeHook) do(op string) error {
	*h.journal = append(*h.journal, h.name+"."+op)
	return h.fail[op]
}

func (h *fakeHook) Create() error  { return h.do("create") }
func (h *fakeHook) Attach() error  { return h.do("attach") }
func (h *fakeHook) Detach() error  { return h.do("detach") }
func (h *fakeHook) Destroy() error { return h.do("destroy") }

func newFakeHooks() (in, out *fakeHook, journal *[]string) {
	journal = new([]string)
	in = &fakeHook{name: "ingress", journal: journal, fail: map[string]error{}}
	out = &fakeHook{name: "egress", journal: journal, fail: map[string]error{}}
	return in, out, journal
}

func TestHookManagerLifecycle(t *testing.T) {
	in, out, journal := newFakeHooks()
	hm := NewHookManager(in, out, quietLogger())
	assert.Equal(t, HookUnattached, hm.State())

	require.NoError(t, hm.Attach())
	assert.Equal(t, HookAttached, hm.State())
	assert.Equal(t, []string{"ingress.create", "egress.create", "ingress.attach", "egress.attach"}, *journal)

	*journal = nil
	require.NoError(t, hm.Detach())
	assert.Equal(t, HookDetached, hm.State())
	assert.Equal(t, []string{"egress.detach", "ingress.detach", "egress.destroy", "ingress.destroy"}, *journal)

	// terminal
	*journal = nil
	require.NoError(t, hm.Detach())
	assert.Empty(t, *journal)
	err := hm.Attach()
	assert.ErrorIs(t, err, ErrHookAttach)
	assert.Empty(t, *journal)
}

func TestHookManagerAttachRollback(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name     string
		failHook string
		failOp   string
		rollback []string
	}{
		{"ingress create", "ingress", "create", nil},
		{"egress create", "egress", "create", []string{"ingress.destroy"}},
		{"ingress attach", "ingress", "attach", []string{"egress.destroy", "ingress.destroy"}},
		{"egress attach", "egress", "attach", []string{"ingress.detach", "egress.destroy", "ingress.destroy"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, out, journal := newFakeHooks()
			if tt.failHook == "ingress" {
				in.fail[tt.failOp] = boom
			} else {
				out.fail[tt.failOp] = boom
			}
			hm := NewHookManager(in, out, quietLogger())

			err := hm.Attach()
			require.Error(t, err)
			assert.ErrorIs(t, err, boom)
			assert.ErrorIs(t, err, ErrHookAttach)
			var he *HookError
			require.ErrorAs(t, err, &he)
			assert.Equal(t, tt.failHook, he.Hook)
			assert.Equal(t, tt.failOp, he.Op)

			failed := fmt.Sprintf("%s.%s", tt.failHook, tt.failOp)
			idx := len(*journal) - len(tt.rollback)
			require.GreaterOrEqual(t, idx, 1)
			assert.Equal(t, failed, (*journal)[idx-1])
			assert.Equal(t, tt.rollback, nilIfEmpty((*journal)[idx:]))
			assert.Equal(t, HookUnattached, hm.State())
		})
	}
}

func nilIfEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}

func TestHookManagerDetachIsBestEffort(t *testing.T) {
	in, out, journal := newFakeHooks()
	hm := NewHookManager(in, out, quietLogger())
	require.NoError(t, hm.Attach())

	detachErr := errors.New("egress detach")
	destroyErr := errors.New("ingress destroy")
	out.fail["detach"] = detachErr
	in.fail["destroy"] = destroyErr

	*journal = nil
	err := hm.Detach()
	assert.Equal(t, []string{"egress.detach", "ingress.detach", "egress.destroy", "ingress.destroy"}, *journal)
	assert.ErrorIs(t, err, detachErr)
	assert.ErrorIs(t, err, destroyErr)
	assert.ErrorIs(t, err, ErrHookDetach)
	assert.Equal(t, HookDetached, hm.State())
}

func TestDetachBeforeAttach(t *testing.T) {
	in, out, journal := newFakeHooks()
	hm := NewHookManager(in, out, quietLogger())

	require.NoError(t, hm.Detach())
	assert.Equal(t, HookDetached, hm.State())
	assert.Empty(t, *journal)
}
