package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/vmmd/internal/vmid"
	"github.com/behrlich/vmmd/internal/wire"
)

func createHeader(t *testing.T, dotted string) wire.Header {
	t.Helper()
	id, err := vmid.Parse(dotted)
	require.NoError(t, err)
	return wire.Header{Version: wire.Version, Tag: wire.TagCreate, ID: id}
}

func TestCreateRollbackOnFailingConsoleReply(t *testing.T) {
	state := NewState([]string{"tap0", "tap1"}, 1024)
	hdr := createHeader(t, "vm.a")
	payload := wire.CreatePayload(64, 2)

	reserved, effects, cont := Handle(state, hdr, payload)
	require.NotEqual(t, state, reserved, "phase 1 must reserve resources in a new state")
	require.Len(t, effects, 2)
	_, isConsAdd := effects[0].(ConsEffect)
	assert.True(t, isConsAdd)

	create, ok := cont.(Create)
	require.True(t, ok)

	// Simulate a failing console reply: caller never invokes Resume, so the
	// original `state` must remain exactly as it was pre-command.
	_ = create
	assert.Equal(t, []string{"tap0", "tap1"}, state.Pool.FreeTaps)
	assert.Equal(t, int64(1024), state.Pool.MemoryBudget)
	assert.Empty(t, state.VMs)
}

func TestCreateThenDestroyViaActor(t *testing.T) {
	e := New(NewState([]string{"tap0"}, 1024))

	hdr := createHeader(t, "vm.a")
	out := e.Submit(hdr, wire.CreatePayload(64, 2))
	require.Equal(t, ContCreate, out.Kind)
	require.Len(t, out.Effects, 2)

	effects, rec := e.Resume(out.Token, true)
	require.NotNil(t, rec)
	require.Len(t, effects, 3)
	assert.Equal(t, vmid.ID{"vm", "a"}, rec.ID)
	assert.Equal(t, []string{"tap0"}, rec.Taps)

	e.AttachProcess(rec.ID, 4242, nil, "/tmp/vmmd/vm.a.fifo")

	destroyHdr := wire.Header{Version: wire.Version, Tag: wire.TagDestroy, ID: rec.ID}
	dOut := e.Submit(destroyHdr, nil)
	require.Equal(t, ContEnd, dOut.Kind)
	require.Len(t, dOut.Effects, 2)
	kill, ok := dOut.Effects[0].(KillEffect)
	require.True(t, ok)
	assert.Equal(t, 4242, kill.PID)

	// Destroy defers table removal to the reaper path.
	infoOut := e.Submit(wire.Header{Version: wire.Version, Tag: wire.TagInfo, ID: rec.ID}, nil)
	require.Len(t, infoOut.Effects, 1)
	data, ok := infoOut.Effects[0].(DataEffect)
	require.True(t, ok)
	assert.Equal(t, wire.TagOK, data.Frame.Header.Tag)

	shutdownEffects := e.Shutdown(rec.ID, nil)
	assert.NotEmpty(t, shutdownEffects)

	infoAfter := e.Submit(wire.Header{Version: wire.Version, Tag: wire.TagInfo, ID: rec.ID}, nil)
	require.Len(t, infoAfter.Effects, 1)
	failData, ok := infoAfter.Effects[0].(DataEffect)
	require.True(t, ok)
	assert.Equal(t, wire.TagFail, failData.Frame.Header.Tag)
}

// TestDoubleDestroyFails covers the second destroy of a double destroy: once
// a VM has been reaped it is no longer in the table, so that destroy names an
// unknown VM, which is the case checked here.
func TestDoubleDestroyFails(t *testing.T) {
	e := New(NewState([]string{"tap0"}, 1024))
	unknown := wire.Header{Version: wire.Version, Tag: wire.TagDestroy, ID: vmid.ID{"nope"}}
	out := e.Submit(unknown, nil)
	require.Equal(t, ContEnd, out.Kind)
	require.Len(t, out.Effects, 1)
	data, ok := out.Effects[0].(DataEffect)
	require.True(t, ok)
	assert.Equal(t, wire.TagFail, data.Frame.Header.Tag)
}

func TestCreateFailsWhenMemoryBudgetExhausted(t *testing.T) {
	state := NewState([]string{"tap0"}, 32)
	hdr := createHeader(t, "vm.big")
	state2, effects, cont := Handle(state, hdr, wire.CreatePayload(64, 1))
	assert.Equal(t, state, state2, "rejected phase 1 must not mutate state")
	require.Len(t, effects, 1)
	data, ok := effects[0].(DataEffect)
	require.True(t, ok)
	assert.Equal(t, wire.TagFail, data.Frame.Header.Tag)
	_, isEnd := cont.(End)
	assert.True(t, isEnd)
}

func TestInfoLookupByPrefix(t *testing.T) {
	e := New(NewState([]string{"tap0", "tap1"}, 1024))
	hdr := createHeader(t, "prod.web.1")
	out := e.Submit(hdr, wire.CreatePayload(16, 1))
	require.Equal(t, ContCreate, out.Kind)
	_, rec := e.Resume(out.Token, true)
	require.NotNil(t, rec)

	prefixHdr := wire.Header{Version: wire.Version, Tag: wire.TagInfo, ID: vmid.ID{"prod", "web"}}
	infoOut := e.Submit(prefixHdr, nil)
	require.Len(t, infoOut.Effects, 1)
	data, ok := infoOut.Effects[0].(DataEffect)
	require.True(t, ok)
	assert.Equal(t, wire.TagOK, data.Frame.Header.Tag)
}

func TestVersionMismatchIsNotFatal(t *testing.T) {
	state := NewState(nil, 0)
	hdr := createHeader(t, "vm.a")
	hdr.Version = wire.Version + 1
	state2, effects, cont := Handle(state, hdr, nil)
	assert.Equal(t, state, state2)
	require.Len(t, effects, 1)
	data, ok := effects[0].(DataEffect)
	require.True(t, ok)
	assert.Equal(t, wire.TagFail, data.Frame.Header.Tag)
	_, isEnd := cont.(End)
	assert.True(t, isEnd)
}
