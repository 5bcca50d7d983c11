package binder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openbinder/openbinder/pkg/wire"
)

func TestHandleZeroRefs(t *testing.T) {
	t.Run("should_mint_descriptor_zero_for_registrar", func(t *testing.T) {
		d := newTestDomain(t)
		server := setupRegistrar(t, d, 1)
		client := openPeer(t, d, 2, "client")

		w := wire.NewWriter()
		w.IncRefs(0)
		w.Acquire(0)
		require.Empty(t, client.exchange(w))

		snap := d.Snapshot()
		refs := findProc(t, snap, 2).Refs
		require.Len(t, refs, 1)
		require.Equal(t, uint32(0), refs[0].Desc)
		require.Equal(t, snap.RegistrarNode, refs[0].Node)
		require.Equal(t, 1, refs[0].Strong)
		require.Equal(t, 1, refs[0].Weak)
		require.Empty(t, server.drain(), "the registrar is not told about seat references")

		w = wire.NewWriter()
		w.Release(0)
		w.DecRefs(0)
		client.exchange(w)
		require.Empty(t, findProc(t, d.Snapshot(), 2).Refs)
		require.NotZero(t, d.Snapshot().RegistrarNode, "seat node outlives client references")
	})

	t.Run("should_keep_non_registrar_descriptors_above_zero", func(t *testing.T) {
		d := newTestDomain(t)
		server := setupRegistrar(t, d, 1)
		client := openPeer(t, d, 2, "client")
		client.enterLooper()

		h := exportObject(t, client, server, 0, 0x1000, 0xc0, 0)
		require.Equal(t, uint32(1), h)
	})
}

func TestObjectExportAndRelease(t *testing.T) {
	t.Run("should_track_remote_strong_refs_on_the_owner_node", func(t *testing.T) {
		d := newTestDomain(t)
		server := setupRegistrar(t, d, 1)
		client := openPeer(t, d, 2, "client")
		client.enterLooper()

		h := exportObject(t, client, server, 0, 0x1000, 0xc0, 0)

		snap := d.Snapshot()
		nodes := findProc(t, snap, 2).Nodes
		require.Len(t, nodes, 1)
		require.Equal(t, uint64(0x1000), nodes[0].Ptr)
		require.Equal(t, uint64(0xc0), nodes[0].Cookie)
		require.Equal(t, 1, nodes[0].InternalStrong)
		require.Equal(t, 1, nodes[0].Refs)
		require.True(t, nodes[0].HasStrong)
		require.True(t, nodes[0].HasWeak)
		require.False(t, nodes[0].PendingStrong, "confirmed increments drop their pins")
		require.Zero(t, nodes[0].LocalStrong)
		require.Zero(t, nodes[0].LocalWeak)

		refs := findProc(t, snap, 1).Refs
		require.Len(t, refs, 1)
		require.Equal(t, h, refs[0].Desc)
		require.Equal(t, nodes[0].DebugID, refs[0].Node)
		require.Equal(t, 1, refs[0].Strong)
		require.Zero(t, refs[0].Weak)

		w := wire.NewWriter()
		w.Release(h)
		server.exchange(w)

		requireEvents(t, client.exchange(nil), wire.BR_RELEASE, wire.BR_DECREFS)

		snap = d.Snapshot()
		require.Empty(t, findProc(t, snap, 2).Nodes, "refless unexported node is freed")
		require.Empty(t, findProc(t, snap, 1).Refs)
		require.Empty(t, snap.DeadNodes)
		require.Equal(t, snap.Stats.ObjectsCreated["node"], snap.Stats.ObjectsDeleted["node"]+1,
			"only the registrar seat survives")
	})

	t.Run("should_refuse_sync_calls_on_weak_only_handles", func(t *testing.T) {
		d := newTestDomain(t)
		server := setupRegistrar(t, d, 1)
		client := openPeer(t, d, 2, "client")
		client.enterLooper()

		h := exportObject(t, client, server, 0, 0x2000, 0, 0)

		w := wire.NewWriter()
		w.IncRefs(h)
		w.Release(h)
		server.exchange(w)
		requireEvents(t, client.exchange(nil), wire.BR_RELEASE)

		refs := findProc(t, d.Snapshot(), 1).Refs
		require.Len(t, refs, 1)
		require.Zero(t, refs[0].Strong)
		require.Equal(t, 1, refs[0].Weak)

		w = wire.NewWriter()
		w.Transaction(wire.TxnArgs{TargetHandle: h, Code: 1})
		requireEvents(t, server.exchange(w), wire.BR_FAILED_REPLY)

		snap := d.Snapshot()
		require.NotEmpty(t, snap.FailedTransactions)
		require.Equal(t, int32(-22), snap.FailedTransactions[len(snap.FailedTransactions)-1].ReturnParam)

		w = wire.NewWriter()
		w.DecRefs(h)
		server.exchange(w)
		requireEvents(t, client.exchange(nil), wire.BR_DECREFS)
		require.Empty(t, findProc(t, d.Snapshot(), 2).Nodes)
	})

	t.Run("should_ignore_mismatched_increment_confirmations", func(t *testing.T) {
		d := newTestDomain(t)
		server := setupRegistrar(t, d, 1)
		client := openPeer(t, d, 2, "client")
		client.enterLooper()

		exportObject(t, client, server, 0, 0x3000, 0xbeef, 0)

		w := wire.NewWriter()
		w.AcquireDone(0x3000, 0xbad)
		w.AcquireDone(0x3000, 0xbeef)
		w.IncRefsDone(0x9999, 0)
		require.Empty(t, client.exchange(w), "stale confirmations are dropped quietly")

		nodes := findProc(t, d.Snapshot(), 2).Nodes
		require.Len(t, nodes, 1)
		require.Zero(t, nodes[0].LocalStrong)
		require.False(t, nodes[0].PendingStrong)
	})
}

func TestRefCountUnderflow(t *testing.T) {
	t.Run("should_drop_release_on_weak_only_ref", func(t *testing.T) {
		d := newTestDomain(t)
		setupRegistrar(t, d, 1)
		client := openPeer(t, d, 2, "client")

		w := wire.NewWriter()
		w.IncRefs(0)
		w.Release(0)
		_, err := client.writeRead(WriteReadArgs{Write: w.Bytes()})
		require.NoError(t, err, "a bad handle stops the stream without failing it")

		refs := findProc(t, d.Snapshot(), 2).Refs
		require.Len(t, refs, 1)
		require.Equal(t, 1, refs[0].Weak)
		require.Zero(t, refs[0].Strong)
	})

	t.Run("should_ignore_weak_decrement_below_zero", func(t *testing.T) {
		d := newTestDomain(t)
		setupRegistrar(t, d, 1)
		client := openPeer(t, d, 2, "client")

		w := wire.NewWriter()
		w.Acquire(0)
		w.DecRefs(0)
		client.exchange(w)

		refs := findProc(t, d.Snapshot(), 2).Refs
		require.Len(t, refs, 1)
		require.Equal(t, 1, refs[0].Strong)
		require.Zero(t, refs[0].Weak)
	})

	t.Run("should_drop_decrement_on_missing_ref", func(t *testing.T) {
		d := newTestDomain(t)
		setupRegistrar(t, d, 1)
		client := openPeer(t, d, 2, "client")

		w := wire.NewWriter()
		w.DecRefs(5)
		_, err := client.writeRead(WriteReadArgs{Write: w.Bytes()})
		require.NoError(t, err)
		require.Empty(t, findProc(t, d.Snapshot(), 2).Refs)
	})
}
