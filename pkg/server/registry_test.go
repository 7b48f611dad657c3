package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/aeolun/duochat/pkg/auth"
	"github.com/aeolun/duochat/pkg/protocol"
)

func TestRegistryAdmitAssignsIncreasingIDs(t *testing.T) {
	r := NewRegistry(nil)

	first, _ := admitTest(r, nil)
	second, _ := admitTest(r, &alice)

	assert.Less(t, first.ID, second.ID)
	assert.Equal(t, 2, r.Count())

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Same(t, first, snapshot[0])
	assert.Same(t, second, snapshot[1])
}

func TestRegistryEvictIsIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	conn, transport := admitTest(r, &alice)

	assert.True(t, r.Evict(conn, reasonClosed))
	assert.False(t, r.Evict(conn, reasonClosed))

	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 1, transport.closeCount(), "transport must be closed exactly once")
}

func TestRegistryResolveIdentityAfterEvict(t *testing.T) {
	r := NewRegistry(nil)
	conn, _ := admitTest(r, nil)
	r.Evict(conn, reasonClosed)

	assert.False(t, r.ResolveIdentity(conn, alice))
	_, ok := conn.Identity()
	assert.False(t, ok)
}

func TestRegistryFindByUserID(t *testing.T) {
	r := NewRegistry(nil)
	a1, _ := admitTest(r, &alice)
	admitTest(r, &bob)
	admitTest(r, nil)
	a2, _ := admitTest(r, &alice)

	found := r.FindByUserID(alice.UserID)
	require.Len(t, found, 2)
	assert.Same(t, a1, found[0])
	assert.Same(t, a2, found[1])

	assert.Empty(t, r.FindByUserID("nobody"))
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry(nil)
	_, t1 := admitTest(r, &alice)
	_, t2 := admitTest(r, nil)

	r.CloseAll()

	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 1, t1.closeCount())
	assert.Equal(t, 1, t2.closeCount())
}

func TestRosterSkipsUnresolved(t *testing.T) {
	r := NewRegistry(nil)
	admitTest(r, &alice)
	admitTest(r, nil)
	admitTest(r, &bob)
	admitTest(r, &alice)

	assert.Equal(t, peers(alice, bob, alice), Roster(r.Snapshot()))
}

func TestRosterEmpty(t *testing.T) {
	r := NewRegistry(nil)
	admitTest(r, nil)

	roster := Roster(r.Snapshot())
	assert.NotNil(t, roster)
	assert.Empty(t, roster)
}

// The roster always equals the resolved identities of the admitted
// connections, in admission order, whatever sequence of admits and evicts ran.
func TestRosterMatchesAdmittedConnections(t *testing.T) {
	identities := []auth.Identity{alice, bob, carol}

	rapid.Check(t, func(t *rapid.T) {
		r := NewRegistry(nil)
		var live []*Connection
		resolved := make(map[*Connection]auth.Identity)

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if len(live) > 0 && rapid.Bool().Draw(t, "evict") {
				idx := rapid.IntRange(0, len(live)-1).Draw(t, "victim")
				if !r.Evict(live[idx], reasonClosed) {
					t.Fatalf("evict of live connection %d failed", live[idx].ID)
				}
				live = append(live[:idx], live[idx+1:]...)
				continue
			}

			var id *auth.Identity
			if rapid.Bool().Draw(t, "resolved") {
				pick := identities[rapid.IntRange(0, len(identities)-1).Draw(t, "identity")]
				id = &pick
			}
			conn, _ := admitTest(r, id)
			live = append(live, conn)
			if id != nil {
				resolved[conn] = *id
			}
		}

		want := []protocol.Peer{}
		for _, conn := range live {
			if id, ok := resolved[conn]; ok {
				want = append(want, protocol.Peer{UserID: id.UserID, UserName: id.UserName})
			}
		}

		got := Roster(r.Snapshot())
		if len(got) != len(want) {
			t.Fatalf("roster has %d entries, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("roster[%d] = %+v, want %+v", i, got[i], want[i])
			}
		}
		if r.Count() != len(live) {
			t.Fatalf("count = %d, want %d", r.Count(), len(live))
		}
	})
}
