package correlate

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/srg/gattlink/internal/gatt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_PrepareResolve(t *testing.T) {
	// GOAL: A read keyed on handle 5 receives exactly the payload of its completion
	//
	// TEST SCENARIO: prepare(read, 5) → resolve(read, 5, [1 2]) → waiter gets [1 2], key consumed

	tbl := NewTable[[]byte]()
	key := HandleKey("onCharacteristicRead", 5)

	slot, err := tbl.Prepare(key)
	require.NoError(t, err)
	assert.Equal(t, 1, tbl.Len())

	assert.True(t, tbl.Resolve(key, []byte{0x01, 0x02}, nil))
	assert.Equal(t, 0, tbl.Len(), "resolve MUST remove the key")

	v, err := slot.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, v)

	last, ok := tbl.Last(key)
	assert.True(t, ok)
	assert.Equal(t, []byte{0x01, 0x02}, last)

	assert.False(t, tbl.Resolve(key, []byte{0x03}, nil), "second completion for a consumed key MUST be unhandled")
}

func TestTable_PrepareRejectsOverlap(t *testing.T) {
	tbl := NewTable[int]()
	key := OpKey("onServicesDiscovered")

	_, err := tbl.Prepare(key)
	require.NoError(t, err)

	_, err = tbl.Prepare(key)
	assert.ErrorIs(t, err, gatt.ErrAlreadyPending)
	assert.Equal(t, 1, tbl.Len())
}

func TestTable_ResolveFailure(t *testing.T) {
	tbl := NewTable[int]()
	key := HandleKey("onCharacteristicWrite", 0x0020)
	tbl.Remember(key, 9)

	slot, _ := tbl.Prepare(key)
	statusErr := &gatt.StatusError{Op: key.Op, Target: key.Target, Status: 0x03}
	assert.True(t, tbl.Resolve(key, 0, statusErr))

	_, err := slot.Wait(context.Background())
	assert.ErrorIs(t, err, &gatt.StatusError{Status: 0x03})

	_, ok := tbl.Last(key)
	assert.False(t, ok, "a failed completion MUST clear the cached last value")
}

func TestTable_DistinctTargetsDoNotInterfere(t *testing.T) {
	tbl := NewTable[string]()
	a := HandleKey("onCharacteristicRead", 1)
	b := HandleKey("onCharacteristicRead", 2)

	sa, _ := tbl.Prepare(a)
	sb, _ := tbl.Prepare(b)

	// completions arrive out of order
	tbl.Resolve(b, "B", nil)
	tbl.Resolve(a, "A", nil)

	va, _ := sa.Wait(context.Background())
	vb, _ := sb.Wait(context.Background())
	assert.Equal(t, "A", va)
	assert.Equal(t, "B", vb)
}

func TestTable_FailAll(t *testing.T) {
	// GOAL: Link loss fails every pending slot with the same error
	//
	// TEST SCENARIO: N slots across distinct keys → FailAll(disconnected) → all N fail, table empty

	tbl := NewTable[int]()
	keys := []Key{OpKey("onServicesDiscovered"), HandleKey("onCharacteristicRead", 3), HandleKey("onDescriptorWrite", 4)}
	slots := make([]*Slot[int], 0, len(keys))
	for _, k := range keys {
		s, err := tbl.Prepare(k)
		require.NoError(t, err)
		slots = append(slots, s)
	}
	tbl.Remember(OpKey("onConnectionStateChange"), 2)

	assert.Equal(t, len(keys), tbl.FailAll(gatt.ErrDisconnected))
	assert.Equal(t, 0, tbl.Len())

	for i, s := range slots {
		_, err := s.Wait(context.Background())
		assert.ErrorIs(t, err, gatt.ErrDisconnected, "slot %d MUST fail with disconnected", i)
	}

	_, ok := tbl.Last(OpKey("onConnectionStateChange"))
	assert.False(t, ok, "FailAll MUST reset the last value cache")
}

func TestTable_BroadcastKeepsCache(t *testing.T) {
	tbl := NewTable[int]()
	tbl.Remember(OpKey("onConnectionStateChange"), 2)
	s, _ := tbl.Prepare(HandleKey("onCharacteristicRead", 1))

	orphan := &gatt.OrphanError{Op: "onDescriptorRead", Status: 0x85}
	keys := tbl.Broadcast(orphan)
	assert.Equal(t, []Key{HandleKey("onCharacteristicRead", 1)}, keys)

	_, err := s.Wait(context.Background())
	var oe *gatt.OrphanError
	assert.True(t, errors.As(err, &oe))

	_, ok := tbl.Last(OpKey("onConnectionStateChange"))
	assert.True(t, ok)
}

func TestTable_RemoveLeavesSlotUnset(t *testing.T) {
	tbl := NewTable[int]()
	key := OpKey("onMtuChanged")
	s, _ := tbl.Prepare(key)

	removed, ok := tbl.Remove(key)
	assert.True(t, ok)
	assert.Same(t, s, removed)
	assert.False(t, s.Settled())
	assert.False(t, tbl.Resolve(key, 1, nil), "completion after Remove MUST be unhandled")
}

func TestTable_SingleSlotInvariant(t *testing.T) {
	// GOAL: No random interleaving of prepare/resolve/remove ever produces two slots for one key
	//
	// TEST SCENARIO: 5000 random ops over 4 keys → Prepare on an occupied key always fails,
	// table size never exceeds the number of distinct keys

	rng := rand.New(rand.NewSource(42))
	tbl := NewTable[int]()
	keys := []Key{OpKey("a"), OpKey("b"), HandleKey("r", 1), HandleKey("r", 2)}
	occupied := map[Key]bool{}

	for i := 0; i < 5000; i++ {
		k := keys[rng.Intn(len(keys))]
		switch rng.Intn(3) {
		case 0:
			_, err := tbl.Prepare(k)
			if occupied[k] {
				require.ErrorIs(t, err, gatt.ErrAlreadyPending)
			} else {
				require.NoError(t, err)
				occupied[k] = true
			}
		case 1:
			handled := tbl.Resolve(k, i, nil)
			require.Equal(t, occupied[k], handled)
			occupied[k] = false
		case 2:
			_, ok := tbl.Remove(k)
			require.Equal(t, occupied[k], ok)
			occupied[k] = false
		}
		require.LessOrEqual(t, tbl.Len(), len(keys))
	}
}

func TestKey_String(t *testing.T) {
	assert.Equal(t, "onServicesDiscovered", OpKey("onServicesDiscovered").String())
	assert.Equal(t, "onCharacteristicRead/0x002a", HandleKey("onCharacteristicRead", 42).String())
}
