package watch

import (
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// regionSnapshot is the exported-field projection of region used to compare
// registry state against an expected model without tripping cmp's
// unexported-field panic.
type regionSnapshot struct {
	Name string
	Base uintptr
	Size uintptr
}

func snapshotRegions(reg *registry) []regionSnapshot {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	out := make([]regionSnapshot, 0, len(reg.byBase))
	for _, r := range reg.byBase {
		out = append(out, regionSnapshot{Name: r.name, Base: r.base, Size: r.size})
	}

	return out
}

// diffRegions returns a cmp diff string ("" if equal), mirroring the
// model-vs-real comparison style used for entry slices elsewhere in this
// codebase's ancestry.
func diffRegions(expected, actual []regionSnapshot) string {
	return cmp.Diff(expected, actual, cmpopts.EquateEmpty())
}

type fakeTrap struct {
	armed    map[uintptr]bool
	failArm  map[uintptr]bool
}

func newFakeTrap() *fakeTrap {
	return &fakeTrap{armed: make(map[uintptr]bool), failArm: make(map[uintptr]bool)}
}

func (f *fakeTrap) Arm(addr, _ uintptr) error {
	if f.failArm[addr] {
		return ErrMprotect
	}

	f.armed[addr] = true

	return nil
}

func (f *fakeTrap) Disarm(addr, _ uintptr) error {
	delete(f.armed, addr)
	return nil
}

func (f *fakeTrap) Rearm(addr, _ uintptr) error {
	f.armed[addr] = true
	return nil
}

func (f *fakeTrap) Close() error { return nil }

func testPageSize() uintptr { return 4096 }

func TestWatchArmsEveryPageOnce(t *testing.T) {
	trap := newFakeTrap()
	reg := newRegistry(testPageSize(), 0, trap)

	buf, err := Alloc(4096 * 3)
	require.NoError(t, err)
	defer FreeRegion(buf)
	base := uintptr(unsafe.Pointer(&buf[0]))

	id1, err := reg.watch(base, 4096*2, "a", ScopeGlobal, LanguageNative, 0, "", 0, nil)
	require.NoError(t, err)

	id2, err := reg.watch(base+4096, 4096*2, "b", ScopeGlobal, LanguageNative, 0, "", 0, nil)
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
	assert.Len(t, trap.armed, 3)
	assert.Equal(t, 2, reg.count())
}

func TestUnwatchDisarmsOnlyOrphanedPages(t *testing.T) {
	trap := newFakeTrap()
	reg := newRegistry(testPageSize(), 0, trap)

	buf, err := Alloc(4096 * 2)
	require.NoError(t, err)
	defer FreeRegion(buf)
	base := uintptr(unsafe.Pointer(&buf[0]))

	id1, err := reg.watch(base, 4096*2, "a", ScopeGlobal, LanguageNative, 0, "", 0, nil)
	require.NoError(t, err)

	_, err = reg.watch(base+4096, 4096, "b", ScopeGlobal, LanguageNative, 0, "", 0, nil)
	require.NoError(t, err)

	ok := reg.unwatch(id1)
	require.True(t, ok)

	// The first page belonged only to region a; the second page is shared
	// and must stay armed for region b.
	assert.Len(t, trap.armed, 1)
	assert.True(t, trap.armed[base+4096])
}

func TestWatchRollsBackOnArmFailure(t *testing.T) {
	trap := newFakeTrap()
	reg := newRegistry(testPageSize(), 0, trap)

	buf, err := Alloc(4096 * 2)
	require.NoError(t, err)
	defer FreeRegion(buf)
	base := uintptr(unsafe.Pointer(&buf[0]))
	trap.failArm[base+4096] = true

	_, err = reg.watch(base, 4096*2, "a", ScopeGlobal, LanguageNative, 0, "", 0, nil)
	assert.ErrorIs(t, err, ErrMprotect)
	assert.Len(t, trap.armed, 0)
	assert.Equal(t, 0, reg.count())
}

func TestRegionContainingBinarySearch(t *testing.T) {
	trap := newFakeTrap()
	reg := newRegistry(testPageSize(), 0, trap)

	buf, err := Alloc(4096 * 4)
	require.NoError(t, err)
	defer FreeRegion(buf)
	base := uintptr(unsafe.Pointer(&buf[0]))

	idA, err := reg.watch(base, 16, "a", ScopeGlobal, LanguageNative, 0, "", 0, nil)
	require.NoError(t, err)

	idB, err := reg.watch(base+4096*2, 16, "b", ScopeGlobal, LanguageNative, 0, "", 0, nil)
	require.NoError(t, err)

	found, ok := reg.regionContaining(base + 4)
	require.True(t, ok)
	assert.Equal(t, idA, found.id)

	found, ok = reg.regionContaining(base + 4096*2 + 4)
	require.True(t, ok)
	assert.Equal(t, idB, found.id)

	_, ok = reg.regionContaining(base + 4096)
	assert.False(t, ok)
}

func TestMaxRegionsEnforced(t *testing.T) {
	trap := newFakeTrap()
	reg := newRegistry(testPageSize(), 1, trap)

	buf, err := Alloc(4096 * 2)
	require.NoError(t, err)
	defer FreeRegion(buf)
	base := uintptr(unsafe.Pointer(&buf[0]))

	_, err = reg.watch(base, 8, "a", ScopeGlobal, LanguageNative, 0, "", 0, nil)
	require.NoError(t, err)

	_, err = reg.watch(base+4096, 8, "b", ScopeGlobal, LanguageNative, 0, "", 0, nil)
	assert.ErrorIs(t, err, ErrFull)
}

func TestRegistryStateMatchesExpectedModelAfterWatchUnwatchSequence(t *testing.T) {
	trap := newFakeTrap()
	reg := newRegistry(testPageSize(), 0, trap)

	buf, err := Alloc(4096 * 3)
	require.NoError(t, err)
	defer FreeRegion(buf)
	base := uintptr(unsafe.Pointer(&buf[0]))

	var expected []regionSnapshot

	idA, err := reg.watch(base, 8, "a", ScopeGlobal, LanguageNative, 0, "", 0, nil)
	require.NoError(t, err)
	expected = append(expected, regionSnapshot{Name: "a", Base: base, Size: 8})

	_, err = reg.watch(base+4096, 8, "b", ScopeGlobal, LanguageNative, 0, "", 0, nil)
	require.NoError(t, err)
	expected = append(expected, regionSnapshot{Name: "b", Base: base + 4096, Size: 8})

	if diff := diffRegions(expected, snapshotRegions(reg)); diff != "" {
		t.Fatalf("registry state mismatch after watch sequence (-expected +actual):\n%s", diff)
	}

	ok := reg.unwatch(idA)
	require.True(t, ok)
	expected = expected[1:]

	if diff := diffRegions(expected, snapshotRegions(reg)); diff != "" {
		t.Fatalf("registry state mismatch after unwatch (-expected +actual):\n%s", diff)
	}
}
