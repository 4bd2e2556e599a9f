package relay

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableRegisterAndTargets(t *testing.T) {
	table := NewTable()
	a := netip.MustParseAddrPort("192.168.1.10:6001")
	b := netip.MustParseAddrPort("192.168.1.11:6001")

	table.Register(a, "session-a")
	table.Register(b, "session-b")
	require.Equal(t, 2, table.Len())

	assert.ElementsMatch(t, []netip.AddrPort{a, b}, table.Targets(netip.AddrPort{}))
	assert.ElementsMatch(t, []netip.AddrPort{b}, table.Targets(a))
	assert.ElementsMatch(t, []netip.AddrPort{a, b}, table.Targets(netip.MustParseAddrPort("192.168.1.10:7000")),
		"exclusion matches the exact key only")
}

func TestTableNormalizesMappedAddresses(t *testing.T) {
	table := NewTable()
	mapped := netip.MustParseAddrPort("[::ffff:10.0.0.7]:5555")
	plain := netip.MustParseAddrPort("10.0.0.7:5555")

	table.Register(mapped, "s1")
	assert.Empty(t, table.Targets(plain))

	entries := table.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, plain, entries[0].Key)
	assert.Equal(t, plain, entries[0].Target)
}

func TestTableReRegisterReplacesOwner(t *testing.T) {
	table := NewTable()
	ep := netip.MustParseAddrPort("10.0.0.1:6000")

	table.Register(ep, "first")
	table.Register(ep, "second")

	require.Equal(t, 1, table.Len())
	assert.Equal(t, "second", table.Entries()[0].Owner)
	assert.Equal(t, 0, table.UnregisterOwner("first"))
}

func TestTableUnregister(t *testing.T) {
	table := NewTable()
	ep1 := netip.MustParseAddrPort("10.0.0.1:6000")
	ep2 := netip.MustParseAddrPort("10.0.0.1:6002")
	ep3 := netip.MustParseAddrPort("10.0.0.2:6000")

	table.Register(ep1, "owner")
	table.Register(ep2, "owner")
	table.Register(ep3, "other")

	assert.Equal(t, 2, table.UnregisterOwner("owner"))
	assert.Equal(t, 0, table.UnregisterOwner("owner"))
	assert.Equal(t, []netip.AddrPort{ep3}, table.Targets(netip.AddrPort{}))
}
