package packet

import (
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(s string) netip.Addr {
	return netip.MustParseAddr(s)
}

func TestChecksum_Zero(t *testing.T) {
	t.Parallel()

	b := []byte{0x23, 0x00, 0x00, 0x00}
	sum := Checksum(b)
	b[2] = byte(sum >> 8)
	b[3] = byte(sum)
	assert.Equal(t, uint16(0), Checksum(b))
}

func TestHello_RoundTrip(t *testing.T) {
	t.Parallel()

	h := &Hello{
		Holdtime:    105,
		HasHoldtime: true,
		LANPruneDelay: LANPruneDelay{
			TBit:           true,
			DelayMillis:    500,
			OverrideMillis: 2500,
		},
		HasLANPruneDelay: true,
		DRPriority:       42,
		HasDRPriority:    true,
		GenID:            0xdeadbeef,
		HasGenID:         true,
		SecondaryAddrs:   []netip.Addr{addr("10.0.0.2")},
	}
	wire := h.Marshal()

	parsed, err := ParseHello(wire)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(h, parsed))

	// Re-serializing the parsed structure must be byte-identical.
	assert.Equal(t, wire, parsed.Marshal())
}

func TestHello_Defaults(t *testing.T) {
	t.Parallel()

	h := &Hello{}
	parsed, err := ParseHello(h.Marshal())
	require.NoError(t, err)
	assert.Equal(t, uint16(DefaultHelloHoldtime), parsed.EffectiveHoldtime())
	assert.Equal(t, uint32(DefaultDRPriority), parsed.EffectiveDRPriority())
}

func TestHello_SkipsUnknownOption(t *testing.T) {
	t.Parallel()

	h := &Hello{Holdtime: 105, HasHoldtime: true}
	wire := h.Marshal()

	// Splice in an unknown option type 999 before recomputing the checksum.
	wire = append(wire, 0x03, 0xe7, 0x00, 0x02, 0xaa, 0xbb)
	wire[2], wire[3] = 0, 0
	sum := Checksum(wire)
	wire[2] = byte(sum >> 8)
	wire[3] = byte(sum)

	parsed, err := ParseHello(wire)
	require.NoError(t, err)
	assert.True(t, parsed.HasHoldtime)
	assert.Equal(t, uint16(105), parsed.Holdtime)
}

func TestHello_BadChecksum(t *testing.T) {
	t.Parallel()

	wire := (&Hello{Holdtime: 105, HasHoldtime: true}).Marshal()
	wire[len(wire)-1] ^= 0xff
	_, err := ParseHello(wire)
	assert.ErrorIs(t, err, ErrBadChecksum)
}

func TestHello_BadVersion(t *testing.T) {
	t.Parallel()

	wire := (&Hello{}).Marshal()
	wire[0] = 1<<4 | uint8(TypeHello)
	_, err := ParseHello(wire)
	assert.ErrorIs(t, err, ErrBadVersion)
}

func TestJoinPrune_RoundTrip(t *testing.T) {
	t.Parallel()

	jp := &JoinPrune{
		UpstreamNeighbor: addr("192.0.2.1"),
		Holdtime:         210,
		Groups: []JoinPruneGroup{
			{
				Group: EncodedGroup{Addr: addr("239.1.1.1"), MaskLen: 32},
				Joins: []EncodedSource{
					{Addr: addr("10.1.1.1"), MaskLen: 32, Sparse: true, Wildcard: true, RPT: true},
				},
				Prunes: []EncodedSource{
					{Addr: addr("10.0.0.5"), MaskLen: 32, Sparse: true, RPT: true},
					{Addr: addr("10.0.0.6"), MaskLen: 32, Sparse: true, RPT: true},
				},
			},
			{
				Group: EncodedGroup{Addr: addr("239.2.2.2"), MaskLen: 32},
				Joins: []EncodedSource{
					{Addr: addr("10.0.0.7"), MaskLen: 32, Sparse: true},
				},
			},
		},
	}
	wire := jp.Marshal()
	require.Equal(t, jp.Size(), len(wire))

	parsed, err := ParseJoinPrune(wire)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(jp, parsed))
	assert.Equal(t, wire, parsed.Marshal())
}

func TestJoinPrune_Truncated(t *testing.T) {
	t.Parallel()

	wire := (&JoinPrune{
		UpstreamNeighbor: addr("192.0.2.1"),
		Holdtime:         210,
		Groups: []JoinPruneGroup{{
			Group: EncodedGroup{Addr: addr("239.1.1.1"), MaskLen: 32},
			Joins: []EncodedSource{{Addr: addr("10.0.0.1"), MaskLen: 32, Sparse: true}},
		}},
	}).Marshal()

	_, err := ParseJoinPrune(wire[:len(wire)-3])
	assert.Error(t, err)
}

func TestJoinPrune_BadMaskLen(t *testing.T) {
	t.Parallel()

	jp := &JoinPrune{
		UpstreamNeighbor: addr("192.0.2.1"),
		Groups: []JoinPruneGroup{{
			Group: EncodedGroup{Addr: addr("239.1.1.1"), MaskLen: 33},
		}},
	}
	_, err := ParseJoinPrune(jp.Marshal())
	assert.ErrorIs(t, err, ErrBadMaskLen)
}

func TestAssert_RoundTrip(t *testing.T) {
	t.Parallel()

	a := &Assert{
		Group:            EncodedGroup{Addr: addr("239.1.1.1"), MaskLen: 32},
		Source:           addr("10.0.0.5"),
		RPTBit:           true,
		MetricPreference: 100,
		Metric:           5,
	}
	wire := a.Marshal()

	parsed, err := ParseAssert(wire)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(a, parsed))
	assert.Equal(t, wire, parsed.Marshal())
}

func TestAssert_InfinityMetric(t *testing.T) {
	t.Parallel()

	a := &Assert{
		Group:            EncodedGroup{Addr: addr("239.1.1.1"), MaskLen: 32},
		Source:           addr("10.0.0.5"),
		MetricPreference: AssertMaxMetricPreference,
		Metric:           AssertMaxMetric,
	}
	parsed, err := ParseAssert(a.Marshal())
	require.NoError(t, err)
	assert.False(t, parsed.RPTBit)
	assert.Equal(t, uint32(AssertMaxMetricPreference), parsed.MetricPreference)
	assert.Equal(t, uint32(AssertMaxMetric), parsed.Metric)
}

func TestRegister_RoundTrip(t *testing.T) {
	t.Parallel()

	inner := []byte{
		0x45, 0x00, 0x00, 0x1c, 0x00, 0x00, 0x00, 0x00,
		0x40, 0x11, 0x00, 0x00, 10, 0, 0, 5,
		239, 1, 1, 1, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x08, 0x00, 0x00,
	}
	r := &Register{Inner: inner}
	wire := r.Marshal()

	parsed, err := ParseRegister(wire)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(r, parsed))
	assert.Equal(t, wire, parsed.Marshal())

	src, grp, ok := parsed.InnerAddrs()
	require.True(t, ok)
	assert.Equal(t, addr("10.0.0.5"), src)
	assert.Equal(t, addr("239.1.1.1"), grp)
}

func TestRegister_ChecksumIgnoresInner(t *testing.T) {
	t.Parallel()

	r := &Register{Inner: []byte{0x45, 0x00, 0x00, 0x14, 1, 2, 3, 4, 5, 6,
		7, 8, 9, 10, 11, 12, 13, 14, 15, 16}}
	wire := r.Marshal()

	// Corrupting the encapsulated data must not fail checksum validation.
	wire[len(wire)-1] ^= 0xff
	_, err := ParseRegister(wire)
	assert.NoError(t, err)
}

func TestRegister_Null(t *testing.T) {
	t.Parallel()

	r := &Register{Null: true}
	wire := r.Marshal()

	parsed, err := ParseRegister(wire)
	require.NoError(t, err)
	assert.True(t, parsed.Null)
	assert.Empty(t, parsed.Inner)

	_, _, ok := parsed.InnerAddrs()
	assert.False(t, ok)
}

func TestRegisterStop_RoundTrip(t *testing.T) {
	t.Parallel()

	rs := &RegisterStop{
		Group:  EncodedGroup{Addr: addr("239.1.1.1"), MaskLen: 32},
		Source: addr("10.0.0.5"),
	}
	wire := rs.Marshal()

	parsed, err := ParseRegisterStop(wire)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(rs, parsed))
	assert.Equal(t, wire, parsed.Marshal())
}

func TestBootstrap_RoundTrip(t *testing.T) {
	t.Parallel()

	bs := &Bootstrap{
		FragmentTag: 7,
		HashMaskLen: 30,
		BSRPriority: 192,
		BSR:         addr("192.0.2.10"),
		Groups: []BootstrapGroup{
			{
				Prefix: EncodedGroup{Addr: addr("224.0.0.0"), MaskLen: 4},
				RPs: []BootstrapRP{
					{Addr: addr("192.0.2.1"), Holdtime: 150, Priority: 192},
					{Addr: addr("192.0.2.2"), Holdtime: 150, Priority: 10},
				},
			},
		},
	}
	wire := bs.Marshal()

	parsed, err := ParseBootstrap(wire)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(bs, parsed))
	assert.Equal(t, wire, parsed.Marshal())
}

func TestParse_IPv6(t *testing.T) {
	t.Parallel()

	jp := &JoinPrune{
		UpstreamNeighbor: addr("fe80::1"),
		Holdtime:         210,
		Groups: []JoinPruneGroup{{
			Group: EncodedGroup{Addr: addr("ff0e::1"), MaskLen: 128},
			Joins: []EncodedSource{{Addr: addr("2001:db8::5"), MaskLen: 128, Sparse: true}},
		}},
	}
	parsed, err := ParseJoinPrune(jp.Marshal())
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(jp, parsed))
}

func TestPeekType(t *testing.T) {
	t.Parallel()

	typ, err := PeekType((&Hello{}).Marshal())
	require.NoError(t, err)
	assert.Equal(t, TypeHello, typ)

	_, err = PeekType([]byte{0x23})
	assert.ErrorIs(t, err, ErrTruncated)
}
