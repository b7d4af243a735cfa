package fcserve

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logxi "github.com/mgutz/logxi/v1"
)

var testLog = logxi.New("test")

// lutEntry reads one table value back out of the packet layout: channel
// major, 31 entries per packet after the pad byte, little-endian
func lutEntry(pkts []Packet, channel, entry int) uint16 {
	idx := channel*LUTEntries + entry
	pkt := idx / lutEntriesPerPacket
	off := 1 + (idx%lutEntriesPerPacket)*2
	return binary.LittleEndian.Uint16(pkts[pkt].Data[off : off+2])
}

func fillTestLUT(p CurveParams) []Packet {
	pkts := newPacketSeq(TypeLUT, LUTPackets)
	p.FillLUT(pkts)
	return pkts
}

func TestCurveIdentity(t *testing.T) {
	pkts := fillTestLUT(DefaultCurveParams())

	for channel := 0; channel < 3; channel++ {
		assert.Equal(t, uint16(0), lutEntry(pkts, channel, 0))
		assert.Equal(t, uint16(128<<8), lutEntry(pkts, channel, 128))
		assert.Equal(t, uint16(255<<8), lutEntry(pkts, channel, 255))
		// The topmost entry's input slightly exceeds 1.0 and clamps
		assert.Equal(t, uint16(0xFFFF), lutEntry(pkts, channel, 256))
	}
}

// The linear and nonlinear formulas must agree at the cutoff junction to
// within one quantization step, otherwise the curve would show a visible
// brightness step right where the linear section ends
func TestCurveContinuityAtCutoff(t *testing.T) {
	gammas := []float64{0.6, 1.0, 2.2, 2.5}
	// Cutoffs aligned with entry inputs so an entry lands on the boundary
	cutoffEntries := []int{1, 16, 64}

	for _, gamma := range gammas {
		for _, entry := range cutoffEntries {
			cutoff := float64(entry<<8) / 65535.0
			input := cutoff // linearSlope = 1, junction sits at the cutoff

			linear := input * 1.0

			nonlinearInput := input - 1.0*cutoff
			scale := 1.0 - cutoff
			nonlinear := cutoff + math.Pow(nonlinearInput/scale, gamma)*scale

			diff := math.Abs(linear-nonlinear) * 65535.0
			assert.Lessf(t, diff, 1.0, "gamma %g cutoff %g", gamma, cutoff)
		}
	}
}

func TestCurveMonotonic(t *testing.T) {
	tests := []CurveParams{
		{Gamma: 1.0, Whitepoint: [3]float64{1, 1, 1}, LinearSlope: 1.0, LinearCutoff: 0},
		{Gamma: 2.5, Whitepoint: [3]float64{1, 1, 1}, LinearSlope: 1.0, LinearCutoff: 0},
		{Gamma: 0.4, Whitepoint: [3]float64{1, 1, 1}, LinearSlope: 1.0, LinearCutoff: 0},
		{Gamma: 2.2, Whitepoint: [3]float64{0.98, 1, 0.9}, LinearSlope: 1.0, LinearCutoff: 1.0 / 256},
		{Gamma: 2.5, Whitepoint: [3]float64{1, 1, 1}, LinearSlope: 1.0, LinearCutoff: 0.05},
	}

	for _, params := range tests {
		pkts := fillTestLUT(params)
		for channel := 0; channel < 3; channel++ {
			prev := lutEntry(pkts, channel, 0)
			for entry := 1; entry < LUTEntries; entry++ {
				cur := lutEntry(pkts, channel, entry)
				require.GreaterOrEqualf(t, cur, prev,
					"gamma %g cutoff %g channel %d entry %d",
					params.Gamma, params.LinearCutoff, channel, entry)
				prev = cur
			}
		}
	}
}

func TestCurveClamp(t *testing.T) {
	// Whitepoint above 1 drives outputs past the 16 bit range, they clamp
	// at the ceiling and never wrap
	hot := CurveParams{Gamma: 1.0, Whitepoint: [3]float64{2, 2, 2}, LinearSlope: 1.0}
	pkts := fillTestLUT(hot)
	assert.Equal(t, uint16(0xFFFF), lutEntry(pkts, 0, 256))
	assert.Equal(t, uint16(0xFFFF), lutEntry(pkts, 1, 200))
	assert.Equal(t, uint16(0), lutEntry(pkts, 2, 0))

	// Negative outputs clamp at zero
	cold := CurveParams{Gamma: 1.0, Whitepoint: [3]float64{-1, -1, -1}, LinearSlope: 1.0}
	pkts = fillTestLUT(cold)
	for _, entry := range []int{0, 1, 128, 256} {
		assert.Equal(t, uint16(0), lutEntry(pkts, 0, entry))
	}

	// A slope above 1 with a nonzero cutoff pushes part of the curve out of
	// range in both directions; every stored value must stay in bounds
	steep := CurveParams{Gamma: 1.0, Whitepoint: [3]float64{1, 1, 1}, LinearSlope: 2.0, LinearCutoff: 0.5}
	pkts = fillTestLUT(steep)
	for entry := 0; entry < LUTEntries; entry++ {
		v := int(lutEntry(pkts, 0, entry))
		assert.GreaterOrEqual(t, v, 0)
		assert.LessOrEqual(t, v, 0xFFFF)
	}
}

func TestCurveParamsFromObject(t *testing.T) {
	obj := map[string]interface{}{
		"gamma":        2.5,
		"whitepoint":   []interface{}{0.98, 1.0, 1.0},
		"linearSlope":  1.0,
		"linearCutoff": 1.0 / 256,
	}
	p := CurveParamsFromObject(obj, testLog)
	assert.Equal(t, 2.5, p.Gamma)
	assert.Equal(t, [3]float64{0.98, 1.0, 1.0}, p.Whitepoint)
	assert.Equal(t, 1.0/256, p.LinearCutoff)

	// Integer values, as YAML decodes them, coerce cleanly
	p = CurveParamsFromObject(map[string]interface{}{"gamma": 2}, testLog)
	assert.Equal(t, 2.0, p.Gamma)
}

func TestCurveParamsBadTypesKeepDefaults(t *testing.T) {
	obj := map[string]interface{}{
		"gamma":        "bright",
		"whitepoint":   []interface{}{1.0, 1.0},
		"linearSlope":  []interface{}{},
		"linearCutoff": map[string]interface{}{},
	}
	p := CurveParamsFromObject(obj, testLog)
	assert.Equal(t, DefaultCurveParams(), p)
}

func TestParseCurveParams(t *testing.T) {
	p, err := ParseCurveParams([]byte(`{"gamma": 2.2}`), testLog)
	require.Nil(t, err)
	assert.Equal(t, 2.2, p.Gamma)

	// null loads an identity mapped curve
	p, err = ParseCurveParams([]byte(`null`), testLog)
	require.Nil(t, err)
	assert.Equal(t, DefaultCurveParams(), p)

	// A well formed document that is not an object is tolerated
	p, err = ParseCurveParams([]byte(`42`), testLog)
	require.Nil(t, err)
	assert.Equal(t, DefaultCurveParams(), p)
}

func TestParseCurveParamsSyntaxError(t *testing.T) {
	_, err := ParseCurveParams([]byte(`{"gamma": }`), testLog)
	require.NotNil(t, err)
	// The report carries the offset at which parsing failed
	assert.Contains(t, err.Error(), "byte")
}
