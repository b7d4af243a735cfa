package fcserve

// This module implements the color correction curve used to build the 16 bit
// lookup table sent to a controller.  The curve is a compound of a linear
// section near zero and a nonlinear gamma section above it.  The linear
// section exists to suppress the very low output values that cause visible
// dithering flicker on direct view LEDs; it is disabled by default with a
// cutoff of zero.

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/go-stack/stack"
	"github.com/karlmutch/errors"
	logxi "github.com/mgutz/logxi/v1"
)

// CurveParams are the color correction inputs.  All fields are independently
// optional on the wire and in configuration files; missing or badly typed
// fields keep these defaults.
type CurveParams struct {
	Gamma        float64    // power for the nonlinear portion of the curve
	Whitepoint   [3]float64 // white-point RGB value, doubles as global brightness
	LinearSlope  float64    // output/input slope of the linear section near zero
	LinearCutoff float64    // output coordinate where the linear and nonlinear sections meet
}

func DefaultCurveParams() CurveParams {
	return CurveParams{
		Gamma:        1.0,
		Whitepoint:   [3]float64{1.0, 1.0, 1.0},
		LinearSlope:  1.0,
		LinearCutoff: 0.0,
	}
}

// CurveParamsFromObject fills in curve parameters from a decoded
// configuration object.  Fields carrying an unexpected type are reported and
// left at their defaults, they are never a hard failure.  A nil object yields
// an identity mapped curve.
func CurveParamsFromObject(obj map[string]interface{}, log logxi.Logger) (p CurveParams) {
	p = DefaultCurveParams()

	if v, present := obj["gamma"]; present && v != nil {
		if f, ok := toFloat(v); ok {
			p.Gamma = f
		} else {
			log.Warn("gamma value must be a number")
		}
	}
	if v, present := obj["linearSlope"]; present && v != nil {
		if f, ok := toFloat(v); ok {
			p.LinearSlope = f
		} else {
			log.Warn("linear slope value must be a number")
		}
	}
	if v, present := obj["linearCutoff"]; present && v != nil {
		if f, ok := toFloat(v); ok {
			p.LinearCutoff = f
		} else {
			log.Warn("linear cutoff value must be a number")
		}
	}
	if v, present := obj["whitepoint"]; present && v != nil {
		if wp, ok := toFloatTriple(v); ok {
			p.Whitepoint = wp
		} else {
			log.Warn("whitepoint value must be a list of 3 numbers")
		}
	}
	return p
}

// ParseCurveParams parses the wire form of a color correction update, a JSON
// object mirroring the configuration file syntax.  A syntax error aborts the
// update and is reported with the byte offset at which it occurred; a well
// formed document that is not an object is tolerated and yields defaults.
func ParseCurveParams(text []byte, log logxi.Logger) (p CurveParams, err errors.Error) {
	var decoded interface{}
	if errGo := json.Unmarshal(text, &decoded); errGo != nil {
		if syn, ok := errGo.(*json.SyntaxError); ok {
			return p, errors.Wrap(errGo, fmt.Sprintf("parse error in color correction at byte %d", syn.Offset)).
				With("offset", syn.Offset).With("stack", stack.Trace().TrimRuntime())
		}
		return p, errors.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	switch obj := decoded.(type) {
	case nil:
		return DefaultCurveParams(), nil
	case map[string]interface{}:
		return CurveParamsFromObject(obj, log), nil
	default:
		log.Warn("color correction value must be an object")
		return DefaultCurveParams(), nil
	}
}

// FillLUT computes the lookup table for these parameters into an LUT packet
// sequence, channel major and entry minor, each entry little-endian, skipping
// the single padding byte at the start of every payload.
func (p CurveParams) FillLUT(pkts []Packet) {
	pkt, off := 0, 1 // skip the padding byte

	for channel := 0; channel < 3; channel++ {
		for entry := 0; entry < LUTEntries; entry++ {

			// Normalized input for this entry, scaled by the whitepoint.
			// Ranges from 0 to slightly above 1; the value 1.0 itself is
			// unreachable by construction.
			input := float64(uint(entry)<<8) / 65535.0 * p.Whitepoint[channel]

			var output float64
			if input*p.LinearSlope <= p.LinearCutoff {
				// Still inside the linear portion of the curve
				output = input * p.LinearSlope
			} else {
				// Nonlinear portion, arranged to meet the linear portion at
				// the cutoff without a discontinuity
				nonlinearInput := input - p.LinearSlope*p.LinearCutoff
				scale := 1.0 - p.LinearCutoff
				output = p.LinearCutoff + math.Pow(nonlinearInput/scale, p.Gamma)*scale
			}

			// Round to nearest and clamp in a wide type so pathological
			// parameters can never wrap the 16 bit value
			value := int64(output*0xFFFF + 0.5)
			if value < 0 {
				value = 0
			}
			if value > 0xFFFF {
				value = 0xFFFF
			}

			binary.LittleEndian.PutUint16(pkts[pkt].Data[off:off+2], uint16(value))
			off += 2
			if off >= PacketDataSize {
				off = 1
				pkt++
			}
		}
	}
}

// toFloat coerces the numeric types produced by the JSON and YAML decoders
func toFloat(v interface{}) (f float64, ok bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func toFloatTriple(v interface{}) (wp [3]float64, ok bool) {
	list, okList := v.([]interface{})
	if !okList || len(list) != 3 {
		return wp, false
	}
	for i, item := range list {
		f, okNum := toFloat(item)
		if !okNum {
			return wp, false
		}
		wp[i] = f
	}
	return wp, true
}
