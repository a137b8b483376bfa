package kvcache

import "strconv"

// Params carries the per-request generation parameters the core consumes
// (§6). KVBits is nil when the request does not use quantized KV.
type Params struct {
	Temperature         float32
	TopP                float32
	KVBits              *int
	KVGroupSize         int
	KVQuantizationStart int
}

// quantTag returns "nokv" when KV quantization is disabled, or
// "kv{bits}g{group}" otherwise (§3 "Bucket key").
func (p Params) quantTag() string {
	if p.KVBits == nil {
		return "nokv"
	}
	return "kv" + strconv.Itoa(*p.KVBits) + "g" + strconv.Itoa(p.KVGroupSize)
}

// ComposeKey derives the deterministic bucket-key fingerprint K from model
// identity and sampling parameters (§4.A). Floats are formatted with a
// fixed, locale-independent conversion ('f', 6 decimal digits) so that
// bit-identical parameter sets collide deterministically across platforms
// and Go versions — never the platform/locale-dependent default verb.
func ComposeKey(modelName string, p Params) string {
	return modelName + "|" +
		formatFixed(p.Temperature) + "|" +
		formatFixed(p.TopP) + "|" +
		p.quantTag()
}

func formatFixed(f float32) string {
	return strconv.FormatFloat(float64(f), 'f', 6, 32)
}
