package directory

// Params holds the effective network parameters published with a directory
// snapshot, keyed by parameter name. A missing key falls back to the
// caller-supplied default.
type Params map[string]int32

// Int returns the parameter named key clamped to [min, max], or def when the
// parameter is absent.
func (p Params) Int(key string, def, min, max int32) int32 {
	v, ok := p[key]
	if !ok {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// DefaultParams returns the parameters used before any directory has been
// installed.
func DefaultParams() Params {
	return Params{}
}
