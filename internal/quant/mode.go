package quant

// ActivationScaleMode is a tagged selection between static and dynamic
// activation quantization. It replaces a nullable scale parameter so an
// absent scale is always a deliberate configuration, never a bug.
type ActivationScaleMode struct {
	scale  float32
	static bool
}

// StaticScale quantizes every activation with the fixed scale s.
func StaticScale(s float32) ActivationScaleMode {
	return ActivationScaleMode{scale: s, static: true}
}

// DynamicScale computes a fresh scale from each activation's value range.
func DynamicScale() ActivationScaleMode {
	return ActivationScaleMode{}
}

// IsStatic reports whether the mode carries a fixed scale.
func (m ActivationScaleMode) IsStatic() bool { return m.static }

// Scale returns the fixed scale and true in static mode.
func (m ActivationScaleMode) Scale() (float32, bool) { return m.scale, m.static }
