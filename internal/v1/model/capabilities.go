package model

// Capabilities declares what a binding's channel can render, used by the
// transcoder to decide whether content needs downgrading.
type Capabilities struct {
	// MediaTypes lists the ContentKinds this binding can render natively.
	// ContentText is assumed supported by every channel that declares any
	// capability set at all; an empty/unset set is treated as text-only.
	MediaTypes []ContentKind

	// MaxLength bounds text length; 0 means unbounded.
	MaxLength int

	// Features carries channel-specific feature flags (e.g. "buttons",
	// "quick_replies") consulted by richer transcoding decisions.
	Features map[string]bool
}

// Supports reports whether kind is in the declared media types.
func (c Capabilities) Supports(kind ContentKind) bool {
	if kind == ContentText {
		return true
	}
	for _, k := range c.MediaTypes {
		if k == kind {
			return true
		}
	}
	return false
}
