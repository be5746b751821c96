package domain

import "strings"

// EnhanceMode selects the instruction template applied by the edit service.
type EnhanceMode string

const (
	// ModeFull applies the complete enhancement treatment and is the default.
	ModeFull EnhanceMode = "full"
	// ModeHDR brightens exposure and lifts shadows only.
	ModeHDR EnhanceMode = "hdr"
	// ModeWindow balances interior exposure against window views.
	ModeWindow EnhanceMode = "window"
	// ModeSky replaces dull exterior skies with clear blue ones.
	ModeSky EnhanceMode = "sky"
	// ModeWhiteBalance corrects colour temperature without relighting.
	ModeWhiteBalance EnhanceMode = "white_balance"
	// ModePerspective straightens verticals and corrects lens distortion.
	ModePerspective EnhanceMode = "perspective"
	// ModePrivacy blurs faces and licence plates.
	ModePrivacy EnhanceMode = "privacy"
)

// ParseEnhanceMode maps a wire value onto a known mode. Unknown or empty
// values fall back to ModeFull so callers may omit the field entirely.
func ParseEnhanceMode(value string) EnhanceMode {
	switch EnhanceMode(strings.ToLower(strings.TrimSpace(value))) {
	case ModeHDR:
		return ModeHDR
	case ModeWindow:
		return ModeWindow
	case ModeSky:
		return ModeSky
	case ModeWhiteBalance:
		return ModeWhiteBalance
	case ModePerspective:
		return ModePerspective
	case ModePrivacy:
		return ModePrivacy
	default:
		return ModeFull
	}
}

// AddOn toggles an optional instruction section on top of the selected mode.
type AddOn string

const (
	// AddOnDeclutter removes small clutter items from surfaces.
	AddOnDeclutter AddOn = "declutter"
	// AddOnVibrance boosts saturation of decor and greenery.
	AddOnVibrance AddOn = "vibrance"
	// AddOnTwilight grades the image toward a dusk exterior look.
	AddOnTwilight AddOn = "twilight"
)

// ParseAddOns filters a wire list down to the known add-ons, preserving order
// and dropping duplicates.
func ParseAddOns(values []string) []AddOn {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[AddOn]bool, len(values))
	result := make([]AddOn, 0, len(values))
	for _, value := range values {
		addOn := AddOn(strings.ToLower(strings.TrimSpace(value)))
		switch addOn {
		case AddOnDeclutter, AddOnVibrance, AddOnTwilight:
			if !seen[addOn] {
				seen[addOn] = true
				result = append(result, addOn)
			}
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// DefaultImageMIME is assumed when a request omits the payload's MIME type.
const DefaultImageMIME = "image/jpeg"
