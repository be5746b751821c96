package imaging

import (
	"fmt"
	"strings"

	"github.com/aurix-studio/api/internal/domain"
)

const fullEnhancePrompt = `You are an ELITE real estate photo editor specializing in LUXURY property photography. Your goal is to create a STUNNING, BRIGHT, HIGH-KEY image that looks like it was professionally shot with multiple flash units and perfectly merged HDR.

CRITICAL INSTRUCTION: The final image must be DRAMATICALLY BRIGHTER than the original. Think "bright, airy, luxurious showroom" - NOT subtle improvements.

## 1. EXTREME BRIGHTNESS & HDR (MOST IMPORTANT)
- Make the ENTIRE image VERY BRIGHT - aim for HIGH-KEY exposure
- Walls and ceilings should appear almost GLOWING with soft, even light
- Lift ALL shadows aggressively - there should be NO dark corners or areas
- The overall exposure should be +1.5 to +2 stops brighter than typical
- Shadows should feel "lifted" and airy, not crushed or dark

## 2. WARM, CREAMY COLOR TEMPERATURE
- Apply WARM color grading - cream whites, golden undertones
- Whites should be WARM CREAM, not cool or neutral
- Wood tones should be rich honey/golden brown

## 3. WINDOW PULLING WITH PERFECT BALANCE
- Windows MUST show clear exterior views with blue sky
- Interior exposure MUST match the bright exterior
- No blown-out windows - both inside and outside crystal clear

## 4. PROFESSIONAL LUXURY LIGHTING SIMULATION
- Every surface should have soft, even illumination
- Add subtle fill light effect to shadowy areas
- Ceilings should be bright white/cream, never gray

## 5. PERSPECTIVE & GEOMETRY CORRECTION
- Straighten all vertical and horizontal lines perfectly
- Correct any lens distortion

## 6. COLOR ENHANCEMENT & VIBRANCE
- Boost saturation slightly for visual pop
- Plants should be vibrant green
- Maintain realistic but enhanced color palette

## 7. DETAIL & CLARITY
- Maximize sharpness without artifacts
- Crystal clear, magazine-quality output

## 8. PRIVACY PROTECTION
- Blur any visible faces in photos/portraits
- Blur license plates if visible

TARGET LOOK: luxury real estate magazine cover - bright, warm, welcoming, aspirational. The transformation must be DRAMATIC and OBVIOUS. Take the dark original and make it GLOW with warmth and light.`

const hdrPrompt = `Edit this real estate photo to look like professionally merged HDR. Brighten the entire image toward a high-key exposure, lift every shadow so no corner stays dark, and keep window views from blowing out. Do not change colors, furniture, or composition.`

const windowPrompt = `Edit this real estate photo to fix window pulling. The exterior view through every window must be clearly visible with blue sky, while the interior stays brightly and evenly exposed. No blown-out or gray windows. Do not change anything else.`

const skyPrompt = `Edit this real estate photo by replacing any dull, gray, or overexposed sky with a clear blue sky with light natural clouds. Keep reflections and lighting consistent with the new sky. Do not change the building or landscaping.`

const whiteBalancePrompt = `Edit this real estate photo to correct the white balance. Remove any color cast so whites read as warm cream daylight, keep wood tones natural, and leave exposure and composition untouched.`

const perspectivePrompt = `Edit this real estate photo to correct perspective and geometry. Straighten all vertical and horizontal lines, remove lens distortion, and crop minimally to preserve the full room. Professional architectural photography standard. Do not relight or recolor the image.`

const privacyPrompt = `Edit this photo for privacy protection. Blur any visible faces in photos or portraits and blur any readable license plates. The blur must look subtle and natural. Do not change anything else in the image.`

var modePrompts = map[domain.EnhanceMode]string{
	domain.ModeFull:         fullEnhancePrompt,
	domain.ModeHDR:          hdrPrompt,
	domain.ModeWindow:       windowPrompt,
	domain.ModeSky:          skyPrompt,
	domain.ModeWhiteBalance: whiteBalancePrompt,
	domain.ModePerspective:  perspectivePrompt,
	domain.ModePrivacy:      privacyPrompt,
}

var addOnPrompts = map[domain.AddOn]string{
	domain.AddOnDeclutter: `ADD-ON: Remove small clutter from counters, tables, and floors (cables, remotes, loose papers, toiletries). Furniture and decor stay in place.`,
	domain.AddOnVibrance:  `ADD-ON: Boost the vibrance of decor fabrics, artwork, and plants so they look fresh, while keeping skin tones and wood natural.`,
	domain.AddOnTwilight:  `ADD-ON: Grade the exterior ambience toward dusk: deep blue twilight sky, warm glowing interior lights visible through windows.`,
}

// EnhancePrompt assembles the instruction text for a mode plus its add-ons.
// Unknown modes fall back to the full treatment.
func EnhancePrompt(mode domain.EnhanceMode, addOns []domain.AddOn) string {
	base, ok := modePrompts[mode]
	if !ok {
		base = fullEnhancePrompt
	}

	sections := []string{base}
	for _, addOn := range addOns {
		if text, ok := addOnPrompts[addOn]; ok {
			sections = append(sections, text)
		}
	}
	return strings.Join(sections, "\n\n")
}

// RemovePrompt builds the object-removal instruction for the given target.
func RemovePrompt(target string) string {
	return fmt.Sprintf(`Edit this image by replacing the %q with the surrounding background (wall, floor, or ceiling). The result should look natural and seamless, as if the object was never there.`, strings.TrimSpace(target))
}
