package imaging

import (
	"strings"
	"testing"

	"github.com/aurix-studio/api/internal/domain"
)

func TestEnhancePromptSelectsModeTemplate(t *testing.T) {
	full := EnhancePrompt(domain.ModeFull, nil)
	if !strings.Contains(full, "HIGH-KEY") {
		t.Fatalf("expected full treatment instruction, got %q", full[:60])
	}

	sky := EnhancePrompt(domain.ModeSky, nil)
	if !strings.Contains(sky, "blue sky") || strings.Contains(sky, "HIGH-KEY") {
		t.Fatalf("expected sky-only instruction, got %q", sky)
	}
}

func TestEnhancePromptUnknownModeFallsBackToFull(t *testing.T) {
	got := EnhancePrompt(domain.EnhanceMode("sepia"), nil)
	if got != EnhancePrompt(domain.ModeFull, nil) {
		t.Fatal("expected unknown mode to use the full treatment")
	}
}

func TestEnhancePromptAppendsAddOns(t *testing.T) {
	got := EnhancePrompt(domain.ModeHDR, []domain.AddOn{domain.AddOnDeclutter, domain.AddOnTwilight})
	if !strings.Contains(got, "clutter") || !strings.Contains(got, "twilight") {
		t.Fatalf("expected add-on sections, got %q", got)
	}
	if strings.Index(got, "clutter") < strings.Index(got, "HDR") {
		t.Fatal("expected add-ons after the base instruction")
	}
}

func TestRemovePromptQuotesTarget(t *testing.T) {
	got := RemovePrompt("  garden hose ")
	if !strings.Contains(got, `"garden hose"`) {
		t.Fatalf("expected quoted target, got %q", got)
	}
}
