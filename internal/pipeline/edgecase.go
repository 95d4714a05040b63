package pipeline

import (
	"bytes"
	"fmt"
	"os"
)

// Extraction strategy tags, in selection priority order.
const (
	StrategyPortfolio    = "portfolio_extraction"
	StrategyFormAware    = "form_aware_extraction"
	StrategySpreadAware  = "spread_aware_extraction"
	StrategyConservative = "conservative_extraction"
	StrategyCautious     = "cautious_extraction"
	StrategyStandard     = "standard"
)

// portfolioEmbedThreshold: documents with more embedded-file markers than
// this are treated as portfolios even without a collection dictionary.
const portfolioEmbedThreshold = 5

// Analysis is the per-document edge-case scan result. It parameterizes
// extraction but does not gate correctness.
type Analysis struct {
	IsPortfolio         bool `json:"is_portfolio"`
	HasFormCalculations bool `json:"has_form_calculations"`
	HasSpreadLayouts    bool `json:"has_spread_layouts"`
	HasEmbeddedFiles    bool `json:"has_embedded_files"`
	HasColorSeparations bool `json:"has_color_separations"`
	HasMultimedia       bool `json:"has_multimedia"`

	Strategy        string   `json:"strategy"`
	Warnings        []string `json:"warnings,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// EdgeCases returns the detected edge case tags, for recording on pages.
func (a Analysis) EdgeCases() []string {
	var tags []string
	if a.IsPortfolio {
		tags = append(tags, "portfolio")
	}
	if a.HasFormCalculations {
		tags = append(tags, "form_calculations")
	}
	if a.HasSpreadLayouts {
		tags = append(tags, "spread_layouts")
	}
	if a.HasEmbeddedFiles {
		tags = append(tags, "embedded_files")
	}
	if a.HasColorSeparations {
		tags = append(tags, "color_separations")
	}
	if a.HasMultimedia {
		tags = append(tags, "multimedia")
	}
	return tags
}

func (a Analysis) flagCount() int {
	return len(a.EdgeCases())
}

// Marker substrings per feature category.
var (
	markersCollection = [][]byte{[]byte("/Collection")}
	markersForm       = [][]byte{[]byte("/AcroForm"), []byte("/XFA"), []byte("/Calculate")}
	markersSpread     = [][]byte{[]byte("/TwoColumnLeft"), []byte("/TwoColumnRight"), []byte("/TwoPageLeft"), []byte("/TwoPageRight")}
	markersEmbedded   = [][]byte{[]byte("/EmbeddedFile"), []byte("/Filespec")}
	markersColor      = [][]byte{[]byte("/Separation"), []byte("/DeviceN")}
	markersMultimedia = [][]byte{[]byte("/RichMedia"), []byte("/Movie"), []byte("/Sound"), []byte("/Screen")}
)

// Analyze scans raw document bytes for edge-case markers and derives the
// extraction strategy.
func Analyze(raw []byte) Analysis {
	var a Analysis

	embedCount := 0
	for _, m := range markersEmbedded {
		embedCount += bytes.Count(raw, m)
	}
	a.HasEmbeddedFiles = embedCount > 0
	a.IsPortfolio = containsAny(raw, markersCollection) || embedCount > portfolioEmbedThreshold
	a.HasFormCalculations = containsAny(raw, markersForm)
	a.HasSpreadLayouts = containsAny(raw, markersSpread)
	a.HasColorSeparations = containsAny(raw, markersColor)
	a.HasMultimedia = containsAny(raw, markersMultimedia)

	a.Strategy = deriveStrategy(a)
	a.Warnings, a.Recommendations = describe(a)
	return a
}

// AnalyzeFile runs Analyze on the file contents. A read failure is
// non-fatal: the result falls back to the standard strategy with a
// warning noting the failed analysis.
func AnalyzeFile(path string) Analysis {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Analysis{
			Strategy: StrategyStandard,
			Warnings: []string{fmt.Sprintf("edge case analysis failed: %v", err)},
		}
	}
	return Analyze(raw)
}

func deriveStrategy(a Analysis) string {
	switch {
	case a.IsPortfolio:
		return StrategyPortfolio
	case a.HasFormCalculations:
		return StrategyFormAware
	case a.HasSpreadLayouts:
		return StrategySpreadAware
	case a.flagCount() >= 3:
		return StrategyConservative
	case a.flagCount() >= 2:
		return StrategyCautious
	default:
		return StrategyStandard
	}
}

func describe(a Analysis) (warnings, recommendations []string) {
	if a.IsPortfolio {
		warnings = append(warnings, "document is a PDF portfolio with embedded sub-documents")
		recommendations = append(recommendations, "extract embedded files individually before page processing")
	}
	if a.HasFormCalculations {
		warnings = append(warnings, "document contains form fields with calculations")
		recommendations = append(recommendations, "flatten form fields to preserve displayed values")
	}
	if a.HasSpreadLayouts {
		warnings = append(warnings, "document uses two-page spread layouts")
		recommendations = append(recommendations, "verify page ordering after per-page extraction")
	}
	if a.HasEmbeddedFiles {
		warnings = append(warnings, "document contains embedded file attachments")
		recommendations = append(recommendations, "attachments are not carried into per-page artifacts")
	}
	if a.HasColorSeparations {
		warnings = append(warnings, "document uses color separations")
		recommendations = append(recommendations, "thumbnails may not reproduce separation plates accurately")
	}
	if a.HasMultimedia {
		warnings = append(warnings, "document contains multimedia annotations")
		recommendations = append(recommendations, "multimedia content is dropped from extracted pages")
	}
	return warnings, recommendations
}

func containsAny(raw []byte, markers [][]byte) bool {
	for _, m := range markers {
		if bytes.Contains(raw, m) {
			return true
		}
	}
	return false
}
