package rules

import (
	_ "embed"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// patternsYAML holds the tier-0 regex tables as declarative data rather
// than Go literals, so tests can enumerate the pattern sets directly.
//
//go:embed patterns.yaml
var patternsYAML []byte

// patternTable is the YAML shape of patterns.yaml.
type patternTable struct {
	ErrorSignature       []string `yaml:"error_signature"`
	FixDescription       []string `yaml:"fix_description"`
	UserCorrectionMust   []string `yaml:"user_correction_must"`
	UserCorrectionShould []string `yaml:"user_correction_should"`
	ConventionIndicators []string `yaml:"convention_indicators"`
}

func compilePatterns(exprs []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, expr := range exprs {
		out[i] = regexp.MustCompile(expr)
	}
	return out
}

// loadPatternTable parses the embedded YAML once at package init. A
// malformed table is a build-time defect, not a runtime one, so it panics
// rather than threading an error through every caller of this package.
func loadPatternTable() patternTable {
	var t patternTable
	if err := yaml.Unmarshal(patternsYAML, &t); err != nil {
		panic(fmt.Sprintf("rules: parse patterns.yaml: %v", err))
	}
	return t
}

var loadedPatterns = loadPatternTable()

var (
	errorSignaturePatterns = compilePatterns(loadedPatterns.ErrorSignature)
	fixDescriptionPatterns = compilePatterns(loadedPatterns.FixDescription)
	userCorrectionMust     = compilePatterns(loadedPatterns.UserCorrectionMust)
	userCorrectionShould   = compilePatterns(loadedPatterns.UserCorrectionShould)
	conventionIndicators   = compilePatterns(loadedPatterns.ConventionIndicators)
)
