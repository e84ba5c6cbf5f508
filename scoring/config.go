package scoring

import (
	"errors"
	"fmt"
	"math"
)

// Weights are the coefficients of the overall composite score.
type Weights struct {
	DeEscalation       float64 `json:"de_escalation" yaml:"de_escalation"`
	BlindSpotDetection float64 `json:"blind_spot_detection" yaml:"blind_spot_detection"`
	TranslationQuality float64 `json:"translation_quality" yaml:"translation_quality"`
	LensRelevance      float64 `json:"lens_relevance" yaml:"lens_relevance"`
	InsightDepth       float64 `json:"insight_depth" yaml:"insight_depth"`
}

// DefaultWeights returns the fixed composite weights historical baselines were scored with.
func DefaultWeights() Weights {
	return Weights{
		DeEscalation:       0.25,
		BlindSpotDetection: 0.25,
		TranslationQuality: 0.20,
		LensRelevance:      0.15,
		InsightDepth:       0.15,
	}
}

// Sum returns the total of all weights.
func (w Weights) Sum() float64 {
	return w.DeEscalation + w.BlindSpotDetection + w.TranslationQuality + w.LensRelevance + w.InsightDepth
}

// weightTolerance absorbs float rounding when summing decimal weights.
const weightTolerance = 1e-9

// ErrInvalidWeights is returned when weights fall outside [0,1] or do not sum to 1.
var ErrInvalidWeights = errors.New("invalid scoring weights")

// Validate checks that every weight lies in [0,1] and that they sum to 1.0.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"de_escalation":        w.DeEscalation,
		"blind_spot_detection": w.BlindSpotDetection,
		"translation_quality":  w.TranslationQuality,
		"lens_relevance":       w.LensRelevance,
		"insight_depth":        w.InsightDepth,
	} {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return fmt.Errorf("%w: %s=%v outside [0,1]", ErrInvalidWeights, name, v)
		}
	}
	if math.Abs(w.Sum()-1.0) > weightTolerance {
		return fmt.Errorf("%w: sum is %v, want 1.0", ErrInvalidWeights, w.Sum())
	}
	return nil
}

// Config bundles the tunable constants of the scoring engine. The defaults are
// the values existing baselines were produced with.
type Config struct {
	Weights Weights `json:"weights" yaml:"weights"`

	// KeywordMatchThreshold is the fraction of a planted pattern's keywords
	// that must appear in the analysis for the pattern to count as detected.
	KeywordMatchThreshold float64 `json:"keyword_match_threshold" yaml:"keyword_match_threshold"`

	// LensBandLow and LensBandHigh bound the populated/active lens ratio that
	// scores highest for lens relevance.
	LensBandLow  float64 `json:"lens_band_low" yaml:"lens_band_low"`
	LensBandHigh float64 `json:"lens_band_high" yaml:"lens_band_high"`

	// StopWords are discarded during keyword extraction. Nil uses DefaultStopWords.
	StopWords []string `json:"stop_words,omitempty" yaml:"stop_words,omitempty"`
}

// DefaultConfig returns the scoring configuration used for historical baselines.
func DefaultConfig() Config {
	return Config{
		Weights:               DefaultWeights(),
		KeywordMatchThreshold: 0.4,
		LensBandLow:           0.3,
		LensBandHigh:          0.7,
	}
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if err := c.Weights.Validate(); err != nil {
		return err
	}
	if c.KeywordMatchThreshold <= 0 || c.KeywordMatchThreshold > 1 {
		return fmt.Errorf("keyword_match_threshold must be in (0,1], got %v", c.KeywordMatchThreshold)
	}
	if c.LensBandLow < 0 || c.LensBandHigh > 1 || c.LensBandLow >= c.LensBandHigh {
		return fmt.Errorf("lens band [%v,%v] must satisfy 0 <= low < high <= 1", c.LensBandLow, c.LensBandHigh)
	}
	return nil
}

// DefaultStopWords are common words that carry no pattern signal.
var DefaultStopWords = []string{
	"the", "and", "with", "for", "that", "this", "from", "into", "about",
	"when", "then", "than", "are", "was", "were", "been", "being", "have",
	"has", "had", "not", "but", "their", "they", "them", "who", "what",
	"which", "while", "each", "other", "over", "under", "more", "most",
	"very", "also", "just", "like", "through", "between", "after", "before",
	"because", "its", "his", "her", "she", "him", "you", "your", "our",
	"out", "all", "any", "can", "will", "would", "should", "could", "does",
	"did", "how", "why", "where", "there", "here", "only", "own", "same",
	"such", "too", "via", "per",
}
