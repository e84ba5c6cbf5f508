// Package scoring maps mediator analyses to five-dimension score vectors and
// aggregates turn results into one score record per simulation.
//
// Every function here is pure: the same inputs always produce the same scores.
package scoring

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/c360studio/backtest/lens"
	"github.com/c360studio/backtest/mediator"
	"github.com/c360studio/backtest/result"
)

// Scorer applies a fixed scoring configuration.
type Scorer struct {
	cfg       Config
	stopWords map[string]bool
}

// New creates a Scorer after validating cfg.
func New(cfg Config) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	words := cfg.StopWords
	if words == nil {
		words = DefaultStopWords
	}
	stop := make(map[string]bool, len(words))
	for _, w := range words {
		stop[strings.ToLower(w)] = true
	}
	return &Scorer{cfg: cfg, stopWords: stop}, nil
}

// Default returns a Scorer with DefaultConfig.
func Default() *Scorer {
	s, err := New(DefaultConfig())
	if err != nil {
		panic(err) // DefaultConfig is valid by construction
	}
	return s
}

// Config returns the scorer's configuration.
func (s *Scorer) Config() Config {
	return s.cfg
}

// MeasureDeEscalation scores the change in emotional temperature since the
// previous scored turn. With no previous turn it returns a neutral 0.5.
// The ladder's breakpoints and values are fixed for baseline compatibility.
func MeasureDeEscalation(current float64, previous *float64) float64 {
	if previous == nil {
		return 0.5
	}
	delta := *previous - current
	switch {
	case delta > 0.2:
		return 1.0
	case delta > 0.1:
		return 0.8
	case delta > 0:
		return 0.6
	case delta == 0:
		return 0.4
	case delta > -0.1:
		return 0.3
	case delta > -0.2:
		return 0.15
	default:
		return 0.0
	}
}

// CheckBlindSpotDetection returns the fraction of planted patterns the
// analysis surfaces. A pattern is detected when at least
// KeywordMatchThreshold of its keywords occur in the analysis text.
func (s *Scorer) CheckBlindSpotDetection(a *mediator.Analysis, planted []string) float64 {
	if len(planted) == 0 {
		return 1.0
	}
	if a == nil {
		return 0
	}

	corpus := a.TextCorpus()
	detected := 0
	for _, pattern := range planted {
		keywords := s.ExtractKeywords(pattern)
		if len(keywords) == 0 {
			continue
		}
		matched := 0
		for _, kw := range keywords {
			if strings.Contains(corpus, kw) {
				matched++
			}
		}
		if float64(matched)/float64(len(keywords)) >= s.cfg.KeywordMatchThreshold {
			detected++
		}
	}
	return float64(detected) / float64(len(planted))
}

// ExtractKeywords lowercases a pattern label, strips non-alphanumeric
// characters, splits on whitespace and drops stop words and tokens of two
// characters or fewer. Duplicates are removed, first occurrence wins.
func (s *Scorer) ExtractKeywords(pattern string) []string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return unicode.ToLower(r)
		}
		return -1
	}, pattern)

	seen := make(map[string]bool)
	var out []string
	for _, tok := range strings.Fields(cleaned) {
		if utf8.RuneCountInString(tok) <= 2 || s.stopWords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

// Markers used by the rubric scorers.
var (
	firstPersonFeeling = []string{"i feel", "i'm feeling", "i am feeling", "i felt", "i'm scared", "i'm hurt", "i'm worried"}
	needOrRequest      = []string{"i need", "i'd like", "i would like", "would you", "could we", "could you", "would it help", "i'm asking", "are you willing", "would you be willing"}
	clinicalJargon     = []string{"narcissis", "gaslight", "codependen", "borderline", "pathological", "toxic", "trauma response", "dysregulat", "attachment style", "sociopath"}
	insightVocabulary  = []string{"need", "fear", "pattern", "underlying", "beneath", "protect", "vulnerab", "cycle", "bid", "repair", "boundar", "trust", "respect", "safety", "recognition", "autonomy", "belonging", "shame"}
	genericPlatitudes  = []string{"communication is key", "both sides", "everyone has", "just need to talk", "at the end of the day", "it takes two", "meet in the middle", "agree to disagree", "time heals"}
)

// ScoreTranslationQuality rates the NVC translation: present and non-trivial,
// a readable length, first-person feeling language, a need or request, and
// no clinical labels.
func ScoreTranslationQuality(a *mediator.Analysis) float64 {
	if a == nil {
		return 0
	}
	text := strings.TrimSpace(a.NVCTranslation)
	if text == "" {
		return 0
	}
	if len(text) < 15 {
		return 0.1
	}
	lower := strings.ToLower(text)

	score := 0.4
	score += lengthBonus(len(text), 40, 300, 20, 500, 0.2)
	if containsAny(lower, firstPersonFeeling) {
		score += 0.15
	}
	if containsAny(lower, needOrRequest) {
		score += 0.15
	}
	if !containsAny(lower, clinicalJargon) {
		score += 0.1
	}
	return clamp01(round3(score))
}

// ScoreInsightDepth rates the primary insight: present and non-trivial, a
// readable length, domain vocabulary, a substantive subtext and no platitudes.
func ScoreInsightDepth(a *mediator.Analysis) float64 {
	if a == nil {
		return 0
	}
	text := strings.TrimSpace(a.Meta.PrimaryInsight)
	if text == "" {
		return 0
	}
	if len(text) < 15 {
		return 0.1
	}
	lower := strings.ToLower(text)

	score := 0.3
	score += lengthBonus(len(text), 60, 400, 30, 600, 0.2)
	switch n := countDistinct(lower, insightVocabulary); {
	case n >= 2:
		score += 0.2
	case n == 1:
		score += 0.1
	}
	if len(strings.TrimSpace(a.Subtext)) >= 20 {
		score += 0.1
	}
	if !containsAny(lower, genericPlatitudes) {
		score += 0.2
	}
	return clamp01(round3(score))
}

// ScoreLensRelevance rates how selectively lenses fired. The ratio of
// populated to active lenses scores highest inside [LensBandLow, LensBandHigh];
// firing every active lens suggests indiscriminate output and scores lower.
func (s *Scorer) ScoreLensRelevance(a *mediator.Analysis) float64 {
	if a == nil {
		return 0
	}
	active := a.Meta.ActiveLenses
	if len(active) == 0 {
		return 0.5
	}
	populated := 0
	for _, id := range a.PopulatedLenses() {
		if lens.Contains(active, id) {
			populated++
		}
	}
	ratio := float64(populated) / float64(len(active))

	switch {
	case populated == 0:
		return 0.2
	case ratio < s.cfg.LensBandLow:
		return 0.6
	case ratio <= s.cfg.LensBandHigh:
		return 1.0
	case ratio < 1:
		return 0.7
	default:
		return 0.4
	}
}

// ScoreTurn computes the score vector of one analysis. previous is the
// analysis of the previous scored turn, or nil for the first.
func (s *Scorer) ScoreTurn(a *mediator.Analysis, previous *mediator.Analysis, planted []string) result.TurnScores {
	var prevTemp *float64
	if previous != nil {
		t := previous.EmotionalTemperature
		prevTemp = &t
	}
	var current float64
	if a != nil {
		current = a.EmotionalTemperature
	}
	return result.TurnScores{
		DeEscalation:       MeasureDeEscalation(current, prevTemp),
		BlindSpotDetection: s.CheckBlindSpotDetection(a, planted),
		TranslationQuality: ScoreTranslationQuality(a),
		LensRelevance:      s.ScoreLensRelevance(a),
		InsightDepth:       ScoreInsightDepth(a),
	}
}

// ScoreSimulation aggregates turn results into one score record. An empty
// input yields an all-zero record with a stable arc.
func (s *Scorer) ScoreSimulation(turns []result.TurnResult) result.AggregateScore {
	if len(turns) == 0 {
		return result.AggregateScore{ResolutionArc: result.ArcStable}
	}

	var sum result.TurnScores
	deEscalated := 0
	coverage := 0.0
	for i, t := range turns {
		sum.DeEscalation += t.Scores.DeEscalation
		sum.BlindSpotDetection += t.Scores.BlindSpotDetection
		sum.TranslationQuality += t.Scores.TranslationQuality
		sum.LensRelevance += t.Scores.LensRelevance
		sum.InsightDepth += t.Scores.InsightDepth

		if i > 0 && t.Scores.DeEscalation > 0.5 {
			deEscalated++
		}
		// Coverage is the best single turn: one strong turn proves the capability.
		coverage = math.Max(coverage, t.Scores.BlindSpotDetection)
	}

	n := float64(len(turns))
	avg := result.TurnScores{
		DeEscalation:       sum.DeEscalation / n,
		BlindSpotDetection: sum.BlindSpotDetection / n,
		TranslationQuality: sum.TranslationQuality / n,
		LensRelevance:      sum.LensRelevance / n,
		InsightDepth:       sum.InsightDepth / n,
	}

	w := s.cfg.Weights
	overall := avg.DeEscalation*w.DeEscalation +
		avg.BlindSpotDetection*w.BlindSpotDetection +
		avg.TranslationQuality*w.TranslationQuality +
		avg.LensRelevance*w.LensRelevance +
		avg.InsightDepth*w.InsightDepth

	rate := 0.0
	if len(turns) > 1 {
		rate = float64(deEscalated) / float64(len(turns)-1)
	}

	return result.AggregateScore{
		Overall:               round3(overall),
		DeEscalationRate:      round3(rate),
		PatternCoverage:       round3(coverage),
		AvgTranslationQuality: round3(avg.TranslationQuality),
		AvgInsightDepth:       round3(avg.InsightDepth),
		ResolutionArc:         ClassifyArc(temperature(turns[0]), temperature(turns[len(turns)-1])),
	}
}

// ClassifyArc classifies the drop in emotional temperature from the first to the last turn.
func ClassifyArc(first, last float64) result.ResolutionArc {
	delta := first - last
	switch {
	case delta > 0.3:
		return result.ArcResolved
	case delta > 0.1:
		return result.ArcImproved
	case delta > -0.1:
		return result.ArcStable
	default:
		return result.ArcWorsened
	}
}

func temperature(t result.TurnResult) float64 {
	if t.Analysis == nil {
		return 0
	}
	return t.Analysis.EmotionalTemperature
}

// lengthBonus awards full when n is inside [lo,hi] and half when inside the
// wider [outerLo,outerHi].
func lengthBonus(n, lo, hi, outerLo, outerHi int, full float64) float64 {
	switch {
	case n >= lo && n <= hi:
		return full
	case n >= outerLo && n <= outerHi:
		return full / 2
	}
	return 0
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func countDistinct(s string, needles []string) int {
	n := 0
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			n++
		}
	}
	return n
}

// Round3 rounds to three decimal places.
func Round3(v float64) float64 {
	return round3(v)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
