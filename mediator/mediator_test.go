package mediator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/c360studio/backtest/instructions"
	"github.com/c360studio/backtest/lens"
	"github.com/c360studio/backtest/scenario"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fencedAnalysis = "Here is the analysis:\n```json\n" + `{
  "observation": "Maya says Sam never helps",
  "feeling": "frustrated",
  "need": "support",
  "request": "help with dishes",
  "subtext": "Feeling alone in running the house",
  "blind_spots": ["Harsh startup with criticism"],
  "unmet_needs": ["partnership"],
  "nvc_translation": "I feel worn out and I need some help tonight.",
  "emotional_temperature": 0.7,
  "lenses": {
    "gottman": {"horseman": "criticism", "evidence": ["you never help"]},
    "attachment": null,
    "narrative": {}
  },
  "meta": {"primary_insight": "Criticism masks a bid for partnership", "severity": 0.6, "resolution_direction": "repair"}
}` + "\n```"

func TestJSONParser_Parse(t *testing.T) {
	p := NewJSONParser(lens.DefaultTable())

	a, err := p.Parse(fencedAnalysis, "family")
	require.NoError(t, err)

	assert.Equal(t, 0.7, a.EmotionalTemperature)
	assert.Equal(t, []lens.ID{lens.Gottman}, a.PopulatedLenses())
	assert.NotContains(t, a.Lenses, lens.Attachment)
	assert.NotContains(t, a.Lenses, lens.Narrative)
	assert.Equal(t, lens.DefaultTable().ActiveLenses("family"), a.Meta.ActiveLenses)
}

func TestJSONParser_Malformed(t *testing.T) {
	p := NewJSONParser(nil)

	tests := []struct {
		name string
		raw  string
	}{
		{"no json", "I'm sorry, I can't help with that."},
		{"broken json", `{"observation": "x", "emotional_temperature": }`},
		{"temperature out of range", `{"emotional_temperature": 1.4, "meta": {"severity": 0.2}}`},
		{"severity out of range", `{"emotional_temperature": 0.4, "meta": {"severity": -1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := p.Parse(tt.raw, "family")
			assert.Nil(t, a)
			assert.ErrorIs(t, err, ErrUnparseable)
		})
	}
}

func TestAnalysis_TextCorpus(t *testing.T) {
	a := &Analysis{
		Observation:    "Maya RAISES her voice",
		Subtext:        "  ",
		BlindSpots:     []string{"Stonewalling"},
		NVCTranslation: "I need quiet",
		Lenses: map[lens.ID]LensResult{
			lens.Gottman: {"detail": map[string]any{"b": "Contempt", "a": "eye-rolling"}, "score": 0.4},
		},
		Meta: Meta{PrimaryInsight: "A bid for Respect"},
	}

	corpus := a.TextCorpus()
	assert.Contains(t, corpus, "maya raises her voice")
	assert.Contains(t, corpus, "stonewalling")
	assert.Contains(t, corpus, "eye-rolling contempt")
	assert.Contains(t, corpus, "a bid for respect")
	assert.NotContains(t, corpus, "  ")
}

func TestLensResult_TextsRoundTrip(t *testing.T) {
	var r LensResult
	require.NoError(t, json.Unmarshal([]byte(`{"signals": ["a", "b"], "note": "c", "n": 3}`), &r))
	assert.Equal(t, []string{"c", "a", "b"}, r.Texts())
}

type recordingCompleter struct {
	system, user string
	reply        string
	err          error
}

func (r *recordingCompleter) Complete(_ context.Context, system, user string) (string, error) {
	r.system, r.user = system, user
	return r.reply, r.err
}

func TestLLMMediator_Mediate(t *testing.T) {
	reg, err := instructions.NewRegistry([]instructions.Section{
		{ID: "core", File: "core.md"},
		{ID: "lens_gottman", File: "gottman.md", Lens: lens.Gottman},
		{ID: "lens_power", File: "power.md", Lens: lens.PowerDynamics},
	})
	require.NoError(t, err)
	src := instructions.NewMemorySource(map[string]string{
		"core.md":    "CORE",
		"gottman.md": "GOTTMAN",
		"power.md":   "POWER",
	})
	c := &recordingCompleter{reply: "{}"}
	m := NewLLMMediator(c, reg, src, lens.DefaultTable(), nil)

	raw, err := m.Mediate(context.Background(), Request{
		Message:     "You never help.",
		SenderID:    scenario.PersonA,
		SenderName:  "Maya",
		OtherName:   "Sam",
		History:     []HistoryEntry{{SenderID: scenario.PersonB, SenderName: "Sam", Content: "Hi"}},
		ContextMode: "family",
	})
	require.NoError(t, err)
	assert.Equal(t, "{}", raw)
	assert.Equal(t, "CORE\n\nGOTTMAN", c.system)
	assert.Contains(t, c.user, "Sam: Hi")
	assert.Contains(t, c.user, "Maya: You never help.")

	c.err = errors.New("boom")
	_, err = m.Mediate(context.Background(), Request{ContextMode: "family"})
	assert.Error(t, err)
}
