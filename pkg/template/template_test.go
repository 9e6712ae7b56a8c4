package template

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/lexbatch/pkg/lexicon"
)

func sense() *lexicon.Record {
	id := int64(8)
	return &lexicon.Record{
		ID:        "run.v.01",
		POS:       lexicon.Verbs,
		Gloss:     "to move quickly",
		Lemmas:    []string{"run", "sprint"},
		Examples:  []string{"he ran", "she ran fast"},
		FrameID:   &id,
		FrameName: "Motion",
	}
}

func TestRenderGlossAndExamples(t *testing.T) {
	out, err := Render("{{gloss}} - {{examples}}", sense())
	require.NoError(t, err)
	assert.Equal(t, "to move quickly - he ran\nshe ran fast", out.Text)
	assert.Equal(t, []string{"gloss", "examples"}, out.Used)
}

func TestRenderVariants(t *testing.T) {
	tests := []struct {
		name string
		tpl  string
		want string
	}{
		{name: "whitespace in braces", tpl: "{{ gloss }}", want: "to move quickly"},
		{name: "inline list", tpl: "{{lemmas}}", want: "run, sprint"},
		{name: "json list", tpl: "{{lemmas_json}}", want: `["run","sprint"]`},
		{name: "unknown kept", tpl: "{{nope}} {{verbs}}", want: "{{nope}} {{verbs}}"},
		{name: "frame id", tpl: "{{frame_id}}/{{frame_name}}", want: "8/Motion"},
		{name: "no placeholders", tpl: "plain text", want: "plain text"},
		{name: "single brace", tpl: "{gloss}", want: "{gloss}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Render(tt.tpl, sense())
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Text)
		})
	}
}

func TestRenderFrameVariables(t *testing.T) {
	f := lexicon.Frame{ID: 8, Name: "Motion", Definition: "Something moves"}
	rec := f.Record([]string{"run.v.01", "walk.v.01"})

	out, err := Render("{{frame_name}}: {{definition}} [{{verbs}}] {{gloss}}", &rec)
	require.NoError(t, err)
	assert.Equal(t, "Motion: Something moves [run.v.01, walk.v.01] {{gloss}}", out.Text)
}

func TestRenderErrors(t *testing.T) {
	_, err := Render("   ", sense())
	var rerr *RenderError
	require.True(t, errors.As(err, &rerr))
	assert.ErrorIs(t, err, ErrEmptyTemplate)

	_, err = Render("{{gloss}}", nil)
	require.True(t, errors.As(err, &rerr))
	assert.Empty(t, rerr.RecordID)
}

func TestRenderPartialTemplate(t *testing.T) {
	tests := []struct {
		name string
		tpl  string
		want string
	}{
		{"unclosed name", "{{gloss}} - {{exam", "to move quickly - {{exam"},
		{"bare open", "{{id}} {{", "run.v.01 {{"},
		{"single close brace", "{{id}} {{gloss}", "run.v.01 {{gloss}"},
		{"closed after open", "{{ {{id}}", "{{ {{id}}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Render(tt.tpl, sense())
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Text)
			assert.NoError(t, Check(tt.tpl))
		})
	}
}

func TestRenderIsPure(t *testing.T) {
	rec := sense()
	a, err := Render("{{id}} {{lemmas_json}}", rec)
	require.NoError(t, err)
	b, err := Render("{{id}} {{lemmas_json}}", rec)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, []string{"run", "sprint"}, rec.Lemmas)
}

func TestVariables(t *testing.T) {
	assert.Contains(t, Variables(SenseKind), "examples_json")
	assert.Contains(t, Variables(FrameKind), "verbs_json")
	assert.NotContains(t, Variables(FrameKind), "gloss")
}
