package steps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestQualityScore(t *testing.T) {
	tests := []struct {
		name string
		hit  Hit
		want float64
	}{
		{
			name: "trusted open-access EuropePMC hit caps at one",
			hit:  Hit{Source: "EuropePMC", URL: "https://www.nature.com/articles/x", Abstract: "a", OpenAccess: true},
			want: 1.0,
		},
		{
			name: "untrusted web hit with abstract",
			hit:  Hit{Source: "WebSearch", URL: "https://blog.example.com/post", Abstract: "a"},
			want: 0.45,
		},
		{
			name: "missing link and abstract",
			hit:  Hit{Source: "PubMed"},
			want: 0.70,
		},
		{
			name: "unknown source falls back to fulltext link",
			hit:  Hit{Source: "Mystery", FullTextURL: "https://europepmc.org/articles/PMC1", Abstract: "a"},
			want: 0.75,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, QualityScore(tt.hit), 1e-9)
		})
	}
}

func TestQualityTier(t *testing.T) {
	assert.Equal(t, "high", QualityTier(0.75))
	assert.Equal(t, "medium", QualityTier(0.5))
	assert.Equal(t, "medium", QualityTier(0.74))
	assert.Equal(t, "low", QualityTier(0.49))
}

func TestProperty_QualityScoreBounded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := Hit{
			Source:     rapid.SampledFrom([]string{"PubMed", "EuropePMC", "OpenAlex", "WebSearch", "LocalPDF", "other"}).Draw(t, "source"),
			URL:        rapid.SampledFrom([]string{"", "https://nature.com/a", "https://example.org/b", "::bad"}).Draw(t, "url"),
			Abstract:   rapid.SampledFrom([]string{"", "abstract"}).Draw(t, "abstract"),
			OpenAccess: rapid.Bool().Draw(t, "oa"),
		}
		s := QualityScore(h)
		if s < 0 || s > 1 {
			t.Fatalf("score %v out of range for %+v", s, h)
		}
	})
}

func TestAnnotate_SortsByScoreAndLabelsTargets(t *testing.T) {
	in := []Hit{
		{Source: "WebSearch", ID: "w", Title: "Blog", URL: "https://blog.example.com"},
		{Source: "EuropePMC", ID: "e", Title: "UPO engineering", Journal: "Nature Catalysis", URL: "https://doi.org/10.1/x", Abstract: "a"},
		{Source: "EuropePMC", ID: "b", Title: "Preprint", FullTextURL: "https://www.biorxiv.org/content/1", Abstract: "a"},
	}
	out := Annotate(in)
	require.Len(t, out, 3)
	assert.Equal(t, "", in[0].QualityTier, "input is not modified")

	assert.Equal(t, "b", out[0].ID)
	assert.Equal(t, "bioRxiv", out[0].TargetMatches)
	assert.Equal(t, "e", out[1].ID)
	assert.Equal(t, "Nature", out[1].TargetMatches)
	assert.Equal(t, "w", out[2].ID)
	assert.Equal(t, "low", out[2].QualityTier)
}

func TestSourceReport(t *testing.T) {
	hits := Annotate([]Hit{
		{Source: "EuropePMC", Title: "a", Journal: "Nature", URL: "https://nature.com/a", Abstract: "x", OpenAccess: true},
		{Source: "LocalPDF", Title: "b", URL: "https://sciencedirect.com/b", Abstract: "x"},
		{Source: "WebSearch", Title: "c"},
	})
	report := SourceReport(hits)
	got := map[string]string{}
	for _, r := range report.Records(0) {
		got[r["metric"]] = r["value"]
	}
	assert.Equal(t, "3", got["total_literature_hits"])
	assert.Equal(t, "1", got["nature_hits"])
	assert.Equal(t, "1", got["sciencedirect_hits"])
	assert.Equal(t, "1", got["open_access_hits"])
	assert.Equal(t, "1", got["local_pdf_hits"])
	assert.Equal(t, "2", got["high_quality_hits"])
	assert.Equal(t, "1", got["low_quality_hits"])
	assert.Equal(t, "0", got["biorxiv_hits"])
	assert.Equal(t, 9, report.Len())
}

func TestBuildQuery(t *testing.T) {
	cfg := ReviewConfig{
		EnzymeFamily:  "UPOs",
		SeedSequences: []string{"CviUPO", " "},
		Reactions:     "peroxygenation",
		Keywords:      []string{"selectivity"},
	}
	assert.Equal(t, "UPOs CviUPO peroxygenation selectivity F88", BuildQuery(cfg, []string{"F88"}))
	assert.Equal(t, "UPOs CviUPO selectivity", BuildRelaxedQuery(cfg))
}

func TestHitsTable(t *testing.T) {
	table := HitsTable([]Hit{{Source: "EuropePMC", ID: "1", Title: "t", QualityScore: 0.9, QualityTier: "high"}})
	assert.Empty(t, table.MissingColumns(LiteratureHitsSchema.Columns))
	assert.Equal(t, "0.90", table.Value(0, "quality_score"))
	assert.Equal(t, "false", table.Value(0, "is_open_access"))

	pasted := HitsTable([]Hit{{Source: "EuropePMC", ID: "2", Title: "UPO\r\nengineering", Abstract: "line one\r\nline two"}})
	assert.Equal(t, "UPO\nengineering", pasted.Value(0, "title"))
	assert.Equal(t, "line one\nline two", pasted.Value(0, "abstract"))
}
