package steps

import (
	"context"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/BaSui01/enzymeflow/artifacts"
)

// Hit 一条文献检索结果
type Hit struct {
	Source        string  `json:"source"`
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	Journal       string  `json:"journal,omitempty"`
	Year          string  `json:"year,omitempty"`
	Abstract      string  `json:"abstract,omitempty"`
	OpenAccess    bool    `json:"is_open_access"`
	FullTextURL   string  `json:"fulltext_url,omitempty"`
	URL           string  `json:"url,omitempty"`
	PMCID         string  `json:"pmcid,omitempty"`
	QualityScore  float64 `json:"quality_score"`
	QualityTier   string  `json:"quality_tier"`
	TargetMatches string  `json:"target_matches,omitempty"`
}

// LiteratureSource 文献检索边界
type LiteratureSource interface {
	// Name 来源名称，写入 Hit.Source 并用于质量基础分
	Name() string
	// Search 返回最多 max 条结果
	Search(ctx context.Context, query string, max int) ([]Hit, error)
}

// hitColumns 命中表的完整列顺序
var hitColumns = []string{
	"source", "id", "title", "journal", "year", "abstract", "is_open_access",
	"fulltext_url", "url", "pmcid", "quality_score", "quality_tier", "target_matches",
}

// HitsTable 把命中转成表格
func HitsTable(hits []Hit) *artifacts.Table {
	t := artifacts.NewTable(hitColumns...)
	for _, h := range hits {
		t.Rows = append(t.Rows, []string{
			h.Source, h.ID, artifacts.NormalizeLineEndings(h.Title), h.Journal, h.Year, artifacts.NormalizeLineEndings(h.Abstract),
			strconv.FormatBool(h.OpenAccess), h.FullTextURL, h.URL, h.PMCID,
			strconv.FormatFloat(h.QualityScore, 'f', 2, 64), h.QualityTier, h.TargetMatches,
		})
	}
	return t
}

// =============================================================================
// 🔎 查询构造
// =============================================================================

func joinNonEmpty(sep string, parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}

// BuildQuery 由酶家族、种子序列、反应、关键词与检索目标拼出主查询
func BuildQuery(cfg ReviewConfig, targets []string) string {
	return joinNonEmpty(" ",
		cfg.EnzymeFamily,
		joinNonEmpty(" ", cfg.SeedSequences...),
		cfg.Reactions,
		joinNonEmpty(" ", cfg.Keywords...),
		joinNonEmpty(" ", targets...))
}

// BuildRelaxedQuery 主查询无结果时的宽松查询：去掉反应与检索目标
func BuildRelaxedQuery(cfg ReviewConfig) string {
	return joinNonEmpty(" ",
		cfg.EnzymeFamily,
		joinNonEmpty(" ", cfg.SeedSequences...),
		joinNonEmpty(" ", cfg.Keywords...))
}

// =============================================================================
// ⭐ 质量评分
// =============================================================================

var sourceBase = map[string]float64{
	"PubMed":    0.95,
	"EuropePMC": 0.90,
	"OpenAlex":  0.80,
	"WebSearch": 0.45,
	"LocalPDF":  0.90,
}

var trustedDomains = []string{
	"nature.com", "sciencedirect.com", "elsevier.com", "acs.org", "wiley.com",
	"pnas.org", "science.org", "biorxiv.org", "chemrxiv.org", "nih.gov",
	"ncbi.nlm.nih.gov", "europepmc.org",
}

// QualityScore 来源基础分 + 可信域名 + 开放获取，缺摘要或链接扣分，限制在 [0,1]
func QualityScore(h Hit) float64 {
	s, ok := sourceBase[h.Source]
	if !ok {
		s = 0.5
	}
	link := strings.ToLower(strings.TrimSpace(h.URL))
	if link == "" {
		link = strings.ToLower(strings.TrimSpace(h.FullTextURL))
	}
	if link != "" {
		if u, err := url.Parse(link); err == nil {
			host := u.Hostname()
			if slices.ContainsFunc(trustedDomains, func(d string) bool { return strings.Contains(host, d) }) {
				s += 0.25
			}
		}
	} else {
		s -= 0.10
	}
	if h.OpenAccess {
		s += 0.05
	}
	if strings.TrimSpace(h.Abstract) == "" {
		s -= 0.15
	}
	return min(1, max(0, s))
}

// QualityTier 分数分档：>=0.75 high，>=0.5 medium，其余 low
func QualityTier(score float64) string {
	switch {
	case score >= 0.75:
		return "high"
	case score >= 0.5:
		return "medium"
	default:
		return "low"
	}
}

// targetLabels 按标题、期刊与链接标注目标来源
func targetLabels(h Hit) string {
	text := strings.ToLower(strings.Join([]string{h.Title, h.Journal, h.URL, h.FullTextURL}, " "))
	var labels []string
	if strings.Contains(text, "biorxiv") {
		labels = append(labels, "bioRxiv")
	}
	if strings.Contains(text, "nature") {
		labels = append(labels, "Nature")
	}
	if strings.Contains(text, "sciencedirect") || strings.Contains(text, "elsevier") {
		labels = append(labels, "ScienceDirect")
	}
	return strings.Join(labels, "; ")
}

// Annotate 为每条命中计算分数、分档与目标标签，并按分数降序稳定排序
func Annotate(hits []Hit) []Hit {
	out := slices.Clone(hits)
	for i := range out {
		out[i].QualityScore = QualityScore(out[i])
		out[i].QualityTier = QualityTier(out[i].QualityScore)
		out[i].TargetMatches = targetLabels(out[i])
	}
	slices.SortStableFunc(out, func(a, b Hit) int {
		switch {
		case a.QualityScore > b.QualityScore:
			return -1
		case a.QualityScore < b.QualityScore:
			return 1
		}
		return 0
	})
	return out
}

// SourceReport 汇总命中数量指标
func SourceReport(hits []Hit) *artifacts.Table {
	counts := map[string]int{}
	for _, h := range hits {
		labels := h.TargetMatches
		if strings.Contains(labels, "bioRxiv") {
			counts["biorxiv_hits"]++
		}
		if strings.Contains(labels, "Nature") {
			counts["nature_hits"]++
		}
		if strings.Contains(labels, "ScienceDirect") {
			counts["sciencedirect_hits"]++
		}
		if h.OpenAccess {
			counts["open_access_hits"]++
		}
		if h.Source == "LocalPDF" {
			counts["local_pdf_hits"]++
		}
		counts[h.QualityTier+"_quality_hits"]++
	}
	t := artifacts.NewTable("metric", "value")
	t.Rows = append(t.Rows, []string{"total_literature_hits", strconv.Itoa(len(hits))})
	for _, m := range []string{
		"biorxiv_hits", "nature_hits", "sciencedirect_hits", "open_access_hits",
		"local_pdf_hits", "high_quality_hits", "medium_quality_hits", "low_quality_hits",
	} {
		t.Rows = append(t.Rows, []string{m, strconv.Itoa(counts[m])})
	}
	return t
}
