package threads

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/BaSui01/enzymeflow/types"
)

var (
	taggedRef   = regexp.MustCompile(`^(?P<tag>[A-Za-z0-9_]+)_(?P<tid>[0-9a-fA-F]{32})$`)
	pathLike    = regexp.MustCompile(`^(?:/|\./|\.\./|~/)`)
	fileExtLike = regexp.MustCompile(`(?i)\.(?:md|csv|json|txt|tsv|parquet|yaml|yml)$`)
)

var errStopScan = errors.New("stop scan")

// NormalizeRef 把用户输入的线程引用规范为 thread id：
// 接受 <tag>_<32位十六进制>、裸 id 或以 .json 结尾的文件名
func NormalizeRef(ref string) string {
	ref = strings.TrimSuffix(strings.TrimSpace(ref), ".json")
	if m := taggedRef.FindStringSubmatch(ref); m != nil {
		return strings.ToLower(m[2])
	}
	return ref
}

// ResolveRef 把线程引用解析为定位键：先按文档名（<tag>_<id>）精确匹配，再按 thread id 匹配
func (m *Memory) ResolveRef(ctx context.Context, ref string) (Key, error) {
	stem := strings.TrimSuffix(strings.TrimSpace(ref), ".json")
	if stem == "" {
		return Key{}, types.NewError(types.ErrInvalidInput, "thread reference is empty")
	}
	id := NormalizeRef(ref)

	var (
		byName, byLabel, byID          Key
		foundName, foundLabel, foundID bool
	)
	err := m.store.Scan(ctx, func(_ string, data []byte) error {
		t, err := decodeThread(data)
		if err != nil {
			return nil
		}
		k := Key{Tag: SanitizeTag(t.ProcessTag), ID: t.ThreadID}
		if k.Stem() == stem {
			byName, foundName = k, true
			return errStopScan
		}
		if !foundLabel && k.String() == stem {
			byLabel, foundLabel = k, true
		}
		if !foundID && strings.EqualFold(t.ThreadID, id) {
			byID, foundID = k, true
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return Key{}, err
	}
	switch {
	case foundName:
		return byName, nil
	case foundLabel:
		return byLabel, nil
	case foundID:
		return byID, nil
	}
	return Key{}, types.Errorf(types.ErrThreadNotFound, "no thread matches reference %q", ref)
}

// BundleOptions ContextBundle 选项
type BundleOptions struct {
	// IncludeFiles 是否读取轮次元数据中引用的文件
	IncludeFiles bool
	// MaxCharsPerFile 每个文件最多读取的字符数
	MaxCharsPerFile int
	// BaseDir 相对路径的基准目录
	BaseDir string
}

// Bundle 从历史线程提取的结构化上下文
type Bundle struct {
	ThreadID        string            `json:"thread_id"`
	ProcessTag      string            `json:"process_tag"`
	RootKey         string            `json:"root_key,omitempty"`
	Location        string            `json:"location"`
	Turns           int               `json:"turns"`
	LatestUser      string            `json:"latest_user"`
	LatestAssistant string            `json:"latest_assistant"`
	ReferencedFiles []string          `json:"referenced_files,omitempty"`
	FileContents    map[string]string `json:"file_contents,omitempty"`
	Thread          *Thread           `json:"-"`
}

// Text 拼接为可直接注入提示词的文本：最近的用户消息、助手回复与引用文件片段
func (b *Bundle) Text() string {
	var files []string
	for _, p := range b.ReferencedFiles {
		if text, ok := b.FileContents[p]; ok {
			files = append(files, "FILE: "+p+"\n"+text)
		}
	}
	parts := []string{b.LatestUser, b.LatestAssistant, strings.Join(files, blockSep)}
	return strings.TrimSpace(strings.Join(parts, blockSep))
}

// ContextBundle 解析线程引用并构建上下文包，供后续步骤复用先前会话的结论
func (m *Memory) ContextBundle(ctx context.Context, ref string, opts BundleOptions) (*Bundle, error) {
	key, err := m.ResolveRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	t, err := m.Load(ctx, key.Tag, key.ID)
	if err != nil {
		return nil, err
	}

	b := &Bundle{
		ThreadID:   t.ThreadID,
		ProcessTag: t.ProcessTag,
		RootKey:    t.RootKey,
		Location:   m.store.Location(key),
		Turns:      len(t.Turns),
		Thread:     t,
	}
	for i := len(t.Turns) - 1; i >= 0; i-- {
		turn := t.Turns[i]
		if b.LatestAssistant == "" && turn.Role == RoleAssistant {
			b.LatestAssistant = turn.Content
		}
		if b.LatestUser == "" && turn.Role == RoleUser {
			b.LatestUser = turn.Content
		}
		if b.LatestAssistant != "" && b.LatestUser != "" {
			break
		}
	}

	if opts.IncludeFiles {
		limit := opts.MaxCharsPerFile
		if limit <= 0 {
			limit = 20000
		}
		b.ReferencedFiles = referencedFiles(t, opts.BaseDir)
		b.FileContents = make(map[string]string, len(b.ReferencedFiles))
		for _, p := range b.ReferencedFiles {
			data, err := os.ReadFile(p)
			if err != nil {
				continue
			}
			text := []rune(strings.ToValidUTF8(string(data), ""))
			if len(text) > limit {
				text = text[:limit]
			}
			b.FileContents[p] = string(text)
		}
	}
	return b, nil
}

// referencedFiles 在所有轮次的元数据中查找看起来像文件路径且确实存在的字符串
func referencedFiles(t *Thread, baseDir string) []string {
	raw := map[string]struct{}{}
	for _, turn := range t.Turns {
		collectPaths(turn.Metadata, raw)
	}
	for _, turn := range t.Archive {
		collectPaths(turn.Metadata, raw)
	}
	values := make([]string, 0, len(raw))
	for v := range raw {
		values = append(values, v)
	}
	sort.Strings(values)

	home, _ := os.UserHomeDir()
	seen := map[string]bool{}
	var out []string
	for _, v := range values {
		for _, candidate := range pathCandidates(v, baseDir, home) {
			info, err := os.Stat(candidate)
			if err != nil || info.IsDir() {
				continue
			}
			abs, err := filepath.Abs(candidate)
			if err != nil {
				continue
			}
			if !seen[abs] {
				seen[abs] = true
				out = append(out, abs)
			}
			break
		}
	}
	return out
}

func pathCandidates(v, baseDir, home string) []string {
	if strings.HasPrefix(v, "~/") && home != "" {
		v = filepath.Join(home, v[2:])
	}
	if filepath.IsAbs(v) {
		return []string{v}
	}
	var out []string
	if baseDir != "" {
		out = append(out, filepath.Join(baseDir, v))
	}
	return append(out, v)
}

func collectPaths(v any, out map[string]struct{}) {
	switch x := v.(type) {
	case map[string]any:
		for _, item := range x {
			collectPaths(item, out)
		}
	case []any:
		for _, item := range x {
			collectPaths(item, out)
		}
	case []string:
		for _, item := range x {
			collectPaths(item, out)
		}
	case string:
		text := strings.TrimSpace(x)
		if text == "" || len(text) > 400 || strings.IndexFunc(text, unicode.IsSpace) >= 0 {
			return
		}
		if pathLike.MatchString(text) || fileExtLike.MatchString(text) {
			out[text] = struct{}{}
		}
	}
}
