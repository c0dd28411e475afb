package threads

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/BaSui01/enzymeflow/types"
)

// FormatVersion 当前线程文档格式版本
const FormatVersion = 1

// Role 轮次角色
type Role string

const (
	RoleUser      Role = "user"
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
)

func (r Role) valid() bool {
	switch r {
	case RoleUser, RoleSystem, RoleAssistant:
		return true
	}
	return false
}

// SummarySpan 摘要轮次覆盖的原始序号区间（闭区间）
type SummarySpan struct {
	FromSeq int `json:"from_seq"`
	ToSeq   int `json:"to_seq"`
}

// Covers 判断 seq 是否落在区间内
func (s SummarySpan) Covers(seq int) bool {
	return seq >= s.FromSeq && seq <= s.ToSeq
}

// Turn 线程中的一轮对话
type Turn struct {
	// Seq 追加时分配，严格递增；摘要轮次为 0
	Seq       int             `json:"seq"`
	Role      Role            `json:"role"`
	Content   string          `json:"content"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Summary   *SummarySpan    `json:"summary,omitempty"`
}

// IsSummary 是否为压缩产生的摘要轮次
func (t Turn) IsSummary() bool { return t.Summary != nil }

// Thread 一个 (process-tag, thread-id) 对应的持久化会话文档
type Thread struct {
	FormatVersion int            `json:"format_version"`
	ProcessTag    string         `json:"process_tag"`
	ThreadID      string         `json:"thread_id"`
	Title         string         `json:"title,omitempty"`
	RootKey       string         `json:"root_key,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	NextSeq       int            `json:"next_seq"`
	Turns         []Turn         `json:"turns"`
	// Archive 被压缩折叠的原始轮次，按序号升序
	Archive []Turn `json:"archive,omitempty"`
}

func newThread(key Key, now time.Time) *Thread {
	return &Thread{
		FormatVersion: FormatVersion,
		ProcessTag:    key.Tag,
		ThreadID:      key.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
		NextSeq:       1,
		Turns:         []Turn{},
	}
}

// Key 返回线程的定位键
func (t *Thread) Key() Key { return Key{Tag: t.ProcessTag, ID: t.ThreadID} }

// Summary 返回头部的摘要轮次（如果有）
func (t *Thread) Summary() (Turn, bool) {
	if len(t.Turns) > 0 && t.Turns[0].IsSummary() {
		return t.Turns[0], true
	}
	return Turn{}, false
}

// ThreadInfo List 返回的线程概要
type ThreadInfo struct {
	ProcessTag string    `json:"process_tag"`
	ThreadID   string    `json:"thread_id"`
	Title      string    `json:"title,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
	Turns      int       `json:"turns"`
	Location   string    `json:"location"`
}

// =============================================================================
// 🔑 定位键
// =============================================================================

var (
	tagCleaner = regexp.MustCompile(`[^A-Za-z0-9_]+`)
	idPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)
)

// SanitizeTag 将 process-tag 规范为 [A-Za-z0-9_]，去掉首尾下划线
func SanitizeTag(tag string) string {
	return strings.Trim(tagCleaner.ReplaceAllString(strings.TrimSpace(tag), "_"), "_")
}

// Key 线程定位键；Tag 已规范化
type Key struct {
	Tag string
	ID  string
}

// NewKey 规范化 tag 并校验 thread id
func NewKey(tag, id string) (Key, error) {
	id = strings.TrimSpace(id)
	if !idPattern.MatchString(id) || strings.HasSuffix(id, ".json") {
		return Key{}, types.Errorf(types.ErrInvalidInput, "invalid thread id %q", id)
	}
	return Key{Tag: SanitizeTag(tag), ID: id}, nil
}

// Stem 文档名去掉扩展名：<tag>_<id>，无 tag 时为 <id>。
// id 中的 "_" 写作 "__"，tag 不以 "_" 结尾、id 不以 "_" 开头，
// 因此从右往左第一段奇数长度的下划线就是分隔符，不同的键不会落到同一文档。
func (k Key) Stem() string {
	id := strings.ReplaceAll(k.ID, "_", "__")
	if k.Tag == "" {
		return id
	}
	return k.Tag + "_" + id
}

// FileName 线程文档文件名
func (k Key) FileName() string { return k.Stem() + ".json" }

// String 可读形式 <tag>_<id>，用于日志与引用匹配
func (k Key) String() string {
	if k.Tag == "" {
		return k.ID
	}
	return k.Tag + "_" + k.ID
}

// matches 文档内记录的键是否与请求的键一致
func (t *Thread) matches(key Key) bool {
	return SanitizeTag(t.ProcessTag) == key.Tag && t.ThreadID == key.ID
}

// =============================================================================
// 📄 编解码
// =============================================================================

// legacyMessage 早期无版本号文档中的消息格式
type legacyMessage struct {
	MessageID      string         `json:"message_id"`
	TS             time.Time      `json:"ts"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	SourceNotebook string         `json:"source_notebook"`
	Metadata       map[string]any `json:"metadata"`
}

type document struct {
	Thread
	LegacyTag      string          `json:"llm_process_tag,omitempty"`
	LegacyMessages []legacyMessage `json:"messages,omitempty"`
}

// decodeThread 解析并校验线程文档；无版本号的旧格式会被升级
func decodeThread(data []byte) (*Thread, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	t := doc.Thread
	if t.FormatVersion == 0 {
		if t.ProcessTag == "" {
			t.ProcessTag = SanitizeTag(doc.LegacyTag)
		}
		t.Turns = make([]Turn, 0, len(doc.LegacyMessages))
		for i, m := range doc.LegacyMessages {
			turn := Turn{
				Seq:       i + 1,
				Role:      m.Role,
				Content:   m.Content,
				Timestamp: m.TS,
				Source:    m.SourceNotebook,
				Metadata:  m.Metadata,
			}
			if m.MessageID != "" {
				if turn.Metadata == nil {
					turn.Metadata = map[string]any{}
				}
				turn.Metadata["message_id"] = m.MessageID
			}
			t.Turns = append(t.Turns, turn)
		}
		t.NextSeq = len(t.Turns) + 1
		t.FormatVersion = FormatVersion
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	if t.Turns == nil {
		t.Turns = []Turn{}
	}
	return &t, nil
}

func (t *Thread) validate() error {
	if t.FormatVersion > FormatVersion {
		return fmt.Errorf("unsupported format_version %d", t.FormatVersion)
	}
	if t.ThreadID == "" {
		return fmt.Errorf("thread_id is empty")
	}
	last := 0
	for i, turn := range t.Turns {
		if !turn.Role.valid() {
			return fmt.Errorf("turn %d has invalid role %q", i, turn.Role)
		}
		if turn.IsSummary() {
			if i != 0 {
				return fmt.Errorf("summary turn at position %d", i)
			}
			last = turn.Summary.ToSeq
			continue
		}
		if turn.Seq <= last {
			return fmt.Errorf("turn sequence %d out of order", turn.Seq)
		}
		last = turn.Seq
	}
	if t.NextSeq <= last {
		return fmt.Errorf("next_seq %d not after last turn %d", t.NextSeq, last)
	}
	return nil
}

func encodeThread(t *Thread) ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}
