package manifest

import (
	"github.com/BaSui01/enzymeflow/artifacts"
)

// NodeStatus 溯源节点状态
type NodeStatus string

const (
	// NodePresent 产物版本仍在存储中
	NodePresent NodeStatus = "present"
	// NodeMissing 清单记录了该版本，但文件已不在存储中
	NodeMissing NodeStatus = "missing"
	// NodeExternal 没有任何成功条目产出过它（用户覆盖或外部导入）
	NodeExternal NodeStatus = "external"
)

// Checker 判断某个产物版本是否仍可读取；*artifacts.Store 实现了该接口
type Checker interface {
	Has(ref artifacts.Ref) bool
}

// Node 溯源树节点
type Node struct {
	Ref      artifacts.Ref `json:"ref"`
	Status   NodeStatus    `json:"status"`
	Producer *Entry        `json:"producer,omitempty"`
	Inputs   []*Node       `json:"inputs,omitempty"`
	// Repeated 该版本已在树中更早的位置展开过
	Repeated bool `json:"repeated,omitempty"`
}

// HistoryFor 从清单中回溯 ref 的生产链：产出它的最近一次成功条目，
// 以及该条目的输入，递归直到外部输入。checker 为 nil 时所有节点按 present 处理。
func (m *Manifest) HistoryFor(ref artifacts.Ref, checker Checker) *Node {
	entries := m.Entries()
	return buildHistory(entries, ref, checker, map[string]bool{})
}

// HistoryFrom 对任意条目集合做同样的回溯（例如从多个运行的清单合并而来）
func HistoryFrom(entries []Entry, ref artifacts.Ref, checker Checker) *Node {
	return buildHistory(entries, ref, checker, map[string]bool{})
}

func buildHistory(entries []Entry, ref artifacts.Ref, checker Checker, visited map[string]bool) *Node {
	node := &Node{Ref: ref, Status: NodePresent}
	if checker != nil && !checker.Has(ref) {
		node.Status = NodeMissing
	}

	key := ref.Hash + "|" + ref.Location()
	if visited[key] {
		node.Repeated = true
		return node
	}
	visited[key] = true

	producer, out, ok := latestProducer(entries, ref)
	if !ok {
		if node.Status == NodePresent {
			node.Status = NodeExternal
		}
		return node
	}
	node.Producer = &producer
	if node.Ref.Name == "" {
		node.Ref.Name = out.Name
	}
	if node.Ref.Schema.Name == "" {
		node.Ref.Schema = out.Schema
	}
	for _, in := range producer.Inputs {
		node.Inputs = append(node.Inputs, buildHistory(entries, in, checker, visited))
	}
	return node
}

func latestProducer(entries []Entry, ref artifacts.Ref) (Entry, artifacts.Ref, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Status != StatusSuccess {
			continue
		}
		if out, ok := e.produces(ref); ok {
			return e, out, true
		}
	}
	return Entry{}, artifacts.Ref{}, false
}

// Walk 深度优先遍历溯源树，depth 从 0 开始
func (n *Node) Walk(fn func(node *Node, depth int)) {
	n.walk(fn, 0)
}

func (n *Node) walk(fn func(node *Node, depth int), depth int) {
	if n == nil {
		return
	}
	fn(n, depth)
	for _, child := range n.Inputs {
		child.walk(fn, depth+1)
	}
}

// Missing 返回树中所有缺失的产物引用
func (n *Node) Missing() []artifacts.Ref {
	var out []artifacts.Ref
	n.Walk(func(node *Node, _ int) {
		if node.Status == NodeMissing && !node.Repeated {
			out = append(out, node.Ref)
		}
	})
	return out
}
