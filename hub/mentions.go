package hub

import (
	"strings"

	"github.com/ceyewan/huddle/protocol"
)

// maxMentionToken @ 后最多取 50 个字符
const maxMentionToken = 50

func isMentionChar(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z':
		return true
	case b >= 'A' && b <= 'Z':
		return true
	case b >= '0' && b <= '9':
		return true
	case b == '.' || b == '_' || b == '-':
		return true
	}
	return false
}

// resolveMentions 服务端权威的 @ 提及解析。
// 扫描文本中 @ 后跟 1..50 个 [A-Za-z0-9._-] 的片段，按昵称在当前房间
// 成员中做大小写不敏感匹配；命中的 user_id 去重后按出现顺序返回。
// 未命中的片段从结构化字段中静默丢弃（原文保留，由前端渲染）。
func resolveMentions(text string, members []protocol.Member) []string {
	byName := make(map[string]string, len(members))
	for _, m := range members {
		byName[strings.ToLower(m.Name)] = m.ID
	}

	var out []string
	seen := make(map[string]struct{})

	for i := 0; i < len(text); i++ {
		if text[i] != '@' {
			continue
		}
		j := i + 1
		for j < len(text) && isMentionChar(text[j]) {
			j++
		}
		runLen := j - i - 1
		if runLen == 0 {
			continue
		}
		if runLen > maxMentionToken {
			// 超长片段不是合法 token，整段跳过
			i = j - 1
			continue
		}
		token := strings.ToLower(text[i+1 : j])
		if id, ok := byName[token]; ok {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
		i = j - 1
	}

	return out
}
