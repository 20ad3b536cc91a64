package model

// ChatMessage 是发送给大模型的一条角色消息。
// 对话历史不会跨问题保存，每次提问只包含 system 与 user 两条消息。
type ChatMessage struct {
	Role    string `json:"role"` // "system"、"user" 或 "assistant"
	Content string `json:"content"`
}
