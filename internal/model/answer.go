package model

// AnswerEvent 是答案流中的一个事件，序列化为 {"text","last","error"?}。
// 每个答案恰好有一个 Last 为 true 的事件，Error 只会出现在该事件上。
type AnswerEvent struct {
	Text  string `json:"text"`
	Last  bool   `json:"last"`
	Error string `json:"error,omitempty"`
}
