package tokenizer

import "fmt"

// Tokenizer 是统一的 token 计数接口.
type Tokenizer interface {
	// CountTokens 返回给定文本的 token 数.
	CountTokens(text string) (int, error)

	// CountMessages 返回消息列表的总 token 数,
	// 包括每条消息的开销（角色标记、分隔符等）。
	CountMessages(messages []Message) (int, error)

	// Encode 将文本转换为 token ID 列表.
	Encode(text string) ([]int, error)

	// Decode 将 token ID 转换回文本.
	Decode(tokens []int) (string, error)

	// MaxTokens 返回上下文上限.
	MaxTokens() int

	// Name 返回分词器的名称.
	Name() string
}

// Message 是一条聊天消息, 用于 CountMessages.
type Message struct {
	Role    string
	Content string
}

// Backend 选择计数实现.
type Backend string

const (
	BackendBPE       Backend = "bpe"
	BackendTiktoken  Backend = "tiktoken"
	BackendEstimator Backend = "estimator"
)

// ParseBackend validates a configured backend name.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(s); b {
	case BackendBPE, BackendTiktoken, BackendEstimator:
		return b, nil
	case "":
		return BackendBPE, nil
	default:
		return "", fmt.Errorf("unknown tokenizer backend %q", s)
	}
}

// 每条消息的开销: <|start|>role\n content<|end|>\n
const (
	perMessageOverhead      = 4
	conversationEndOverhead = 3
)

// countMessages 对角色与内容分别计数并加上固定开销.
func countMessages(t Tokenizer, messages []Message) (int, error) {
	total := 0
	for _, msg := range messages {
		content, err := t.CountTokens(msg.Content)
		if err != nil {
			return 0, err
		}
		role, err := t.CountTokens(msg.Role)
		if err != nil {
			return 0, err
		}
		total += perMessageOverhead + content + role
	}
	return total + conversationEndOverhead, nil
}
