package pipeline

import (
	"strings"
)

// Split 将长文本按字符（rune）数切分，相邻分块共享 overlap 个字符，最后一块可以更短。
// 空白输入不产生分块；overlap >= chunkSize 时退化为不重叠切分。
func Split(text string, chunkSize int, chunkOverlap int) []string {
	if chunkSize <= 0 || strings.TrimSpace(text) == "" {
		return nil
	}
	if chunkOverlap < 0 || chunkSize <= chunkOverlap {
		return simpleSplit(text, chunkSize)
	}

	var chunks []string
	runes := []rune(text)
	step := chunkSize - chunkOverlap
	for i := 0; i < len(runes); i += step {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

func simpleSplit(text string, chunkSize int) []string {
	var chunks []string
	runes := []rune(text)
	for i := 0; i < len(runes); i += chunkSize {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}
