// Package middleware 存放 Gin 框架的中间件。
package middleware

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"team-copilot-go/pkg/log"
)

const (
	requestIDKey    = "requestId"
	requestIDHeader = "X-Request-ID"
	maxLoggedBody   = 4 << 10
)

// bodyLogWriter 用于捕获响应体，最多保留 maxLoggedBody 字节
type bodyLogWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

// Write 将响应写入 gin.ResponseWriter，并在容量内复制一份到内部 buffer
func (w bodyLogWriter) Write(b []byte) (int, error) {
	if remain := maxLoggedBody - w.body.Len(); remain > 0 {
		if len(b) > remain {
			w.body.Write(b[:remain])
		} else {
			w.body.Write(b)
		}
	}
	return w.ResponseWriter.Write(b)
}

// RequestID 返回当前请求的 ID。
func RequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// RequestLogger 是一个 Gin 中间件，分配请求 ID 并记录请求和响应日志。
// 只记录 JSON 请求体；multipart 上传与流式响应不记录内容。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Header(requestIDHeader, requestID)

		var requestBody []byte
		if shouldLogRequestBody(c) {
			requestBody, _ = io.ReadAll(io.LimitReader(c.Request.Body, maxLoggedBody))
			c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(requestBody), c.Request.Body))
		}

		blw := &bodyLogWriter{body: &bytes.Buffer{}, ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		responseBody := blw.body.String()
		if strings.HasPrefix(c.Writer.Header().Get("Content-Type"), "text/event-stream") {
			responseBody = ""
		}

		log.Infow("HTTP Request Log",
			"requestId", requestID,
			"statusCode", c.Writer.Status(),
			"latency", time.Since(startTime).String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"requestBody", redact(c.Request.URL.Path, requestBody),
			"responseBody", redact(c.Request.URL.Path, []byte(responseBody)),
		)
	}
}

func shouldLogRequestBody(c *gin.Context) bool {
	if c.Request.Body == nil || c.Request.Method == "GET" {
		return false
	}
	return strings.HasPrefix(c.ContentType(), "application/json")
}

// redact 不记录认证接口的请求与响应内容，避免密码与令牌进入日志。
func redact(path string, body []byte) string {
	if strings.Contains(path, "/auth/") && len(body) > 0 {
		return "[redacted]"
	}
	return string(body)
}
