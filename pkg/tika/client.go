// Package tika 提供了一个与 Apache Tika 服务器交互的客户端。
package tika

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"team-copilot-go/internal/config"
	"team-copilot-go/internal/model"
)

// maxImageBytes 限制单张嵌入图片的大小，超出的图片会被跳过。
const maxImageBytes = 20 << 20

// Client 是 Tika 服务器的客户端。
type Client struct {
	serverURL   string
	ocrLanguage string
	client      *http.Client
}

// NewClient 创建一个新的 Tika 客户端实例。
func NewClient(cfg config.TikaConfig, ocr config.OCRConfig) *Client {
	return &Client{
		serverURL:   strings.TrimRight(cfg.ServerURL, "/"),
		ocrLanguage: ocr.Language,
		client:      &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
	}
}

// Extract 返回文档的纯文本以及按出现顺序排列的嵌入图片。
func (c *Client) Extract(ctx context.Context, content []byte, fileName string) (*model.Extraction, error) {
	text, err := c.ExtractText(ctx, bytes.NewReader(content), fileName)
	if err != nil {
		return nil, err
	}
	images, err := c.ExtractImages(ctx, bytes.NewReader(content), fileName)
	if err != nil {
		return nil, err
	}
	return &model.Extraction{Text: text, Images: images}, nil
}

// ExtractText 自动根据文件后缀推断 MIME 类型，并调用 Tika 提取文本。
func (c *Client) ExtractText(ctx context.Context, fileReader io.Reader, fileName string) (string, error) {
	resp, err := c.put(ctx, "/tika", fileReader, detectMimeType(fileName), "text/plain", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		return "", fmt.Errorf("读取 Tika 响应失败: %w", err)
	}
	return buf.String(), nil
}

// ExtractImages 调用 /unpack 取得嵌入资源（zip 格式），只保留图片。
// Tika 在没有嵌入资源时返回 204。
func (c *Client) ExtractImages(ctx context.Context, fileReader io.Reader, fileName string) ([]model.ExtractedImage, error) {
	resp, err := c.put(ctx, "/unpack", fileReader, detectMimeType(fileName), "application/zip", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取 Tika unpack 响应失败: %w", err)
	}
	if len(body) == 0 {
		return nil, nil
	}
	archive, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, fmt.Errorf("解析 Tika unpack 压缩包失败: %w", err)
	}

	var images []model.ExtractedImage
	for _, f := range archive.File {
		contentType := imageContentType(f.Name)
		if contentType == "" || f.UncompressedSize64 > maxImageBytes {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("读取嵌入图片 %s 失败: %w", f.Name, err)
		}
		data, err := io.ReadAll(io.LimitReader(rc, maxImageBytes))
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("读取嵌入图片 %s 失败: %w", f.Name, err)
		}
		images = append(images, model.ExtractedImage{Name: f.Name, ContentType: contentType, Data: data})
	}
	return images, nil
}

// Recognize 将图片交给 Tika 的 Tesseract 解析器做 OCR。
func (c *Client) Recognize(ctx context.Context, img model.ExtractedImage) (string, error) {
	headers := map[string]string{}
	if c.ocrLanguage != "" {
		headers["X-Tika-OCRLanguage"] = c.ocrLanguage
	}
	resp, err := c.put(ctx, "/tika", bytes.NewReader(img.Data), img.ContentType, "text/plain", headers)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("读取 OCR 结果失败: %w", err)
	}
	return strings.TrimSpace(string(text)), nil
}

func (c *Client) put(ctx context.Context, path string, body io.Reader, contentType, accept string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.serverURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("调用 Tika 失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("Tika 返回错误 [%d]: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

// detectMimeType 根据文件扩展名判断 Content-Type
func detectMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	mimeType := mime.TypeByExtension(ext)
	if mimeType == "" {
		return "application/octet-stream"
	}
	return mimeType
}

// imageContentType 返回可 OCR 的图片类型，非图片返回空串。
func imageContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".bmp":
		return "image/bmp"
	case ".gif":
		return "image/gif"
	}
	return ""
}
