package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"team-copilot-go/internal/middleware"
	"team-copilot-go/internal/service"
	"team-copilot-go/pkg/log"
)

// multipart 头部与 name 字段预留的额外字节
const multipartSlack = 1 << 20

// DocumentHandler 负责处理所有与文档管理相关的 API 请求。
type DocumentHandler struct {
	docService service.DocumentService
	maxBytes   int64
}

// NewDocumentHandler 创建一个新的 DocumentHandler 实例。
func NewDocumentHandler(docService service.DocumentService, maxFileSizeMB int) *DocumentHandler {
	return &DocumentHandler{
		docService: docService,
		maxBytes:   int64(maxFileSizeMB) << 20,
	}
}

// Upload 接收 multipart 表单中的 name 与 file，创建文档并立即返回其 ID，入库在后台进行。
func (h *DocumentHandler) Upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+multipartSlack)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respond(c, http.StatusRequestEntityTooLarge, "文件过大", nil)
			return
		}
		respond(c, http.StatusBadRequest, "缺少上传文件", nil)
		return
	}
	name := c.PostForm("name")

	file, err := fileHeader.Open()
	if err != nil {
		log.Error("[DocumentHandler] 打开上传文件失败", err)
		respond(c, http.StatusBadRequest, "无法读取上传文件", nil)
		return
	}
	defer file.Close()

	doc, err := h.docService.Upload(c.Request.Context(), middleware.SessionFrom(c), name, file, fileHeader.Size)
	if err != nil {
		log.Warnf("[DocumentHandler] 上传文档失败: %v", err)
		fail(c, err, "上传文档失败")
		return
	}

	respond(c, http.StatusAccepted, "文档已接收，正在后台处理", gin.H{
		"document_id":     doc.ID,
		"document_status": doc.Status,
	})
}

// List 返回所有文档，按创建时间倒序。
func (h *DocumentHandler) List(c *gin.Context) {
	docs, err := h.docService.List(c.Request.Context())
	if err != nil {
		log.Error("[DocumentHandler] 获取文档列表失败", err)
		fail(c, err, "获取文档列表失败")
		return
	}
	success(c, "获取文档列表成功", docs)
}

// Get 返回单个文档的状态。
func (h *DocumentHandler) Get(c *gin.Context) {
	doc, err := h.docService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err, "获取文档失败")
		return
	}
	success(c, "获取文档成功", doc)
}

// Delete 删除文档及其全部分块。文档正在入库时返回 409。
func (h *DocumentHandler) Delete(c *gin.Context) {
	if err := h.docService.Delete(c.Request.Context(), middleware.SessionFrom(c), c.Param("id")); err != nil {
		log.Warnf("[DocumentHandler] 删除文档失败: %v", err)
		fail(c, err, "删除文档失败")
		return
	}
	success(c, "文档删除成功", nil)
}
