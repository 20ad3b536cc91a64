package model

import "errors"

// 入库与问答流程中的错误分类，调用方使用 errors.Is 判断。
var (
	ErrExtraction  = errors.New("extraction failure")
	ErrOCR         = errors.New("ocr failure")
	ErrChunking    = errors.New("chunking failure: no usable content")
	ErrEmbedding   = errors.New("embedding service failure")
	ErrPersistence = errors.New("persistence failure")
	ErrRetrieval   = errors.New("retrieval failure")
	ErrGeneration  = errors.New("generation failure")

	ErrInvalidTransition  = errors.New("invalid document status transition")
	ErrDocumentNotFound   = errors.New("document not found")
	ErrDocumentLocked     = errors.New("document is being ingested")
	ErrInvalidDocument    = errors.New("invalid document")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidUser        = errors.New("invalid user")
)
