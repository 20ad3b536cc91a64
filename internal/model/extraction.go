package model

// ExtractedImage 是从 PDF 中解出的一张嵌入图片。
type ExtractedImage struct {
	Name        string
	ContentType string
	Data        []byte
}

// Extraction 是抽取适配器的输出：纯文本与按出现顺序排列的图片。
type Extraction struct {
	Text   string
	Images []ExtractedImage
}
