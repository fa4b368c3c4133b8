package queue

const (
	TypePageConvert = "page:convert"
)

type PageConvertPayload struct {
	DocumentID string `json:"document_id"`
}
