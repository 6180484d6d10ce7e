// Package multipart assembles multipart/form-data request bodies part by part.
//
// Every part runs through PreContent, Content, PostContent and Done. The
// backing resource of a file part is opened on the first content read and
// released on entering PostContent (or on abort), so parts that are never
// reached never hold a file descriptor.
package multipart

// Header is an extra header line written before a part's content.
type Header struct {
	Name  string
	Value string
}

// Part describes one element of a multipart body. The set of variants is
// closed: [StringPart], [BytesPart] and [FilePart].
type Part interface {
	meta() *Meta
}

// Meta carries the fields every part variant shares.
type Meta struct {
	Name             string
	ContentType      string
	Charset          string
	TransferEncoding string
	ContentID        string
	Headers          []Header
}

func (m *Meta) meta() *Meta { return m }

// StringPart is a form field with a textual value.
type StringPart struct {
	Meta
	Value string
}

// BytesPart is an in-memory file-like part.
type BytesPart struct {
	Meta
	FileName string
	Content  []byte
}

// FilePart streams a file from disk.
type FilePart struct {
	Meta
	FileName string
	Path     string
}
