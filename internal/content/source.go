package content

import (
	"context"
	"path"
	"strings"
)

// Revision is a parsed document ready to be stored and published.
type Revision struct {
	TileID   string
	Source   string // models.Source* value
	Format   string
	Raw      []byte
	Document *Document
}

// Publisher accepts revisions from a content source.
type Publisher interface {
	PublishRevision(ctx context.Context, rev Revision) error
	DeleteTile(ctx context.Context, tileID, source string) error
}

// NewRevision parses raw bytes named name into a revision. The tile ID
// falls back to the file stem when the document does not set one.
func NewRevision(source, name string, raw []byte) (Revision, error) {
	format, ok := FormatFor(name)
	if !ok {
		format = DetectFormat(raw)
	}
	doc, err := Parse(raw, format)
	if err != nil {
		return Revision{}, err
	}
	if doc.Tile == "" {
		doc.Tile = tileFromName(name)
	}
	if err := doc.Validate(); err != nil {
		return Revision{}, err
	}
	return Revision{
		TileID:   doc.Tile,
		Source:   source,
		Format:   format,
		Raw:      raw,
		Document: doc,
	}, nil
}

func tileFromName(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	return strings.TrimSuffix(base, path.Ext(base))
}
