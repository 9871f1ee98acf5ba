package executor

import (
	"mime"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLen is how much of a file contentType looks at.
const sniffLen = 512

// contentType picks the Content-Type sent with an upload: from the file
// extension when it is known, otherwise from the first bytes of the file.
// Unrecognized binary content leaves it empty so the store picks its default.
func contentType(name string, head []byte) string {
	if ext := strings.ToLower(path.Ext(name)); ext != "" && ext != strings.ToLower(name) {
		if byExt := mime.TypeByExtension(ext); byExt != "" {
			return byExt
		}
	}
	if len(head) == 0 {
		return ""
	}
	mt := mimetype.Detect(head)
	if mt == nil || mt.Is("application/octet-stream") {
		return ""
	}
	return mt.String()
}
