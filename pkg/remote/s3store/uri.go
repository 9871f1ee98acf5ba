package s3store

import (
	"fmt"
	"strings"
)

// ParseURI splits s3://bucket/prefix. A non-empty prefix always ends in "/".
func ParseURI(uri string) (bucket, prefix string, err error) {
	if !strings.HasPrefix(uri, "s3://") {
		return "", "", fmt.Errorf("invalid S3 URI %q: must start with s3://", uri)
	}

	parts := strings.SplitN(strings.TrimPrefix(uri, "s3://"), "/", 2)
	if parts[0] == "" {
		return "", "", fmt.Errorf("invalid S3 URI %q: missing bucket name", uri)
	}

	bucket = parts[0]
	if len(parts) > 1 {
		prefix = strings.Trim(parts[1], "/")
		if prefix != "" {
			prefix += "/"
		}
	}
	return bucket, prefix, nil
}
