// Package blob stores raw uploaded documents under opaque keys.
package blob

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// NewKey scopes a blob key to its document. The random component keeps
// re-uploads of the same file name apart.
func NewKey(documentID, fileName string) string {
	name := path.Base(strings.ReplaceAll(fileName, `\`, "/"))
	if name == "." || name == "/" || name == "" {
		name = "source"
	}
	return fmt.Sprintf("documents/%s/%s-%s", documentID, uuid.NewString()[:8], name)
}

// validKey rejects keys that could escape a storage root.
func validKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty blob key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return fmt.Errorf("invalid blob key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." || part == "" {
			return fmt.Errorf("invalid blob key %q", key)
		}
	}
	return nil
}
