package static

import (
	"fmt"
	"hash/fnv"
	"os"
)

// ETag derives a weak validator from the file's identity: path, creation
// time where the platform exposes one, modification time and byte length,
// hashed into a fixed-width digest. The same file always yields the same
// tag, so conditional requests survive process restarts.
func ETag(path string, info os.FileInfo) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%d|%d", path, creationTime(info), info.ModTime().UnixNano(), info.Size())
	return fmt.Sprintf(`W/"%016x"`, h.Sum64())
}
