package artifacts

import (
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so the same file set always
// produces identical bytes, which the content id depends on.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("artifacts: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("artifacts: CBOR decoder initialization failed: " + err.Error())
	}
}

type fileEntry struct {
	Path    string `cbor:"1,keyasint"`
	Content []byte `cbor:"2,keyasint"`
}

// EncodeFiles encodes files as a path-sorted CBOR array.
func EncodeFiles(files Files) ([]byte, error) {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	entries := make([]fileEntry, len(paths))
	for i, p := range paths {
		content := files[p]
		if content == nil {
			content = []byte{}
		}
		entries[i] = fileEntry{Path: p, Content: content}
	}
	data, err := encMode.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode files: %w", err)
	}
	return data, nil
}

func DecodeFiles(data []byte) (Files, error) {
	var entries []fileEntry
	if err := decMode.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode files: %w", err)
	}
	files := make(Files, len(entries))
	for _, e := range entries {
		files[e.Path] = e.Content
	}
	return files, nil
}
