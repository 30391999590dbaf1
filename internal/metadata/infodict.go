package metadata

import (
	"fmt"

	"github.com/kestrel-dht/crawler/internal/bencode"
	"github.com/kestrel-dht/crawler/internal/kademlia"
)

// FileEntry describes one file within a torrent.
type FileEntry struct {
	Length int64
	Path   []string
}

// TorrentInfo is the parsed form of a torrent's info dict.
type TorrentInfo struct {
	InfoHash    kademlia.InfoHash
	Name        string
	Files       []FileEntry
	TotalLength int64
}

// parseInfoDict parses a reassembled info dict and normalizes the
// single-file form (a top-level "length") into the same []FileEntry shape
// as the multi-file form, so callers never special-case either.
func parseInfoDict(infoHash kademlia.InfoHash, raw []byte) (*TorrentInfo, error) {
	v, err := bencode.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	dict, ok := v.AsDict()
	if !ok {
		return nil, fmt.Errorf("%w: info dict is not a dict", ErrMalformedMessage)
	}

	nameBytes, ok := stringField(dict, "name")
	if !ok {
		return nil, fmt.Errorf("%w: info dict missing name", ErrMalformedMessage)
	}
	info := &TorrentInfo{InfoHash: infoHash, Name: string(nameBytes)}

	if lengthVal, ok := dict["length"]; ok {
		length, ok := lengthVal.AsInt()
		if !ok {
			return nil, fmt.Errorf("%w: length is not an integer", ErrMalformedMessage)
		}
		info.Files = []FileEntry{{Length: length, Path: []string{info.Name}}}
		info.TotalLength = length
		return info, nil
	}

	filesVal, ok := dict["files"]
	fileList, ok2 := filesVal.AsList()
	if !ok || !ok2 {
		return nil, fmt.Errorf("%w: info dict has neither length nor files", ErrMalformedMessage)
	}
	for _, fv := range fileList {
		fd, ok := fv.AsDict()
		if !ok {
			return nil, fmt.Errorf("%w: file entry is not a dict", ErrMalformedMessage)
		}
		lengthVal, ok := fd["length"]
		length, ok2 := lengthVal.AsInt()
		if !ok || !ok2 {
			return nil, fmt.Errorf("%w: file entry missing length", ErrMalformedMessage)
		}
		pathVal, ok := fd["path"]
		pathList, ok2 := pathVal.AsList()
		if !ok || !ok2 {
			return nil, fmt.Errorf("%w: file entry missing path", ErrMalformedMessage)
		}
		path := make([]string, 0, len(pathList))
		for _, pv := range pathList {
			pb, ok := pv.AsString()
			if !ok {
				return nil, fmt.Errorf("%w: path component is not a string", ErrMalformedMessage)
			}
			path = append(path, string(pb))
		}
		info.Files = append(info.Files, FileEntry{Length: length, Path: path})
		info.TotalLength += length
	}
	return info, nil
}

func stringField(dict map[string]bencode.Value, key string) ([]byte, bool) {
	v, ok := dict[key]
	if !ok {
		return nil, false
	}
	return v.AsString()
}
