// Package metainfo parses .torrent files and computes the canonical
// InfoHash used in both the handshake and tracker announces, per
// spec.md section 4.7/6. Grounded on
// original_source/task2/src/torrent.rs, translated into Go idiom using
// the teacher's own bencode library.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"

	"github.com/zeebo/bencode"

	"github.com/drizzle-p2p/drizzle/internal/storage"
)

// FileEntry is one entry of a multi-file torrent's files list.
type FileEntry struct {
	Length int64
	Path   string
}

// Info is the decoded info dictionary; its canonical SHA-1 hash is
// carried separately as Metainfo.InfoHash.
type Info struct {
	Name        string
	PieceLength int64
	Pieces      [][20]byte
	// Length is the single-file total length; zero for multi-file
	// torrents, where Files carries the per-file lengths instead.
	Length int64
	Files  []FileEntry
}

// TotalLength sums Length (single-file) or every Files entry
// (multi-file).
func (i Info) TotalLength() int64 {
	if len(i.Files) == 0 {
		return i.Length
	}
	var total int64
	for _, f := range i.Files {
		total += f.Length
	}
	return total
}

// Layout converts Info into the piece-geometry the storage package
// consumes.
func (i Info) Layout() storage.Layout {
	return storage.Layout{
		PieceCount:  len(i.Pieces),
		PieceLength: i.PieceLength,
		TotalLength: i.TotalLength(),
		Digests:     i.Pieces,
	}
}

// Metainfo is a fully parsed .torrent file.
type Metainfo struct {
	Announce string
	Info     Info
	InfoHash [20]byte
}

// Parse decodes a .torrent file from r.
func Parse(r io.Reader) (*Metainfo, error) {
	var raw map[string]interface{}
	if err := bencode.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("metainfo: decode: %w", err)
	}

	announce, ok := raw["announce"].(string)
	if !ok {
		return nil, fmt.Errorf("metainfo: missing announce")
	}

	infoVal, ok := raw["info"]
	if !ok {
		return nil, fmt.Errorf("metainfo: missing info")
	}
	infoDict, ok := infoVal.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("metainfo: info is not a dictionary")
	}

	info, err := decodeInfo(infoDict)
	if err != nil {
		return nil, err
	}

	hash, err := hashInfo(infoDict)
	if err != nil {
		return nil, err
	}

	return &Metainfo{Announce: announce, Info: info, InfoHash: hash}, nil
}

// hashInfo re-encodes the info dictionary with the same bencode
// library used to decode it and SHA-1-hashes the result. zeebo/bencode
// sorts map keys lexicographically by byte value when encoding, which
// is exactly the canonical ordering spec.md section 6 requires, so no
// bespoke canonicalizer is needed.
func hashInfo(infoDict map[string]interface{}) ([20]byte, error) {
	var buf bytes.Buffer
	if err := bencode.NewEncoder(&buf).Encode(infoDict); err != nil {
		return [20]byte{}, fmt.Errorf("metainfo: re-encode info: %w", err)
	}
	return sha1.Sum(buf.Bytes()), nil
}

func decodeInfo(dict map[string]interface{}) (Info, error) {
	name, ok := dict["name"].(string)
	if !ok {
		return Info{}, fmt.Errorf("metainfo: missing name")
	}

	pieceLength, err := decodeNonNegativeInt(dict["piece length"])
	if err != nil {
		return Info{}, fmt.Errorf("metainfo: piece length: %w", err)
	}

	piecesRaw, ok := dict["pieces"].(string)
	if !ok {
		return Info{}, fmt.Errorf("metainfo: missing pieces")
	}
	digests, err := splitDigests([]byte(piecesRaw))
	if err != nil {
		return Info{}, err
	}

	info := Info{Name: name, PieceLength: pieceLength, Pieces: digests}

	if lengthVal, ok := dict["length"]; ok {
		length, err := decodeNonNegativeInt(lengthVal)
		if err != nil {
			return Info{}, fmt.Errorf("metainfo: length: %w", err)
		}
		info.Length = length
		return info, nil
	}

	filesVal, ok := dict["files"].([]interface{})
	if !ok {
		return Info{}, fmt.Errorf("metainfo: missing length and files")
	}
	files := make([]FileEntry, 0, len(filesVal))
	for _, entry := range filesVal {
		fileDict, ok := entry.(map[string]interface{})
		if !ok {
			return Info{}, fmt.Errorf("metainfo: bad file entry")
		}
		length, err := decodeNonNegativeInt(fileDict["length"])
		if err != nil {
			return Info{}, fmt.Errorf("metainfo: file length: %w", err)
		}
		path, err := decodeFilePath(fileDict["path"])
		if err != nil {
			return Info{}, err
		}
		files = append(files, FileEntry{Length: length, Path: path})
	}
	info.Files = files
	return info, nil
}

func decodeFilePath(v interface{}) (string, error) {
	switch parts := v.(type) {
	case string:
		return parts, nil
	case []interface{}:
		path := ""
		for i, p := range parts {
			s, ok := p.(string)
			if !ok {
				return "", fmt.Errorf("metainfo: bad path component")
			}
			if i > 0 {
				path += "/"
			}
			path += s
		}
		return path, nil
	default:
		return "", fmt.Errorf("metainfo: bad path")
	}
}

func decodeNonNegativeInt(v interface{}) (int64, error) {
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("not an integer")
	}
	if n < 0 {
		return 0, fmt.Errorf("negative value %d", n)
	}
	return n, nil
}

func splitDigests(raw []byte) ([][20]byte, error) {
	if len(raw)%20 != 0 {
		return nil, fmt.Errorf("metainfo: pieces length %d not a multiple of 20", len(raw))
	}
	digests := make([][20]byte, len(raw)/20)
	for i := range digests {
		copy(digests[i][:], raw[i*20:i*20+20])
	}
	return digests, nil
}
