// Package metainfo parses .torrent files into the MetaInfo record the
// rest of the core operates on. The bencode grammar itself is treated
// as an external collaborator's concern — decoding is delegated to
// jackpal/bencode-go rather than hand-rolled here.
package metainfo

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"io"
	"log"
	"math"

	bencode "github.com/jackpal/bencode-go"
)

// ClientID prefixes every locally generated peer id, Azureus-style.
const ClientID = "-GT0001-"

// LocalPeerID is this process's 20-byte peer id: ClientID followed by
// 12 random bytes, generated once at startup.
var LocalPeerID = generatePeerID()

func generatePeerID() [20]byte {
	var id [20]byte
	copy(id[:], ClientID)
	if _, err := rand.Read(id[8:]); err != nil {
		log.Fatalf("metainfo: generating local peer id: %v", err)
	}
	return id
}

// File is one entry of a multi-file torrent's info.files list.
type File struct {
	Length int      `bencode:"length"`
	Md5sum string   `bencode:"md5sum"`
	Path   []string `bencode:"path"`
}

// Info is the decoded info dictionary.
type Info struct {
	PieceLength int    `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	Private     int    `bencode:"private"`
	Name        string `bencode:"name"`
	Length      int    `bencode:"length"`
	Md5sum      string `bencode:"md5sum"`
	Files       []File `bencode:"files"`
}

// raw mirrors the top-level .torrent dictionary.
type raw struct {
	Info         Info       `bencode:"info"`
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	CreationDate int        `bencode:"creation date"`
	Comment      string     `bencode:"comment"`
	CreatedBy    string     `bencode:"created by"`
	Encoding     string     `bencode:"encoding"`
}

// MetaInfo is the immutable, parsed .torrent record the rest of the
// core consumes (spec §3).
type MetaInfo struct {
	InfoHash     [20]byte
	Name         string
	PieceLength  int
	TotalLength  int
	PieceHashes  [][20]byte
	Files        []File // empty for single-file torrents
	Announce     string
	AnnounceList [][]string
}

// NumPieces returns len(PieceHashes).
func (m *MetaInfo) NumPieces() int { return len(m.PieceHashes) }

// PieceLen returns the length of piece i: PieceLength for all but the
// last piece, and the remainder for the last one (spec §3).
func (m *MetaInfo) PieceLen(i int) int {
	if i < m.NumPieces()-1 {
		return m.PieceLength
	}
	return m.TotalLength - (m.NumPieces()-1)*m.PieceLength
}

// NumBlocks returns the number of BlockSize blocks piece i is divided
// into, the last possibly shorter.
func NumBlocks(pieceLen, blockSize int) int {
	return int(math.Ceil(float64(pieceLen) / float64(blockSize)))
}

// Trackers flattens AnnounceList (falling back to Announce) into a
// single deduplicated list, preserving tier order.
func (m *MetaInfo) Trackers() []string {
	if len(m.AnnounceList) == 0 {
		if m.Announce == "" {
			return nil
		}
		return []string{m.Announce}
	}
	seen := make(map[string]bool)
	var out []string
	for _, tier := range m.AnnounceList {
		for _, url := range tier {
			if url != "" && !seen[url] {
				seen[url] = true
				out = append(out, url)
			}
		}
	}
	return out
}

// Load parses a .torrent file from r and computes its info-hash.
func Load(r io.ReadSeeker) (*MetaInfo, error) {
	decoded, err := bencode.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode torrent: %w", err)
	}
	top, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("decode torrent: top-level value is not a dictionary")
	}
	infoVal, ok := top["info"]
	if !ok {
		return nil, fmt.Errorf("decode torrent: missing required key %q", "info")
	}
	infoBuf := &bytes.Buffer{}
	if err := bencode.Marshal(infoBuf, infoVal); err != nil {
		return nil, fmt.Errorf("re-encode info dict: %w", err)
	}
	infoHash := sha1.Sum(infoBuf.Bytes())

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind torrent reader: %w", err)
	}
	var rw raw
	if err := bencode.Unmarshal(r, &rw); err != nil {
		return nil, fmt.Errorf("unmarshal torrent: %w", err)
	}
	if rw.Info.Name == "" || rw.Info.PieceLength == 0 || len(rw.Info.Pieces)%20 != 0 {
		return nil, fmt.Errorf("decode torrent: malformed or missing info fields")
	}
	if rw.Info.Length == 0 && len(rw.Info.Files) == 0 {
		return nil, fmt.Errorf("decode torrent: info.length and info.files both absent")
	}

	mi := &MetaInfo{
		InfoHash:     infoHash,
		Name:         rw.Info.Name,
		PieceLength:  rw.Info.PieceLength,
		Files:        rw.Info.Files,
		Announce:     rw.Announce,
		AnnounceList: rw.AnnounceList,
	}
	n := len(rw.Info.Pieces) / 20
	mi.PieceHashes = make([][20]byte, n)
	for i := 0; i < n; i++ {
		copy(mi.PieceHashes[i][:], rw.Info.Pieces[i*20:(i+1)*20])
	}
	if len(rw.Info.Files) > 0 {
		for _, f := range rw.Info.Files {
			mi.TotalLength += f.Length
		}
	} else {
		mi.TotalLength = rw.Info.Length
	}
	return mi, nil
}

// MagnetURI is a parsed magnet link. Magnet links are a non-goal of
// this core (spec §1) — the type exists so a future metadata-exchange
// component has a typed home, but no parser is implemented here.
type MagnetURI struct {
	InfoHashHex string
	DisplayName string
	Trackers    []string
}
