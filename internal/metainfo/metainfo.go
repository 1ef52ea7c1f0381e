// Package metainfo projects a decoded bencode document into the typed view
// of a single-file torrent that the rest of the client needs: announce URL,
// piece layout, and the derived info hash.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"io"
	"net/url"

	"github.com/gorent/gorent/internal/bencode"
)

// InvalidMetainfo reports that a decoded metainfo document failed the
// structural checks required before it can be used to drive a download.
type InvalidMetainfo struct {
	Reason string
}

func (e *InvalidMetainfo) Error() string {
	return fmt.Sprintf("invalid metainfo: %s", e.Reason)
}

// Metainfo is the typed, validated view of a single-file torrent.
type Metainfo struct {
	Announce    string
	Name        string
	PieceLength int64
	Length      int64
	PieceHashes [][20]byte
	InfoHash    [20]byte
}

// Load decodes raw metainfo bytes and projects the fields a single-file
// download needs. It rejects multi-file torrents' info.files field only by
// ignoring it — per spec, multi-file torrents are tolerated but not
// supported, so Length/PieceLength/Name come from info's direct fields and a
// torrent carrying only info.files instead of info.length is rejected as
// missing length.
func Load(r io.Reader) (*Metainfo, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading metainfo: %w", err)
	}
	top, _, _, err := bencode.DecodeBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding metainfo: %w", err)
	}
	topDict, ok := top.(*bencode.Dict)
	if !ok {
		return nil, &InvalidMetainfo{Reason: "top-level value is not a dictionary"}
	}

	announceVal, ok := topDict.Get("announce")
	if !ok {
		return nil, &InvalidMetainfo{Reason: "missing announce"}
	}
	announceBytes, ok := announceVal.(bencode.Bytes)
	if !ok {
		return nil, &InvalidMetainfo{Reason: "announce is not a string"}
	}
	announce := string(announceBytes)
	if err := validateAnnounce(announce); err != nil {
		return nil, err
	}

	infoVal, ok := topDict.Get("info")
	if !ok {
		return nil, &InvalidMetainfo{Reason: "missing info dictionary"}
	}
	infoDict, ok := infoVal.(*bencode.Dict)
	if !ok {
		return nil, &InvalidMetainfo{Reason: "info is not a dictionary"}
	}

	infoHash, err := computeInfoHash(raw, topDict, infoVal)
	if err != nil {
		return nil, err
	}

	name, err := stringField(infoDict, "name")
	if err != nil {
		return nil, err
	}
	pieceLength, err := intField(infoDict, "piece length")
	if err != nil {
		return nil, err
	}
	if pieceLength <= 0 {
		return nil, &InvalidMetainfo{Reason: "piece length must be positive"}
	}
	length, err := intField(infoDict, "length")
	if err != nil {
		return nil, err
	}
	if length <= 0 {
		return nil, &InvalidMetainfo{Reason: "length must be positive (multi-file torrents are not supported)"}
	}
	piecesVal, ok := infoDict.Get("pieces")
	if !ok {
		return nil, &InvalidMetainfo{Reason: "missing pieces"}
	}
	piecesBytes, ok := piecesVal.(bencode.Bytes)
	if !ok {
		return nil, &InvalidMetainfo{Reason: "pieces is not a string"}
	}
	if len(piecesBytes)%20 != 0 {
		return nil, &InvalidMetainfo{Reason: fmt.Sprintf("pieces length %d is not a multiple of 20", len(piecesBytes))}
	}
	pieceHashes := make([][20]byte, len(piecesBytes)/20)
	for i := range pieceHashes {
		copy(pieceHashes[i][:], piecesBytes[i*20:i*20+20])
	}

	return &Metainfo{
		Announce:    announce,
		Name:        name,
		PieceLength: pieceLength,
		Length:      length,
		PieceHashes: pieceHashes,
		InfoHash:    infoHash,
	}, nil
}

// computeInfoHash hashes the raw bytes the info dictionary occupied in the
// original input, per spec §9 strategy (a): this is strictly safer than
// strategy (b)'s from-scratch re-encode, since it reproduces exactly the
// bytes a publisher signed even if they weren't in canonical form.
func computeInfoHash(raw []byte, top *bencode.Dict, infoVal bencode.Value) ([20]byte, error) {
	span, ok := top.Spans["info"]
	if !ok {
		// Shouldn't happen for a value DecodeBytes just produced, but fall
		// back to canonical re-encode rather than panicking.
		return sha1.Sum(bencode.Encode(infoVal)), nil
	}
	return sha1.Sum(raw[span[0]:span[1]]), nil
}

func stringField(d *bencode.Dict, key string) (string, error) {
	v, ok := d.Get(key)
	if !ok {
		return "", &InvalidMetainfo{Reason: fmt.Sprintf("missing %s", key)}
	}
	b, ok := v.(bencode.Bytes)
	if !ok {
		return "", &InvalidMetainfo{Reason: fmt.Sprintf("%s is not a string", key)}
	}
	return string(b), nil
}

func intField(d *bencode.Dict, key string) (int64, error) {
	v, ok := d.Get(key)
	if !ok {
		return 0, &InvalidMetainfo{Reason: fmt.Sprintf("missing %s", key)}
	}
	i, ok := v.(bencode.Int64)
	if !ok {
		return 0, &InvalidMetainfo{Reason: fmt.Sprintf("%s is not an integer", key)}
	}
	return int64(i), nil
}

func validateAnnounce(announce string) error {
	u, err := url.Parse(announce)
	if err != nil {
		return &InvalidMetainfo{Reason: fmt.Sprintf("announce URL: %s", err)}
	}
	switch u.Scheme {
	case "http", "https", "udp":
	default:
		return &InvalidMetainfo{Reason: fmt.Sprintf("unsupported announce scheme %q", u.Scheme)}
	}
	return nil
}

// NumPieces returns the number of pieces the payload is split into.
func (m *Metainfo) NumPieces() int {
	return len(m.PieceHashes)
}

// PieceBounds returns the [begin, end) byte range of piece i within the
// assembled payload.
func (m *Metainfo) PieceBounds(i int) (begin, end int64) {
	begin = int64(i) * m.PieceLength
	end = begin + m.PieceLength
	if end > m.Length {
		end = m.Length
	}
	return begin, end
}

// PieceLen returns the size in bytes of piece i (the last piece may be
// shorter than PieceLength).
func (m *Metainfo) PieceLen(i int) int64 {
	begin, end := m.PieceBounds(i)
	return end - begin
}
