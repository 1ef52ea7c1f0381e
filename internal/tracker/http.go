package tracker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/jackpal/bencode-go"
	"go.uber.org/zap"

	"github.com/gorent/gorent/internal/config"
)

type httpTracker struct {
	cfg config.Config
	log *zap.SugaredLogger
	url string
}

// trackerHTTPResponse is the typed projection of a bencoded tracker
// response, decoded via the struct-tag marshaler the teacher used.
type trackerHTTPResponse struct {
	Interval int    `bencode:"interval"`
	Peers    string `bencode:"peers"`
	Failure  string `bencode:"failure reason"`
}

// percentEncode percent-encodes every byte of b, matching spec.md §4.3's
// requirement that info_hash and peer_id are encoded byte-by-byte rather
// than treated as printable text (url.QueryEscape would pass through
// alphanumeric bytes of the raw hash, which happens to work but obscures
// that these are opaque 20-byte strings, not text).
func percentEncode(b []byte) string {
	out := make([]byte, 0, len(b)*3)
	for _, c := range b {
		out = append(out, '%')
		out = append(out, hexDigit(c>>4), hexDigit(c&0xF))
	}
	return string(out)
}

func hexDigit(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'A' + (n - 10)
}

func (t *httpTracker) Announce(ctx context.Context, params AnnounceParams) (*Response, error) {
	base, err := url.Parse(t.url)
	if err != nil {
		return nil, fmt.Errorf("parsing tracker URL: %w", err)
	}

	query := url.Values{
		"port":       []string{strconv.Itoa(int(params.Port))},
		"uploaded":   []string{strconv.FormatInt(params.Uploaded, 10)},
		"downloaded": []string{strconv.FormatInt(params.Downloaded, 10)},
		"left":       []string{strconv.FormatInt(params.Left, 10)},
		"compact":    []string{"1"},
	}
	base.RawQuery = query.Encode() +
		"&info_hash=" + percentEncode(params.InfoHash[:]) +
		"&peer_id=" + percentEncode(params.PeerID[:])

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building tracker request: %w", err)
	}

	client := &http.Client{Timeout: t.cfg.TrackerTimeout}
	t.log.Debugw("announcing to tracker", "url", base.String())
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &TrackerTimeout{Addr: base.Host}
		}
		return nil, fmt.Errorf("tracker request: %w", err)
	}
	defer resp.Body.Close()

	var body trackerHTTPResponse
	if err := bencode.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("decoding tracker response: %w", err)
	}
	if body.Failure != "" {
		return nil, &TrackerRejected{Reason: body.Failure}
	}

	peers, err := parsePeers([]byte(body.Peers))
	if err != nil {
		return nil, err
	}

	return &Response{
		Interval: secondsToDuration(body.Interval),
		Peers:    peers,
	}, nil
}
