// Package tracker implements the HTTP announce client of spec.md section
// 4.6/6. Grounded on original_source/task2/src/downloader/tracker.rs for
// the exact query-construction and backoff rules, and on the teacher's
// own use of github.com/zeebo/bencode (main.go) for decoding the
// self-describing response body.
package tracker

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/zeebo/bencode"

	"github.com/drizzle-p2p/drizzle/internal/logger"
)

// PeerAddress is a single compact peer entry from an announce response.
type PeerAddress struct {
	IP   net.IP
	Port uint16
}

func (p PeerAddress) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// Tracker is the interface the orchestrator consumes, per spec.md
// section 4.5.
type Tracker interface {
	Update(down, up, left int64)
	Peers() []PeerAddress
}

// HTTP is a concrete HTTP/HTTPS announce client. One HTTP tracks one
// torrent's announce URL, info-hash and local peer-id for the lifetime
// of a download.
type HTTP struct {
	url      string
	infoHash [20]byte
	peerID   [20]byte
	port     uint16
	numWant  int

	client *http.Client
	log    logger.Logger

	sentStarted bool
	failures    int
	notBefore   time.Time
	peers       []PeerAddress
}

// New returns an announce client for the given tracker URL. numWant is
// sent as the optional "numwant" query parameter, a hint to the tracker
// on how many peers to return per announce (0 omits it, leaving the
// tracker's own default in effect). requestTimeout bounds each announce
// HTTP round trip.
func New(url string, infoHash, peerID [20]byte, port uint16, numWant int, requestTimeout time.Duration, log logger.Logger) *HTTP {
	return &HTTP{
		url:      url,
		infoHash: infoHash,
		peerID:   peerID,
		port:     port,
		numWant:  numWant,
		client:   &http.Client{Timeout: requestTimeout},
		log:      log,
	}
}

// Update announces current progress if the backoff window has elapsed.
// Failures are logged, not propagated: they only affect the retry
// schedule (10s after the first consecutive failure, doubling with each
// further one), per spec.md section 7.
func (h *HTTP) Update(down, up, left int64) {
	if time.Now().Before(h.notBefore) {
		return
	}

	req := h.buildURL(down, up, left)
	resp, err := h.client.Get(req)
	if err != nil {
		h.onFailure(err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.onFailure(fmt.Errorf("tracker returned status %d", resp.StatusCode))
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		h.onFailure(err)
		return
	}

	var raw map[string]interface{}
	if err := bencode.NewDecoder(bytes.NewReader(body)).Decode(&raw); err != nil {
		h.onFailure(err)
		return
	}

	interval, peers, err := decodeAnnounceResponse(raw)
	if err != nil {
		h.onFailure(err)
		return
	}

	h.sentStarted = true
	h.failures = 0
	h.peers = peers
	h.notBefore = time.Now().Add(time.Duration(interval) * time.Second)
}

// Peers returns the peer list from the most recent successful announce.
func (h *HTTP) Peers() []PeerAddress { return h.peers }

func (h *HTTP) onFailure(err error) {
	h.failures++
	backoff := time.Duration(10) * time.Second * (1 << uint(h.failures-1))
	h.notBefore = time.Now().Add(backoff)
	h.log.Errorln("tracker announce failed:", err)
}

// buildURL hand-assembles the query string rather than going through
// net/url.Values, because the protocol requires peer_id's raw bytes to
// be emitted literally (ISO-8859-1) while info_hash must be %HH
// percent-encoded with uppercase hex -- two encodings url.Values cannot
// produce simultaneously. Mirrors push_url_arg in
// original_source/task2/src/downloader/tracker.rs.
func (h *HTTP) buildURL(down, up, left int64) string {
	buf := make([]byte, 0, len(h.url)+256)
	buf = append(buf, h.url...)
	buf = append(buf, "?info_hash="...)
	buf = appendPercentEncoded(buf, h.infoHash[:])
	buf = append(buf, "&peer_id="...)
	buf = append(buf, h.peerID[:]...)
	buf = append(buf, "&port="...)
	buf = strconv.AppendInt(buf, int64(h.port), 10)
	buf = append(buf, "&uploaded="...)
	buf = strconv.AppendInt(buf, up, 10)
	buf = append(buf, "&downloaded="...)
	buf = strconv.AppendInt(buf, down, 10)
	buf = append(buf, "&left="...)
	buf = strconv.AppendInt(buf, left, 10)
	buf = append(buf, "&compact=1"...)
	if h.numWant > 0 {
		buf = append(buf, "&numwant="...)
		buf = strconv.AppendInt(buf, int64(h.numWant), 10)
	}
	if !h.sentStarted {
		buf = append(buf, "&event=started"...)
	}
	return string(buf)
}

const hexDigits = "0123456789ABCDEF"

func appendPercentEncoded(buf []byte, raw []byte) []byte {
	for _, b := range raw {
		buf = append(buf, '%', hexDigits[b>>4], hexDigits[b&0xF])
	}
	return buf
}

func decodeAnnounceResponse(raw map[string]interface{}) (int64, []PeerAddress, error) {
	if reason, ok := raw["failure reason"]; ok {
		return 0, nil, fmt.Errorf("tracker failure: %v", reason)
	}

	intervalVal, ok := raw["interval"].(int64)
	if !ok || intervalVal < 0 {
		return 0, nil, fmt.Errorf("missing or invalid interval")
	}

	peersVal, ok := raw["peers"]
	if !ok {
		return intervalVal, nil, nil
	}

	switch v := peersVal.(type) {
	case string:
		peers, err := decodeCompactPeers([]byte(v))
		return intervalVal, peers, err
	case []interface{}:
		peers, err := decodeDictPeers(v)
		return intervalVal, peers, err
	default:
		return 0, nil, fmt.Errorf("unrecognized peers encoding")
	}
}

func decodeCompactPeers(data []byte) ([]PeerAddress, error) {
	if len(data)%6 != 0 {
		return nil, fmt.Errorf("compact peers length %d not a multiple of 6", len(data))
	}
	peers := make([]PeerAddress, 0, len(data)/6)
	for i := 0; i < len(data); i += 6 {
		ip := net.IPv4(data[i], data[i+1], data[i+2], data[i+3])
		port := uint16(data[i+4])<<8 | uint16(data[i+5])
		peers = append(peers, PeerAddress{IP: ip, Port: port})
	}
	return peers, nil
}

func decodeDictPeers(list []interface{}) ([]PeerAddress, error) {
	peers := make([]PeerAddress, 0, len(list))
	for _, entry := range list {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		ipStr, ok := m["ip"].(string)
		if !ok {
			continue
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		portVal, ok := m["port"].(int64)
		if !ok || portVal < 0 || portVal > 65535 {
			continue
		}
		peers = append(peers, PeerAddress{IP: ip, Port: uint16(portVal)})
	}
	return peers, nil
}
