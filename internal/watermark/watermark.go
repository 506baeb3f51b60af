package watermark

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"worker/internal/infra"
)

// markBytes is the number of hash bytes carried in the pixel mark: the first
// 32 characters of the hex digest, embedded as 32 raw bytes (256 bits).
const markBytes = 32

// TamperStatus classifies a decode outcome.
type TamperStatus string

const (
	TamperOK          TamperStatus = "ok"
	TamperNotFound    TamperStatus = "not_found"
	TamperUnsupported TamperStatus = "unsupported"
	TamperError       TamperStatus = "error"
)

// Payload identifies the provenance of one generated asset. Optional fields
// are empty strings; they still participate in the canonical form as nulls
// so the hash does not depend on which fields happen to be set.
type Payload struct {
	AssetType       string
	LeadID          string
	UserID          string
	GenerationJobID string
	CampaignID      string
	TimestampUnix   int64
	Nonce           string
}

// PayloadFields carries the caller-supplied parts of a payload.
type PayloadFields struct {
	LeadID          string
	UserID          string
	GenerationJobID string
	CampaignID      string
}

// Options configures a Marker.
type Options struct {
	// Codec applies and extracts the pixel mark. Nil means the capability is
	// unavailable: Embed degrades to hash-only, Decode reports unsupported.
	Codec      Codec
	HTTPClient *http.Client
	Logger     *infra.Logger

	// Now and Nonce exist for tests; zero values use the real clock and
	// random UUIDs.
	Now   func() time.Time
	Nonce func() string
}

// Marker builds provenance payloads and embeds/extracts their hashes.
type Marker struct {
	codec      Codec
	httpClient *http.Client
	logger     *infra.Logger
	now        func() time.Time
	nonce      func() string
}

// New constructs a Marker.
func New(opts Options) *Marker {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	nonce := opts.Nonce
	if nonce == nil {
		nonce = func() string { return uuid.NewString() }
	}
	return &Marker{
		codec:      opts.Codec,
		httpClient: httpClient,
		logger:     logger,
		now:        now,
		nonce:      nonce,
	}
}

// NewPayload stamps the current unix time and a fresh nonce, so two payloads
// built from identical fields are never equal.
func (m *Marker) NewPayload(assetType string, fields PayloadFields) Payload {
	return Payload{
		AssetType:       assetType,
		LeadID:          fields.LeadID,
		UserID:          fields.UserID,
		GenerationJobID: fields.GenerationJobID,
		CampaignID:      fields.CampaignID,
		TimestampUnix:   m.now().Unix(),
		Nonce:           m.nonce(),
	}
}

// Hash returns the hex SHA-256 of the canonical (key-sorted) payload form.
// It is a pure function of the payload: field order in the caller cannot
// change the result.
func Hash(p Payload) string {
	canonical, _ := json.Marshal(canonicalForm(p))
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// canonicalForm maps the payload onto fixed keys. encoding/json sorts map
// keys, which gives the canonical ordering; empty optional fields become
// explicit nulls.
func canonicalForm(p Payload) map[string]any {
	return map[string]any{
		"asset_type":        p.AssetType,
		"lead_id":           nullable(p.LeadID),
		"user_id":           nullable(p.UserID),
		"generation_job_id": nullable(p.GenerationJobID),
		"campaign_id":       nullable(p.CampaignID),
		"timestamp_unix":    p.TimestampUnix,
		"nonce":             p.Nonce,
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// EmbedResult distinguishes "hash computed and pixel mark applied" from
// "hash computed but not embedded" (codec absent or embedding failed).
type EmbedResult struct {
	Hash     string
	Embedded bool
}

// Embed computes the payload hash and, when the codec is available, writes
// the marked image to outputPath (imagePath when outputPath is empty). The
// hash is always valid; embedding problems degrade the result, they never
// fail it. Persisting hash→payload is the caller's job.
func (m *Marker) Embed(imagePath string, payload Payload, outputPath string) EmbedResult {
	hash := Hash(payload)
	if m.codec == nil {
		return EmbedResult{Hash: hash}
	}
	if outputPath == "" {
		outputPath = imagePath
	}
	if err := m.codec.Embed(imagePath, outputPath, []byte(hash[:markBytes])); err != nil {
		m.logger.Warn().Err(err).Str("image", imagePath).Msg("watermark embed degraded to hash-only")
		return EmbedResult{Hash: hash}
	}
	return EmbedResult{Hash: hash, Embedded: true}
}

// DecodeResult is the outcome of a mark extraction.
type DecodeResult struct {
	// HashPrefix is the recovered 32-character hash prefix; empty unless
	// Status is ok.
	HashPrefix string
	Status     TamperStatus
	Error      string
}

// Decode extracts the hash prefix from an image on disk.
func (m *Marker) Decode(imagePath string) DecodeResult {
	if m.codec == nil {
		return DecodeResult{Status: TamperUnsupported}
	}
	mark, err := m.codec.Extract(imagePath, markBytes*8)
	if err != nil {
		if errors.Is(err, ErrNotImage) {
			return DecodeResult{Status: TamperNotFound}
		}
		return DecodeResult{Status: TamperError, Error: err.Error()}
	}
	if len(mark) < markBytes || !printableHex(mark[:markBytes]) {
		return DecodeResult{Status: TamperNotFound}
	}
	return DecodeResult{HashPrefix: string(mark[:markBytes]), Status: TamperOK}
}

// DecodeFromURL fetches the image into a scratch file, decodes it, and
// removes the file on every path.
func (m *Marker) DecodeFromURL(ctx context.Context, imageURL string) DecodeResult {
	f, err := os.CreateTemp("", "wm-*.jpg")
	if err != nil {
		return DecodeResult{Status: TamperError, Error: err.Error()}
	}
	defer os.Remove(f.Name())
	defer f.Close()

	if err := m.fetch(ctx, imageURL, f); err != nil {
		return DecodeResult{Status: TamperError, Error: err.Error()}
	}
	return m.Decode(f.Name())
}

func (m *Marker) fetch(ctx context.Context, imageURL string, dest *os.File) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %d", imageURL, resp.StatusCode)
	}
	if _, err := io.Copy(dest, resp.Body); err != nil {
		return err
	}
	return dest.Sync()
}

// printableHex reports whether the extracted bytes look like a hex hash
// prefix. Random noise from an unmarked image almost never passes.
func printableHex(b []byte) bool {
	for _, c := range b {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
