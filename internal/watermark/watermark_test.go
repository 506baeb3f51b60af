package watermark

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"
)

func testImage(t *testing.T, dir, name string) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 256, 256))
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(x),
				G: uint8(y),
				B: uint8((x*7 + y*13) % 256),
				A: 255,
			})
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create image: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode image: %v", err)
	}
	return path
}

func TestHashIgnoresFieldOrderAndIsDeterministic(t *testing.T) {
	a := Payload{
		AssetType:       "lead_sample",
		LeadID:          "lead-1",
		GenerationJobID: "g1",
		TimestampUnix:   1700000000,
		Nonce:           "n-1",
	}
	b := Payload{
		Nonce:           "n-1",
		TimestampUnix:   1700000000,
		GenerationJobID: "g1",
		LeadID:          "lead-1",
		AssetType:       "lead_sample",
	}
	if Hash(a) != Hash(b) {
		t.Fatalf("hash should not depend on field assignment order")
	}
	if len(Hash(a)) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(Hash(a)))
	}
	if !regexp.MustCompile(`^[0-9a-f]{64}$`).MatchString(Hash(a)) {
		t.Fatalf("hash is not lowercase hex: %q", Hash(a))
	}
}

func TestHashDistinguishesEmptyFields(t *testing.T) {
	withLead := Payload{AssetType: "lead_sample", LeadID: "lead-1", Nonce: "n"}
	withoutLead := Payload{AssetType: "lead_sample", Nonce: "n"}
	if Hash(withLead) == Hash(withoutLead) {
		t.Fatalf("distinct payloads must hash differently")
	}
}

func TestNewPayloadIsNeverIdentical(t *testing.T) {
	marker := New(Options{})
	first := marker.NewPayload("lead_sample", PayloadFields{LeadID: "lead-1"})
	second := marker.NewPayload("lead_sample", PayloadFields{LeadID: "lead-1"})
	if first.Nonce == second.Nonce {
		t.Fatalf("two payloads share a nonce")
	}
	if Hash(first) == Hash(second) {
		t.Fatalf("identical arguments must still yield different hashes")
	}
}

func TestEmbedWithoutCodecDegradesToHashOnly(t *testing.T) {
	marker := New(Options{})
	result := marker.Embed("/nonexistent.jpg", Payload{AssetType: "paid_output", Nonce: "n"}, "")
	if result.Embedded {
		t.Fatalf("embed without codec must not claim the pixel mark")
	}
	if len(result.Hash) != 64 {
		t.Fatalf("hash must be valid even without embedding, got %q", result.Hash)
	}
}

func TestEmbedDecodeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := testImage(t, dir, "src.png")
	marked := filepath.Join(dir, "marked.png")

	marker := New(Options{Codec: &BlockCodec{}})
	payload := marker.NewPayload("lead_sample", PayloadFields{LeadID: "lead-1", GenerationJobID: "g1"})
	result := marker.Embed(src, payload, marked)
	if !result.Embedded {
		t.Fatalf("expected pixel mark to be embedded")
	}

	decoded := marker.Decode(marked)
	if decoded.Status != TamperOK {
		t.Fatalf("decode status = %q, want ok (err %q)", decoded.Status, decoded.Error)
	}
	if decoded.HashPrefix != result.Hash[:32] {
		t.Fatalf("recovered prefix %q, want %q", decoded.HashPrefix, result.Hash[:32])
	}
}

func TestDecodeUnmarkedImageIsNotFound(t *testing.T) {
	dir := t.TempDir()
	src := testImage(t, dir, "plain.png")

	marker := New(Options{Codec: &BlockCodec{}})
	decoded := marker.Decode(src)
	if decoded.Status != TamperNotFound {
		t.Fatalf("decode status = %q, want not_found", decoded.Status)
	}
	if decoded.HashPrefix != "" {
		t.Fatalf("unexpected hash prefix %q", decoded.HashPrefix)
	}
}

func TestDecodeWithoutCodecIsUnsupported(t *testing.T) {
	marker := New(Options{})
	decoded := marker.Decode("/anything.jpg")
	if decoded.Status != TamperUnsupported {
		t.Fatalf("decode status = %q, want unsupported", decoded.Status)
	}
}

func TestDecodeNonImageIsNotFound(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not-an-image.jpg")
	if err := os.WriteFile(path, []byte("plain text"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	marker := New(Options{Codec: &BlockCodec{}})
	decoded := marker.Decode(path)
	if decoded.Status != TamperNotFound {
		t.Fatalf("decode status = %q, want not_found", decoded.Status)
	}
}

func TestDecodeFromURL(t *testing.T) {
	dir := t.TempDir()
	src := testImage(t, dir, "src.png")
	marked := filepath.Join(dir, "marked.png")

	marker := New(Options{Codec: &BlockCodec{}, Now: func() time.Time { return time.Unix(1700000000, 0) }})
	payload := marker.NewPayload("paid_output", PayloadFields{GenerationJobID: "g1"})
	result := marker.Embed(src, payload, marked)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, marked)
	}))
	defer server.Close()

	decoded := marker.DecodeFromURL(context.Background(), server.URL+"/marked.png")
	if decoded.Status != TamperOK {
		t.Fatalf("decode status = %q, want ok (err %q)", decoded.Status, decoded.Error)
	}
	if decoded.HashPrefix != result.Hash[:32] {
		t.Fatalf("recovered prefix %q, want %q", decoded.HashPrefix, result.Hash[:32])
	}
}

func TestDecodeFromURLFetchFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	marker := New(Options{Codec: &BlockCodec{}})
	decoded := marker.DecodeFromURL(context.Background(), server.URL+"/missing.png")
	if decoded.Status != TamperError {
		t.Fatalf("decode status = %q, want error", decoded.Status)
	}
	if decoded.Error == "" {
		t.Fatalf("expected an error message")
	}
}
