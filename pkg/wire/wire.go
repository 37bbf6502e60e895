// Package wire encodes and decodes the upstream Batch body.
//
// Two formats are supported: JSON (reading payloads are embedded verbatim)
// and CBOR (payloads are re-encoded as native CBOR maps using Core
// Deterministic Encoding). Either may be compressed with gzip or zstd.
// The agent publishers encode with Encode; the reference collector decodes
// with Decode using the request's Content-Type and Content-Encoding.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/fieldlog/datalogger/pkg/types"
)

// Format selects the body serialization.
type Format string

const (
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

// Compression selects the body compression.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

// HTTP headers sent with every upload besides Content-Type and
// Content-Encoding. HeaderIdempotencyKey carries the batch id so the
// collector can discard re-sends.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderDeviceID       = "X-Device-ID"
)

// MaxDecodedSize bounds the decompressed size of a body accepted by Decode.
const MaxDecodedSize = 32 << 20

// ParseFormat validates a configured format name. Empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCBOR:
		return FormatCBOR, nil
	}
	return "", fmt.Errorf("wire: unknown format %q", s)
}

// ParseCompression validates a configured compression name. Empty means none.
func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionGzip:
		return CompressionGzip, nil
	case CompressionZstd:
		return CompressionZstd, nil
	}
	return "", fmt.Errorf("wire: unknown compression %q", s)
}

// ContentType returns the MIME type for f.
func ContentType(f Format) string {
	if f == FormatCBOR {
		return ContentTypeCBOR
	}
	return ContentTypeJSON
}

// Extension returns the object-name suffix for f and c, e.g. "json.gz".
func Extension(f Format, c Compression) string {
	ext := string(f)
	switch c {
	case CompressionGzip:
		ext += ".gz"
	case CompressionZstd:
		ext += ".zst"
	}
	return ext
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Keep sub-second capture times.
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("wire: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedSize))
	if err != nil {
		panic("wire: zstd decoder initialization failed: " + err.Error())
	}
}

// cborBatch mirrors types.Batch with payloads decoded to native values.
type cborBatch struct {
	DeviceID string        `cbor:"device_id"`
	BatchID  string        `cbor:"batch_id"`
	Readings []cborReading `cbor:"readings"`
}

type cborReading struct {
	ID        int64     `cbor:"id"`
	Timestamp time.Time `cbor:"timestamp"`
	Data      any       `cbor:"data"`
}

// Encode serializes b and returns the body together with the Content-Type
// and Content-Encoding headers a receiver needs to decode it.
func Encode(b *types.Batch, f Format, c Compression) ([]byte, http.Header, error) {
	var (
		body []byte
		err  error
	)
	switch f {
	case FormatJSON, "":
		body, err = json.Marshal(b)
	case FormatCBOR:
		body, err = marshalCBOR(b)
	default:
		return nil, nil, fmt.Errorf("wire: unknown format %q", f)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("wire: encode %s: %w", f, err)
	}

	body, err = compress(body, c)
	if err != nil {
		return nil, nil, err
	}

	h := http.Header{}
	h.Set("Content-Type", ContentType(f))
	if c != CompressionNone && c != "" {
		h.Set("Content-Encoding", string(c))
	}
	return body, h, nil
}

// Decode parses a body produced by Encode.
func Decode(contentType, contentEncoding string, body []byte) (*types.Batch, error) {
	raw, err := decompress(body, Compression(strings.TrimSpace(contentEncoding)))
	if err != nil {
		return nil, err
	}

	mediaType := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	switch mediaType {
	case ContentTypeJSON, "":
		var b types.Batch
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("wire: decode json: %w", err)
		}
		return &b, nil
	case ContentTypeCBOR:
		return unmarshalCBOR(raw)
	}
	return nil, fmt.Errorf("wire: unsupported content type %q", contentType)
}

func marshalCBOR(b *types.Batch) ([]byte, error) {
	cb := cborBatch{
		DeviceID: b.DeviceID,
		BatchID:  b.BatchID,
		Readings: make([]cborReading, 0, len(b.Readings)),
	}
	for _, r := range b.Readings {
		var data any
		if len(r.Data) > 0 {
			if err := json.Unmarshal(r.Data, &data); err != nil {
				return nil, fmt.Errorf("reading %d: payload: %w", r.ID, err)
			}
		}
		cb.Readings = append(cb.Readings, cborReading{ID: r.ID, Timestamp: r.Timestamp, Data: data})
	}
	return encMode.Marshal(cb)
}

func unmarshalCBOR(raw []byte) (*types.Batch, error) {
	var cb cborBatch
	if err := decMode.Unmarshal(raw, &cb); err != nil {
		return nil, fmt.Errorf("wire: decode cbor: %w", err)
	}
	b := &types.Batch{
		DeviceID: cb.DeviceID,
		BatchID:  cb.BatchID,
		Readings: make([]types.BatchReading, 0, len(cb.Readings)),
	}
	for _, r := range cb.Readings {
		data, err := json.Marshal(r.Data)
		if err != nil {
			return nil, fmt.Errorf("wire: reading %d: payload: %w", r.ID, err)
		}
		b.Readings = append(b.Readings, types.BatchReading{
			ID:        r.ID,
			Timestamp: r.Timestamp.UTC(),
			Data:      data,
		})
	}
	return b, nil
}

func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone, "":
		return data, nil
	case CompressionGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("wire: gzip: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("wire: gzip: %w", err)
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	}
	return nil, fmt.Errorf("wire: unknown compression %q", c)
}

func decompress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone, "", "identity":
		return data, nil
	case CompressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("wire: gunzip: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(io.LimitReader(zr, MaxDecodedSize+1))
		if err != nil {
			return nil, fmt.Errorf("wire: gunzip: %w", err)
		}
		if len(out) > MaxDecodedSize {
			return nil, fmt.Errorf("wire: decoded body exceeds %d bytes", MaxDecodedSize)
		}
		return out, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("wire: zstd: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("wire: unsupported content encoding %q", c)
}
