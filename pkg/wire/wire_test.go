package wire

import (
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlog/datalogger/pkg/types"
)

func sampleBatch() *types.Batch {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return types.NewBatch("dev-42", []types.Reading{
		{ID: 1, Timestamp: base, Payload: types.Payload(`{"pressure":1.013,"temp":21.5}`)},
		{ID: 2, Timestamp: base.Add(10500 * time.Millisecond), Payload: types.Payload(`{"alarm":false,"temp":21.6}`)},
		{ID: 3, Timestamp: base.Add(20 * time.Second), Payload: types.Payload(`{}`)},
	})
}

func TestEncode_JSONGolden(t *testing.T) {
	body, h, err := Encode(sampleBatch(), FormatJSON, CompressionNone)
	require.NoError(t, err)
	assert.Equal(t, ContentTypeJSON, h.Get("Content-Type"))
	assert.Empty(t, h.Get("Content-Encoding"))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "batch_json", body)
}

func TestRoundTrip(t *testing.T) {
	formats := []Format{FormatJSON, FormatCBOR}
	compressions := []Compression{CompressionNone, CompressionGzip, CompressionZstd}

	for _, f := range formats {
		for _, c := range compressions {
			t.Run(string(f)+"/"+string(c), func(t *testing.T) {
				in := sampleBatch()
				body, h, err := Encode(in, f, c)
				require.NoError(t, err)

				out, err := Decode(h.Get("Content-Type"), h.Get("Content-Encoding"), body)
				require.NoError(t, err)

				assert.Equal(t, in.DeviceID, out.DeviceID)
				assert.Equal(t, in.BatchID, out.BatchID)
				assert.Equal(t, in.IDs(), out.IDs())
				require.Len(t, out.Readings, len(in.Readings))
				for i := range in.Readings {
					assert.True(t, in.Readings[i].Timestamp.Equal(out.Readings[i].Timestamp),
						"reading %d timestamp: got %v want %v", i, out.Readings[i].Timestamp, in.Readings[i].Timestamp)
					assert.JSONEq(t, string(in.Readings[i].Data), string(out.Readings[i].Data))
				}
			})
		}
	}
}

func TestEncode_CompressionHeader(t *testing.T) {
	_, h, err := Encode(sampleBatch(), FormatCBOR, CompressionZstd)
	require.NoError(t, err)
	assert.Equal(t, ContentTypeCBOR, h.Get("Content-Type"))
	assert.Equal(t, "zstd", h.Get("Content-Encoding"))
}

func TestDecode_ContentTypeWithParams(t *testing.T) {
	body, _, err := Encode(sampleBatch(), FormatJSON, CompressionNone)
	require.NoError(t, err)

	b, err := Decode("application/json; charset=utf-8", "", body)
	require.NoError(t, err)
	assert.Equal(t, "dev-42", b.DeviceID)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		encoding    string
		body        string
	}{
		{"unknown content type", "text/plain", "", "{}"},
		{"unknown encoding", ContentTypeJSON, "br", "{}"},
		{"bad gzip", ContentTypeJSON, "gzip", "not gzip"},
		{"bad json", ContentTypeJSON, "", "{"},
		{"bad cbor", ContentTypeCBOR, "", "\xff\xff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.contentType, tt.encoding, []byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestParse(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)

	c, err := ParseCompression("zstd")
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, c)

	_, err = ParseCompression("lzma")
	assert.Error(t, err)
}

func TestExtension(t *testing.T) {
	assert.Equal(t, "json", Extension(FormatJSON, CompressionNone))
	assert.Equal(t, "json.gz", Extension(FormatJSON, CompressionGzip))
	assert.Equal(t, "cbor.zst", Extension(FormatCBOR, CompressionZstd))
}
