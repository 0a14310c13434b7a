package zeo

import (
	"bytes"
	"testing"
)

func TestBlobCodecsRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 64)

	codecs := []BlobCodec{NoneCodec{}, S2Codec{}, SnappyCodec{}, LZ4Codec{}}
	for _, bc := range codecs {
		bc := bc
		t.Run(bc.Name(), func(t *testing.T) {
			compressed := bc.Compress(nil, payload)
			out, err := bc.Decompress(nil, compressed)
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(out, payload) {
				t.Fatalf("round trip mismatch for %s", bc.Name())
			}
		})
	}
}

func TestBlobCodecByName(t *testing.T) {
	cases := map[string]string{
		"s2":      "s2",
		"snappy":  "snappy",
		"lz4":     "lz4",
		"none":    "none",
		"":        "none",
		"unknown": "none",
	}
	for name, want := range cases {
		if got := blobCodecByName(name).Name(); got != want {
			t.Fatalf("blobCodecByName(%q).Name() = %q, want %q", name, got, want)
		}
	}
}
