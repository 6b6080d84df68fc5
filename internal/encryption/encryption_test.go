package encryption

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"
	"runtime"
	"testing"

	"github.com/i5heu/ouroboros-vault/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testKey(t testing.TB) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("reading key: %v", err)
	}
	return key
}

func encryptWith(t *testing.T, p Pipeline, key, plaintext []byte) ([]byte, Envelope) {
	t.Helper()
	var out bytes.Buffer
	env, err := p.Encrypt(key, bytes.NewReader(plaintext), int64(len(plaintext)), &out)
	require.NoError(t, err)
	return out.Bytes(), env
}

func decryptWith(p Pipeline, key, data []byte, env Envelope) ([]byte, error) {
	var out bytes.Buffer
	if err := p.Decrypt(key, bytes.NewReader(data), env, &out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func TestSealOpen_RoundTrip(t *testing.T) {
	key := testKey(t)
	content := []byte("Hello, World! This is a test message for encryption.")

	sealed, err := Seal(key, content)
	require.NoError(t, err)
	assert.Len(t, sealed.Nonce, NonceSize)
	assert.Len(t, sealed.MAC, MACSize)
	assert.Len(t, sealed.Ciphertext, len(content))

	plain, err := Open(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, content, plain)
}

func TestSealOpen_WrongKey(t *testing.T) {
	sealed, err := Seal(testKey(t), []byte("Secret message"))
	require.NoError(t, err)
	_, err = Open(testKey(t), sealed)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestSeal_InvalidKey(t *testing.T) {
	_, err := Seal(make([]byte, 16), []byte("x"))
	assert.Error(t, err)
}

func TestPipeline_StreamingBoundary(t *testing.T) {
	p := Pipeline{StreamingThreshold: 1000, ChunkSize: 128}
	key := testKey(t)

	below := testutil.Pattern(p.StreamingThreshold - 1)
	data, env := encryptWith(t, p, key, below)
	assert.False(t, env.Chunked(), "threshold-1 uses the monolithic path")
	assert.False(t, bytes.HasPrefix(data, streamMagic))
	plain, err := decryptWith(p, key, data, env)
	require.NoError(t, err)
	assert.Equal(t, below, plain)

	at := testutil.Pattern(p.StreamingThreshold)
	data, env = encryptWith(t, p, key, at)
	assert.True(t, env.Chunked(), "threshold uses the streaming path")
	assert.True(t, bytes.HasPrefix(data, streamMagic))
	plain, err = decryptWith(p, key, data, env)
	require.NoError(t, err)
	assert.Equal(t, at, plain)
}

func TestPipeline_BothPathsSamePlaintext(t *testing.T) {
	key := testKey(t)
	content := testutil.Pattern(5000)
	mono := Pipeline{StreamingThreshold: 10000, ChunkSize: 512}
	chunked := Pipeline{StreamingThreshold: 1, ChunkSize: 512}

	d1, e1 := encryptWith(t, mono, key, content)
	d2, e2 := encryptWith(t, chunked, key, content)
	p1, err := decryptWith(mono, key, d1, e1)
	require.NoError(t, err)
	p2, err := decryptWith(chunked, key, d2, e2)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
}

func TestTamper_Monolithic(t *testing.T) {
	p := Pipeline{StreamingThreshold: 1 << 20, ChunkSize: 1024}
	key := testKey(t)
	data, env := encryptWith(t, p, key, testutil.Pattern(300))

	for _, pos := range []int{0, 150, len(data) - 1} {
		tampered := bytes.Clone(data)
		tampered[pos] ^= 0x01
		_, err := decryptWith(p, key, tampered, env)
		assert.ErrorIs(t, err, ErrAuthentication, "flip at %d", pos)
	}

	badMAC := Envelope{Nonce: env.Nonce, MAC: bytes.Clone(env.MAC)}
	badMAC.MAC[0] ^= 0x80
	_, err := decryptWith(p, key, data, badMAC)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestTamper_EveryChunk(t *testing.T) {
	chunkSize := 64
	key := testKey(t)
	var stream bytes.Buffer
	require.NoError(t, SealStream(key, bytes.NewReader(testutil.Pattern(chunkSize*4+10)), &stream, chunkSize))
	data := stream.Bytes()

	// Flip one ciphertext byte inside each of the five records.
	record := recordHeader + chunkSize
	for chunk := 0; chunk < 5; chunk++ {
		pos := streamHeader + chunk*record + recordHeader + 3
		tampered := bytes.Clone(data)
		tampered[pos] ^= 0x04
		var out bytes.Buffer
		err := OpenStream(key, bytes.NewReader(tampered), &out)
		assert.ErrorIs(t, err, ErrAuthentication, "chunk %d", chunk)
	}
}

func TestTamper_StreamStructure(t *testing.T) {
	chunkSize := 32
	key := testKey(t)
	var stream bytes.Buffer
	require.NoError(t, SealStream(key, bytes.NewReader(testutil.Pattern(chunkSize*3)), &stream, chunkSize))
	data := stream.Bytes()
	record := recordHeader + chunkSize
	body := data[streamHeader:]

	swapped := append(bytes.Clone(data[:streamHeader]), body[record:2*record]...)
	swapped = append(swapped, body[:record]...)
	swapped = append(swapped, body[2*record:]...)

	cleared := bytes.Clone(data)
	last := streamHeader + 2*record
	binary.BigEndian.PutUint32(cleared[last:], binary.BigEndian.Uint32(cleared[last:])&^finalFlag)

	cases := map[string][]byte{
		"truncated final chunk": data[:len(data)-record],
		"truncated mid record":  data[:len(data)-5],
		"reordered chunks":      swapped,
		"appended bytes":        append(bytes.Clone(data), 0x00),
		"final flag cleared":    cleared,
		"missing magic":         body,
	}
	for name, tampered := range cases {
		t.Run(name, func(t *testing.T) {
			var out bytes.Buffer
			err := OpenStream(key, bytes.NewReader(tampered), &out)
			assert.ErrorIs(t, err, ErrAuthentication)
		})
	}
}

func TestTamper_ChunkLength(t *testing.T) {
	chunkSize := 64
	key := testKey(t)
	var stream bytes.Buffer
	require.NoError(t, SealStream(key, bytes.NewReader(testutil.Pattern(chunkSize*3)), &stream, chunkSize))
	data := stream.Bytes()

	huge := bytes.Clone(data)
	binary.BigEndian.PutUint32(huge[streamHeader:], maxChunkLength-1)

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	err := OpenStream(key, bytes.NewReader(huge), io.Discard)
	runtime.ReadMemStats(&after)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(1<<20), "a forged length must not size the buffer")

	// A larger declared chunk size with a matching record length still fails:
	// the chunk size is authenticated.
	grown := bytes.Clone(data)
	binary.BigEndian.PutUint32(grown[len(streamMagic):], uint32(chunkSize*2))
	err = OpenStream(key, bytes.NewReader(grown), io.Discard)
	assert.ErrorIs(t, err, ErrAuthentication)

	zero := bytes.Clone(data)
	binary.BigEndian.PutUint32(zero[len(streamMagic):], 0)
	err = OpenStream(key, bytes.NewReader(zero), io.Discard)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestStream_NoncesDistinct(t *testing.T) {
	chunkSize := 16
	var stream bytes.Buffer
	require.NoError(t, SealStream(testKey(t), bytes.NewReader(testutil.Pattern(chunkSize*8)), &stream, chunkSize))
	data := stream.Bytes()[streamHeader:]

	seen := map[string]bool{}
	for off := 0; off < len(data); off += recordHeader + chunkSize {
		nonce := string(data[off+4 : off+4+NonceSize])
		assert.False(t, seen[nonce])
		seen[nonce] = true
	}
	assert.Len(t, seen, 8)
}

func TestStream_Empty(t *testing.T) {
	key := testKey(t)
	var stream bytes.Buffer
	require.NoError(t, SealStream(key, bytes.NewReader(nil), &stream, 16))
	var out bytes.Buffer
	require.NoError(t, OpenStream(key, &stream, &out))
	assert.Zero(t, out.Len())
}

// Property-based test: any content and chunk size should round-trip
func TestStream_Property_RoundTrip(t *testing.T) {
	key := testKey(t)
	rapid.Check(t, func(t *rapid.T) {
		content := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(t, "content")
		chunkSize := rapid.IntRange(1, 600).Draw(t, "chunkSize")

		var stream bytes.Buffer
		if err := SealStream(key, bytes.NewReader(content), &stream, chunkSize); err != nil {
			t.Fatalf("SealStream failed: %v", err)
		}
		var out bytes.Buffer
		if err := OpenStream(key, &stream, &out); err != nil {
			t.Fatalf("OpenStream failed: %v", err)
		}
		if !bytes.Equal(out.Bytes(), content) {
			t.Fatal("Content mismatch after round-trip")
		}
	})
}

// Property-based test: different encryptions of same content produce different
// ciphertext
func TestSeal_Property_NonDeterministic(t *testing.T) {
	key := testKey(t)
	rapid.Check(t, func(t *rapid.T) {
		content := rapid.SliceOfN(rapid.Byte(), 10, 1000).Draw(t, "content")
		a, err := Seal(key, content)
		if err != nil {
			t.Fatalf("first Seal failed: %v", err)
		}
		b, err := Seal(key, content)
		if err != nil {
			t.Fatalf("second Seal failed: %v", err)
		}
		if bytes.Equal(a.Nonce, b.Nonce) || bytes.Equal(a.Ciphertext, b.Ciphertext) {
			t.Fatal("two seals of the same content must differ")
		}
	})
}

func BenchmarkSealStream_1MB(b *testing.B) {
	key := testKey(b)
	content := testutil.Pattern(1 << 20)
	b.SetBytes(int64(len(content)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = SealStream(key, bytes.NewReader(content), io.Discard, 64<<10)
	}
}
