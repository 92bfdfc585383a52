package embeddings

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/cnclabs/kbreader/pkg/vocab"
)

const gloveText = "paris 0.1 0.2 0.3\nfrance 0.4 0.5 0.6\n"

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func word2vecBinary(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("2 2\n")
	for _, row := range []struct {
		word string
		vec  []float32
	}{
		{"berlin", []float32{1, 2}},
		{"germany", []float32{-1, 0.5}},
	} {
		buf.WriteString(row.word + " ")
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, row.vec))
		buf.WriteString("\n")
	}
	return buf.Bytes()
}

func TestLoad_GloVeText(t *testing.T) {
	path := writeFile(t, t.TempDir(), "vectors.txt", []byte(gloveText))

	emb, err := Load(path, "glove")
	require.NoError(t, err)

	rows, dim := emb.Shape()
	assert.Equal(t, 3, rows, "two words plus the unknown row")
	assert.Equal(t, 3, dim)

	vec, ok := emb.Get("france")
	require.True(t, ok)
	assert.InDeltaSlice(t, []float64{0.4, 0.5, 0.6}, vec, 1e-9)
}

func TestLoad_GloVeZip(t *testing.T) {
	dir := t.TempDir()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("glove.tiny.3d.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte(gloveText))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	path := writeFile(t, dir, "glove.tiny.3d.zip", buf.Bytes())

	emb, err := Load(path, "GloVe")
	require.NoError(t, err)
	vec, ok := emb.Get("paris")
	require.True(t, ok)
	assert.InDeltaSlice(t, []float64{0.1, 0.2, 0.3}, vec, 1e-9)
}

func TestLoad_GloVeZipMissingMember(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("other.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte(gloveText))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	path := writeFile(t, t.TempDir(), "glove.zip", buf.Bytes())

	_, err = Load(path, "glove")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_GloVeUnknownExtension(t *testing.T) {
	path := writeFile(t, t.TempDir(), "vectors.csv", []byte(gloveText))
	_, err := Load(path, "glove")
	assert.ErrorIs(t, err, ErrNotImplemented)
}

func TestLoad_UnsupportedFormat(t *testing.T) {
	_, err := Load("whatever.txt", "elmo")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestLoad_Word2VecBinary(t *testing.T) {
	path := writeFile(t, t.TempDir(), "vectors.bin", word2vecBinary(t))

	emb, err := Load(path, "word2vec")
	require.NoError(t, err)
	assert.Equal(t, 2, emb.Dim())

	vec, ok := emb.Get("germany")
	require.True(t, ok)
	assert.InDeltaSlice(t, []float64{-1, 0.5}, vec, 1e-6)
}

func TestLoad_Word2VecBinaryGzip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(word2vecBinary(t))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	path := writeFile(t, t.TempDir(), "vectors.bin.gz", buf.Bytes())

	emb, err := Load(path, "word2vec")
	require.NoError(t, err)
	vec, ok := emb.Get("berlin")
	require.True(t, ok)
	assert.InDeltaSlice(t, []float64{1, 2}, vec, 1e-6)
}

func TestLoad_FastTextWithHeader(t *testing.T) {
	path := writeFile(t, t.TempDir(), "wiki.vec", []byte("2 3\n"+gloveText))

	emb, err := Load(path, "fasttext")
	require.NoError(t, err)
	rows, dim := emb.Shape()
	assert.Equal(t, 3, rows)
	assert.Equal(t, 3, dim)
}

func TestReadText_HeaderOrOneDimensionalRow(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		rows    int
		dim     int
		lookup  string
		want    []float64
		wantErr bool
	}{
		{name: "header", input: "1 2\na 1 2\n", rows: 2, dim: 2, lookup: "a", want: []float64{1, 2}},
		{name: "header only", input: "0 3\n", rows: 1, dim: 3},
		{name: "one dimensional rows", input: "7 12\n8 13\n", rows: 3, dim: 1, lookup: "7", want: []float64{12}},
		{name: "single one dimensional row", input: "7 12\n", rows: 2, dim: 1, lookup: "7", want: []float64{12}},
		{name: "count mismatch", input: "5 2\na 1 2\n", wantErr: true},
		{name: "dimension mismatch", input: "1 3\na 1 2\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emb, err := ReadText(strings.NewReader(tt.input), true)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			rows, dim := emb.Shape()
			assert.Equal(t, tt.rows, rows)
			assert.Equal(t, tt.dim, dim)
			if tt.lookup != "" {
				vec, ok := emb.Get(tt.lookup)
				require.True(t, ok)
				assert.Equal(t, tt.want, vec)
			}
		})
	}
}

func TestReadWord2VecBinary_HugeHeaderCount(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("1000000000000 2\npeace ")
	for _, x := range []float32{3, 4} {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, x))
	}

	_, err := ReadWord2VecBinary(&buf)
	assert.Error(t, err)

	_, err = ReadWord2VecBinary(strings.NewReader("2 -1\n"))
	assert.Error(t, err)
}

func TestReadText_DimensionMismatch(t *testing.T) {
	_, err := ReadText(strings.NewReader("a 1 2\nb 1\n"), false)
	assert.Error(t, err)
}

func TestGet_MissingAndUnset(t *testing.T) {
	emb, err := ReadText(strings.NewReader(gloveText), false)
	require.NoError(t, err)

	vec, ok := emb.Get("london")
	assert.False(t, ok)
	assert.Nil(t, vec)

	unset := &Embeddings{Matrix: mat.NewDense(1, 1, []float64{math.Pi})}
	vec, ok = unset.Get("")
	assert.False(t, ok)
	assert.Nil(t, vec)

	var none *Embeddings
	_, ok = none.Get("paris")
	assert.False(t, ok)
}

func TestGet_UnknownTokenOnlyWhenInFile(t *testing.T) {
	emb, err := ReadText(strings.NewReader("r1 1 2 3\n"), false)
	require.NoError(t, err)
	vec, ok := emb.Get(vocab.UnknownToken)
	assert.False(t, ok)
	assert.Nil(t, vec)

	emb, err = ReadText(strings.NewReader("r1 1 2 3\n<UNK> 4 5 6\n"), false)
	require.NoError(t, err)
	rows, _ := emb.Shape()
	assert.Equal(t, 2, rows)
	vec, ok = emb.Get(vocab.UnknownToken)
	require.True(t, ok)
	assert.Equal(t, []float64{4, 5, 6}, vec)
	vec, ok = emb.Get("r1")
	require.True(t, ok)
	assert.Equal(t, []float64{1, 2, 3}, vec)

	trained := New(vocab.New(), mat.NewDense(1, 2, []float64{0.5, -0.5}))
	vec, ok = trained.Get(vocab.UnknownToken)
	require.True(t, ok)
	assert.Equal(t, []float64{0.5, -0.5}, vec)
}

func TestGet_ReturnsCopy(t *testing.T) {
	emb, err := ReadText(strings.NewReader(gloveText), false)
	require.NoError(t, err)

	vec, _ := emb.Get("paris")
	vec[0] = 100
	again, _ := emb.Get("paris")
	assert.InDelta(t, 0.1, again[0], 1e-9)
}

func TestSave_TextFormat(t *testing.T) {
	v := vocab.New()
	v.Get("a")
	m := mat.NewDense(2, 2, []float64{0, 0, 1.5, -2})

	var buf bytes.Buffer
	require.NoError(t, New(v, m).Save(&buf))
	assert.Equal(t, "1 2\na 1.500000 -2.000000\n", buf.String())

	loaded, err := ReadText(&buf, true)
	require.NoError(t, err)
	vec, ok := loaded.Get("a")
	require.True(t, ok)
	assert.InDeltaSlice(t, []float64{1.5, -2}, vec, 1e-9)
}
