package embeddings

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// Supported embedding formats
const (
	FormatWord2Vec = "word2vec"
	FormatGloVe    = "glove"
	FormatFastText = "fasttext"
)

var (
	// ErrUnsupportedFormat is returned for format tags other than
	// word2vec, glove and fasttext
	ErrUnsupportedFormat = errors.New("unsupported embeddings format")

	// ErrNotImplemented is returned for GloVe files that are neither .txt nor .zip
	ErrNotImplemented = errors.New("not implemented")
)

// Load reads an embeddings file of the given format
func Load(path, format string) (*Embeddings, error) {
	switch strings.ToLower(format) {
	case FormatWord2Vec:
		return loadWord2Vec(path)
	case FormatGloVe:
		return loadGloVe(path)
	case FormatFastText:
		return loadFastText(path)
	default:
		return nil, fmt.Errorf("%w: %q (expected word2vec, glove or fasttext)", ErrUnsupportedFormat, format)
	}
}

func loadWord2Vec(path string) (*Embeddings, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer file.Close()

	var r io.Reader = file
	name := path
	if strings.HasSuffix(name, ".gz") {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
		name = strings.TrimSuffix(name, ".gz")
	}

	if strings.HasSuffix(name, ".bin") {
		return ReadWord2VecBinary(r)
	}
	return ReadText(r, true)
}

func loadGloVe(path string) (*Embeddings, error) {
	switch filepath.Ext(path) {
	case ".txt":
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open file %s: %w", path, err)
		}
		defer file.Close()
		return ReadText(file, false)

	case ".zip":
		zr, err := zip.OpenReader(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
		}
		defer zr.Close()

		// glove.6B.50d.zip holds glove.6B.50d.txt
		member := strings.TrimSuffix(filepath.Base(path), ".zip") + ".txt"
		for _, f := range zr.File {
			if f.Name != member {
				continue
			}
			rc, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("failed to open %s in %s: %w", member, path, err)
			}
			defer rc.Close()
			return ReadText(rc, false)
		}
		return nil, fmt.Errorf("archive %s has no member %s: %w", path, member, os.ErrNotExist)

	default:
		return nil, fmt.Errorf("glove file %s: %w", path, ErrNotImplemented)
	}
}

func loadFastText(path string) (*Embeddings, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer file.Close()
	return ReadText(file, true)
}

// ReadText parses "word v1 ... vd" rows. When header is true a first line
// of two integers is taken as the "<count> <dim>" header only if count
// matches the rows that follow; otherwise it is a 1-dimensional row.
func ReadText(r io.Reader, header bool) (*Embeddings, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)

	var (
		words   []string
		vectors [][]float64
		dim     int
		line    int

		first              []string
		headCount, headDim int
	)

	for scanner.Scan() {
		line++
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}

		if line == 1 && header && len(parts) == 2 {
			if n, err := strconv.Atoi(parts[0]); err == nil && n >= 0 {
				if d, err := strconv.Atoi(parts[1]); err == nil && d > 0 {
					first, headCount, headDim = parts, n, d
					continue
				}
			}
		}

		if len(parts) < 2 {
			return nil, fmt.Errorf("line %d: expected a word and a vector", line)
		}
		if dim == 0 {
			dim = len(parts) - 1
		}
		if len(parts)-1 != dim {
			return nil, fmt.Errorf("line %d: expected %d values, got %d", line, dim, len(parts)-1)
		}

		vec := make([]float64, dim)
		for d, val := range parts[1:] {
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid value %q: %w", line, val, err)
			}
			vec[d] = f
		}
		words = append(words, parts[0])
		vectors = append(vectors, vec)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading embeddings: %w", err)
	}

	if first != nil {
		switch {
		case headCount == len(words) && (dim == 0 || dim == headDim):
			dim = headDim
		case headCount == len(words):
			return nil, fmt.Errorf("header declares dimension %d, rows have %d", headDim, dim)
		case dim == 0 || dim == 1:
			// not a header: a row of a 1-dimensional file
			dim = 1
			words = append([]string{first[0]}, words...)
			vectors = append([][]float64{{float64(headDim)}}, vectors...)
		default:
			return nil, fmt.Errorf("header declares %d rows, found %d", headCount, len(words))
		}
	}

	return build(words, vectors, dim), nil
}

// maxPrealloc caps the rows reserved up front from a binary header
const maxPrealloc = 1 << 16

// ReadWord2VecBinary parses the word2vec binary layout: a "<count> <dim>"
// header line followed by each word, a space and dim little-endian float32.
func ReadWord2VecBinary(r io.Reader) (*Embeddings, error) {
	br := bufio.NewReader(r)

	head, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("error reading header: %w", err)
	}
	var count, dim int
	if _, err := fmt.Sscanf(strings.TrimSpace(head), "%d %d", &count, &dim); err != nil {
		return nil, fmt.Errorf("invalid header %q: %w", strings.TrimSpace(head), err)
	}

	if count < 0 || dim <= 0 {
		return nil, fmt.Errorf("invalid header %q", strings.TrimSpace(head))
	}

	// the header is untrusted, grow past this as rows actually arrive
	prealloc := min(count, maxPrealloc)
	words := make([]string, 0, prealloc)
	vectors := make([][]float64, 0, prealloc)
	raw := make([]byte, 4*dim)

	for i := 0; i < count; i++ {
		word, err := br.ReadString(' ')
		if err != nil {
			return nil, fmt.Errorf("error reading word %d: %w", i, err)
		}
		word = strings.TrimSpace(word)

		if _, err := io.ReadFull(br, raw); err != nil {
			return nil, fmt.Errorf("error reading vector %d (%s): %w", i, word, err)
		}
		vec := make([]float64, dim)
		for d := 0; d < dim; d++ {
			vec[d] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[4*d:])))
		}

		words = append(words, word)
		vectors = append(vectors, vec)
	}

	return build(words, vectors, dim), nil
}
