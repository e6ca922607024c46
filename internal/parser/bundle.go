package parser

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/zeebo/blake3"
)

// MaxFileSize is the largest bundle file whose content is read. Larger
// files are kept in the bundle as skipped entries so they still show up
// as opaque sections.
const MaxFileSize = 4 << 20

// bundleDomainKey separates bundle digests from every other BLAKE3 use
// in chitinwall.
var bundleDomainKey = [32]byte{
	'c', 'h', 'i', 't', 'i', 'n', 'w', 'a', 'l', 'l', '.', 'b', 'u', 'n', 'd', 'l',
	'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// File is one entry of a skill bundle.
type File struct {
	// Path is slash-separated and relative to the bundle root.
	Path string
	Data []byte

	// Skipped is non-empty when the content was not read (too large,
	// not a regular file); it says why.
	Skipped string
}

// Bundle is the raw content of one skill: its files in path order. The
// canonical byte stream of a bundle is the file contents laid end to
// end in that order; section spans are offsets into this stream.
type Bundle struct {
	Name    string
	files   []File
	offsets []int
	size    int
}

// NewBundle sorts files by path and builds a bundle. Paths are cleaned;
// duplicates and paths escaping the root are rejected.
func NewBundle(name string, files []File) (*Bundle, error) {
	sorted := make([]File, 0, len(files))
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		p := path.Clean(strings.ReplaceAll(f.Path, "\\", "/"))
		p = strings.TrimPrefix(p, "/")
		if p == "." || p == ".." || strings.HasPrefix(p, "../") {
			return nil, fmt.Errorf("bundle %s: invalid file path %q", name, f.Path)
		}
		if seen[p] {
			return nil, fmt.Errorf("bundle %s: duplicate file path %q", name, p)
		}
		seen[p] = true
		sorted = append(sorted, File{Path: p, Data: f.Data, Skipped: f.Skipped})
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	b := &Bundle{Name: name, files: sorted, offsets: make([]int, len(sorted))}
	for i, f := range sorted {
		b.offsets[i] = b.size
		b.size += len(f.Data)
	}
	return b, nil
}

// Files returns the bundle files in canonical order.
func (b *Bundle) Files() []File { return b.files }

// Offset returns the stream offset where file i starts.
func (b *Bundle) Offset(i int) int { return b.offsets[i] }

// Size is the length of the canonical stream.
func (b *Bundle) Size() int { return b.size }

// Digest is the hex BLAKE3 keyed hash of the canonical encoding: for
// each file, its path, a zero byte, the 8-byte big-endian length, the
// skip reason, a zero byte and the content. Equal digests mean equal
// parse input.
func (b *Bundle) Digest() string {
	h, err := blake3.NewKeyed(bundleDomainKey[:])
	if err != nil {
		panic("parser: blake3 keyed hasher: " + err.Error())
	}
	var length [8]byte
	for _, f := range b.files {
		h.Write([]byte(f.Path))
		h.Write([]byte{0})
		binary.BigEndian.PutUint64(length[:], uint64(len(f.Data)))
		h.Write(length[:])
		h.Write([]byte(f.Skipped))
		h.Write([]byte{0})
		h.Write(f.Data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ReadDir loads a skill directory. Symlinks are recorded as skipped
// rather than followed, and VCS metadata directories are ignored.
func ReadDir(root string) (*Bundle, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("reading skill %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("reading skill %s: not a directory", root)
	}

	var files []File
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			switch d.Name() {
			case ".git", ".hg", ".svn":
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if !d.Type().IsRegular() {
			files = append(files, File{Path: rel, Skipped: "not a regular file"})
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if fi.Size() > MaxFileSize {
			files = append(files, File{Path: rel, Skipped: fmt.Sprintf("size %d exceeds limit", fi.Size())})
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files = append(files, File{Path: rel, Data: data})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading skill %s: %w", root, err)
	}
	return NewBundle(filepath.Base(root), files)
}

// ReadArchive loads a zipped skill bundle.
func ReadArchive(name string, data []byte) (*Bundle, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening skill archive %s: %w", name, err)
	}

	var files []File
	for _, entry := range zr.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		if !entry.Mode().IsRegular() {
			files = append(files, File{Path: entry.Name, Skipped: "not a regular file"})
			continue
		}
		if entry.UncompressedSize64 > MaxFileSize {
			files = append(files, File{Path: entry.Name, Skipped: fmt.Sprintf("size %d exceeds limit", entry.UncompressedSize64)})
			continue
		}
		content, err := readEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("reading %s from archive %s: %w", entry.Name, name, err)
		}
		files = append(files, File{Path: entry.Name, Data: content})
	}
	return NewBundle(name, files)
}

func readEntry(entry *zip.File) ([]byte, error) {
	rc, err := entry.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	content, err := io.ReadAll(io.LimitReader(rc, MaxFileSize+1))
	if err != nil {
		return nil, err
	}
	if len(content) > MaxFileSize {
		return nil, fmt.Errorf("decompressed size exceeds %d bytes", MaxFileSize)
	}
	return content, nil
}

// Load reads a skill from path: a directory, a .zip/.skill archive, or a
// single file treated as a one-file bundle.
func Load(p string) (*Bundle, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("reading skill %s: %w", p, err)
	}
	if info.IsDir() {
		return ReadDir(p)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("reading skill %s: size %d exceeds limit", p, info.Size())
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading skill %s: %w", p, err)
	}
	switch strings.ToLower(filepath.Ext(p)) {
	case ".zip", ".skill":
		return ReadArchive(filepath.Base(p), data)
	}
	return NewBundle(filepath.Base(p), []File{{Path: filepath.Base(p), Data: data}})
}
