package integrity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("integrity: CBOR encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("integrity: CBOR decoder: " + err.Error())
	}
}

// Record is the signed baseline for one protected path.
type Record struct {
	Path      string    `json:"path"`
	Digest    string    `json:"digest"`
	Timestamp time.Time `json:"timestamp"`
	KeyID     string    `json:"key_id"`
	Signature []byte    `json:"signature"`
}

type signedPayload struct {
	Path      string `cbor:"1,keyasint"`
	Digest    string `cbor:"2,keyasint"`
	Timestamp int64  `cbor:"3,keyasint"`
}

// Payload returns the bytes the signature covers.
func (r Record) Payload() ([]byte, error) {
	return encMode.Marshal(signedPayload{Path: r.Path, Digest: r.Digest, Timestamp: r.Timestamp.Unix()})
}

// ManifestEntry is one baselined path in a manifest.
type ManifestEntry struct {
	Path   string `cbor:"1,keyasint" json:"path"`
	Digest string `cbor:"2,keyasint" json:"digest"`
}

// Manifest is the signed list of every baselined path. Seq grows with
// each change to the list, so a store that lost records or was replaced
// by an older copy is caught against any later manifest.
type Manifest struct {
	Seq       uint64          `json:"seq"`
	Entries   []ManifestEntry `json:"entries"`
	KeyID     string          `json:"key_id"`
	Signature []byte          `json:"signature"`
}

const manifestContext = "chitinwall-baselines-v1"

type signedManifest struct {
	Context string          `cbor:"0,keyasint"`
	Seq     uint64          `cbor:"1,keyasint"`
	Entries []ManifestEntry `cbor:"2,keyasint"`
}

// Payload returns the bytes the manifest signature covers.
func (m *Manifest) Payload() ([]byte, error) {
	return encMode.Marshal(signedManifest{Context: manifestContext, Seq: m.Seq, Entries: m.Entries})
}

// Lookup returns the manifest entry for path.
func (m *Manifest) Lookup(path string) (ManifestEntry, bool) {
	if m == nil {
		return ManifestEntry{}, false
	}
	i := sort.Search(len(m.Entries), func(i int) bool { return m.Entries[i].Path >= path })
	if i < len(m.Entries) && m.Entries[i].Path == path {
		return m.Entries[i], true
	}
	return ManifestEntry{}, false
}

func manifestEntries(records map[string]Record) []ManifestEntry {
	entries := make([]ManifestEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, ManifestEntry{Path: r.Path, Digest: r.Digest})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries
}

type storedRecord struct {
	Path      string `cbor:"1,keyasint"`
	Digest    string `cbor:"2,keyasint"`
	Timestamp int64  `cbor:"3,keyasint"`
	KeyID     string `cbor:"4,keyasint"`
	Signature []byte `cbor:"5,keyasint"`
}

type storedManifest struct {
	Seq       uint64          `cbor:"1,keyasint"`
	Entries   []ManifestEntry `cbor:"2,keyasint"`
	KeyID     string          `cbor:"3,keyasint"`
	Signature []byte          `cbor:"4,keyasint"`
}

func (sm *storedManifest) manifest() *Manifest {
	if sm == nil {
		return nil
	}
	return &Manifest{Seq: sm.Seq, Entries: sm.Entries, KeyID: sm.KeyID, Signature: sm.Signature}
}

func toStored(m *Manifest) *storedManifest {
	if m == nil {
		return nil
	}
	return &storedManifest{Seq: m.Seq, Entries: m.Entries, KeyID: m.KeyID, Signature: m.Signature}
}

type storeFile struct {
	Version  int             `cbor:"1,keyasint"`
	Records  []storedRecord  `cbor:"2,keyasint"`
	Manifest *storedManifest `cbor:"3,keyasint,omitempty"`
}

const storeVersion = 2

// StoreFile is the baseline file name inside the state directory.
const StoreFile = "baselines.cbor"

// Store persists baseline records and their manifest in a single CBOR
// file. It does not check signatures; that is the verifier's job on
// every read.
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// Load returns every record and the stored manifest. A missing store
// file means no records and no manifest.
func (s *Store) Load() (map[string]Record, *Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// All returns every record sorted by path.
func (s *Store) All() ([]Record, error) {
	records, _, err := s.Load()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(records))
	for _, r := range records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Put inserts or replaces the record for r.Path and leaves the manifest
// as it is.
func (s *Store) Put(r Record) error {
	return s.Update(func(records map[string]Record, m *Manifest) (*Manifest, error) {
		records[r.Path] = r
		return m, nil
	})
}

// Update runs fn on the current contents and writes the records and the
// manifest it returns. No other Update or Load runs in between.
func (s *Store) Update(fn func(records map[string]Record, m *Manifest) (*Manifest, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, m, err := s.read()
	if err != nil {
		return err
	}
	m, err = fn(records, m)
	if err != nil {
		return err
	}
	return s.write(records, m)
}

func (s *Store) read() (map[string]Record, *Manifest, error) {
	records := make(map[string]Record)
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return records, nil, nil
		}
		return nil, nil, fmt.Errorf("reading baseline store: %w", err)
	}
	var file storeFile
	if err := decMode.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("decoding baseline store: %w", err)
	}
	if file.Version != storeVersion {
		return nil, nil, fmt.Errorf("baseline store version %d, expected %d", file.Version, storeVersion)
	}
	for _, sr := range file.Records {
		records[sr.Path] = Record{
			Path:      sr.Path,
			Digest:    sr.Digest,
			Timestamp: time.Unix(sr.Timestamp, 0).UTC(),
			KeyID:     sr.KeyID,
			Signature: sr.Signature,
		}
	}
	return records, file.Manifest.manifest(), nil
}

func (s *Store) write(records map[string]Record, m *Manifest) error {
	file := storeFile{Version: storeVersion, Manifest: toStored(m)}
	for _, r := range records {
		file.Records = append(file.Records, storedRecord{
			Path:      r.Path,
			Digest:    r.Digest,
			Timestamp: r.Timestamp.Unix(),
			KeyID:     r.KeyID,
			Signature: r.Signature,
		})
	}
	sort.Slice(file.Records, func(i, j int) bool { return file.Records[i].Path < file.Records[j].Path })
	data, err := encMode.Marshal(file)
	if err != nil {
		return fmt.Errorf("encoding baseline store: %w", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("writing baseline store: %w", err)
	}
	return nil
}

// Witness keeps a copy of the latest manifest outside the store, so the
// loss of the store file alone does not erase the baseline list.
type Witness struct {
	path string
	mu   sync.Mutex
}

func NewWitness(path string) *Witness {
	return &Witness{path: path}
}

func (w *Witness) Path() string { return w.path }

// Load returns the witnessed manifest, or nil when there is none.
func (w *Witness) Load() (*Manifest, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, err := os.ReadFile(w.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading baseline witness: %w", err)
	}
	var sm storedManifest
	if err := decMode.Unmarshal(data, &sm); err != nil {
		return nil, fmt.Errorf("decoding baseline witness: %w", err)
	}
	return sm.manifest(), nil
}

// Save replaces the witnessed manifest.
func (w *Witness) Save(m *Manifest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, err := encMode.Marshal(toStored(m))
	if err != nil {
		return fmt.Errorf("encoding baseline witness: %w", err)
	}
	if err := writeFileAtomic(w.path, data); err != nil {
		return fmt.Errorf("writing baseline witness: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
