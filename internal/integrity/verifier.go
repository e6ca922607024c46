package integrity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Status is the outcome of a check.
type Status string

const (
	StatusUnchanged   Status = "unchanged"
	StatusDrifted     Status = "drifted"
	StatusUnbaselined Status = "unbaselined"
)

// Reasons a path drifted.
const (
	ReasonContentChanged = "content changed"
	ReasonFileRemoved    = "protected file removed"
	ReasonStoreBehind    = "baseline store removed or rolled back"
)

// CheckResult describes one protected path. OldDigest is the baseline;
// NewDigest is empty when the file no longer exists.
type CheckResult struct {
	Path        string    `json:"path"`
	Status      Status    `json:"status"`
	OldDigest   string    `json:"old_digest,omitempty"`
	NewDigest   string    `json:"new_digest,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	BaselinedAt time.Time `json:"baselined_at,omitzero"`
	BaselinedBy string    `json:"baselined_by,omitempty"`
}

func (r CheckResult) Drifted() bool { return r.Status == StatusDrifted }

// Options tunes a Verifier. Witness, when set, mirrors the latest
// manifest so a deleted store is still detected after a restart.
type Options struct {
	Now     func() time.Time
	Logger  *slog.Logger
	Witness *Witness
}

// Verifier checks protected files against signed baselines. Checks of
// the same path run concurrently; accepting a baseline excludes them.
//
// Besides the per-record signatures, the store carries a signed manifest
// of all baselined paths. The verifier remembers the newest manifest it
// has verified, from the store, the witness or an earlier call, and
// reports every path of it as drifted while the store lags behind.
type Verifier struct {
	store   *Store
	anchor  *TrustAnchor
	witness *Witness
	now     func() time.Time
	log     *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.RWMutex

	latestMu sync.Mutex
	latest   *Manifest
}

func NewVerifier(store *Store, anchor *TrustAnchor, opts Options) *Verifier {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Verifier{
		store:   store,
		anchor:  anchor,
		witness: opts.Witness,
		now:     opts.Now,
		log:     opts.Logger,
		locks:   make(map[string]*sync.RWMutex),
	}
}

func (v *Verifier) lock(path string) *sync.RWMutex {
	v.mu.Lock()
	defer v.mu.Unlock()
	l, ok := v.locks[path]
	if !ok {
		l = &sync.RWMutex{}
		v.locks[path] = l
	}
	return l
}

func canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	return filepath.Clean(abs), nil
}

// Check recomputes the digest of path and compares it with the signed
// baseline. Drift is a result, not an error.
func (v *Verifier) Check(path string) (CheckResult, error) {
	path, err := canonical(path)
	if err != nil {
		return CheckResult{}, err
	}
	l := v.lock(path)
	l.RLock()
	defer l.RUnlock()

	records, trusted, behind, err := v.snapshot()
	if err != nil {
		var ierr *IntegrityError
		if errors.As(err, &ierr) && ierr.Path == "" {
			ierr.Path = path
		}
		return CheckResult{}, err
	}

	current, err := DigestFile(path)
	missing := errors.Is(err, os.ErrNotExist)
	if err != nil && !missing {
		return CheckResult{}, fmt.Errorf("reading protected file: %w", err)
	}

	if behind {
		entry, ok := trusted.Lookup(path)
		if !ok {
			return CheckResult{Path: path, Status: StatusUnbaselined, NewDigest: current}, nil
		}
		v.log.Error("baseline store is behind its last signed manifest", "path", path, "store", v.store.Path(), "seq", trusted.Seq)
		return CheckResult{
			Path:        path,
			Status:      StatusDrifted,
			OldDigest:   entry.Digest,
			NewDigest:   current,
			Reason:      ReasonStoreBehind,
			BaselinedBy: trusted.KeyID,
		}, nil
	}

	rec, ok := records[path]
	if !ok {
		return CheckResult{Path: path, Status: StatusUnbaselined, NewDigest: current}, nil
	}
	if err := v.verify(rec); err != nil {
		return CheckResult{}, err
	}

	result := CheckResult{
		Path:        path,
		Status:      StatusUnchanged,
		OldDigest:   rec.Digest,
		NewDigest:   current,
		BaselinedAt: rec.Timestamp,
		BaselinedBy: rec.KeyID,
	}
	switch {
	case missing:
		result.Status, result.Reason = StatusDrifted, ReasonFileRemoved
	case current != rec.Digest:
		result.Status, result.Reason = StatusDrifted, ReasonContentChanged
	}
	if result.Drifted() {
		v.log.Warn("protected file drifted", "path", path, "baseline", rec.Digest, "current", current)
	}
	return result, nil
}

func (v *Verifier) verify(rec Record) error {
	payload, err := rec.Payload()
	if err != nil {
		return &IntegrityError{Kind: SignatureInvalid, Path: rec.Path, Err: err}
	}
	if !v.anchor.VerifyMessage(rec.KeyID, payload, rec.Signature) {
		return &IntegrityError{Kind: SignatureInvalid, Path: rec.Path, Err: errors.New("baseline signature does not verify against the trust anchor")}
	}
	return nil
}

func (v *Verifier) verifyManifest(m *Manifest) error {
	payload, err := m.Payload()
	if err != nil {
		return &IntegrityError{Kind: SignatureInvalid, Err: err}
	}
	if !v.anchor.VerifyMessage(m.KeyID, payload, m.Signature) {
		return &IntegrityError{Kind: SignatureInvalid, Err: errors.New("baseline manifest signature does not verify against the trust anchor")}
	}
	return nil
}

// verifyStore checks that the stored records are exactly the paths and
// digests the stored manifest lists.
func (v *Verifier) verifyStore(records map[string]Record, m *Manifest) error {
	if m == nil {
		if len(records) == 0 {
			return nil
		}
		return &IntegrityError{Kind: SignatureInvalid, Err: errors.New("baseline records without a signed manifest")}
	}
	if err := v.verifyManifest(m); err != nil {
		return err
	}
	for _, e := range m.Entries {
		if r, ok := records[e.Path]; !ok || r.Digest != e.Digest {
			return &IntegrityError{Kind: SignatureInvalid, Path: e.Path, Err: errors.New("baseline store does not match its signed manifest")}
		}
	}
	if len(records) != len(m.Entries) {
		return &IntegrityError{Kind: SignatureInvalid, Err: errors.New("baseline store holds records its manifest does not list")}
	}
	return nil
}

// snapshot loads and verifies the store and compares it with the newest
// trusted manifest. The store is written before a newer manifest is
// remembered, so a store that looks behind is read once more before it is
// reported as behind.
func (v *Verifier) snapshot() (map[string]Record, *Manifest, bool, error) {
	var (
		records map[string]Record
		trusted *Manifest
		behind  bool
	)
	for attempt := 0; attempt < 2; attempt++ {
		var stored *Manifest
		var err error
		records, stored, err = v.store.Load()
		if err != nil {
			return nil, nil, false, &IntegrityError{Kind: StorageUnreadable, Err: err}
		}
		if err := v.verifyStore(records, stored); err != nil {
			return nil, nil, false, err
		}
		if trusted, behind = v.trusted(stored); !behind {
			break
		}
	}
	return records, trusted, behind, nil
}

// trusted returns the newest verified manifest known from the store, the
// witness or memory, and whether the store's own manifest is older. The
// witness is brought up to date when the store is newer.
func (v *Verifier) trusted(stored *Manifest) (*Manifest, bool) {
	v.latestMu.Lock()
	defer v.latestMu.Unlock()

	best := stored
	newer := func(m *Manifest) {
		if m != nil && (best == nil || m.Seq > best.Seq) {
			best = m
		}
	}
	newer(v.latest)
	var witnessed *Manifest
	if v.witness != nil {
		m, err := v.witness.Load()
		switch {
		case err != nil:
			v.log.Warn("baseline witness unreadable", "path", v.witness.Path(), "error", err)
		case m != nil:
			if err := v.verifyManifest(m); err != nil {
				v.log.Warn("baseline witness does not verify, ignoring it", "path", v.witness.Path(), "error", err)
			} else {
				witnessed = m
				newer(m)
			}
		}
	}

	v.latest = best
	behind := best != nil && (stored == nil || stored.Seq < best.Seq)
	if v.witness != nil && best != nil && best == stored && (witnessed == nil || witnessed.Seq < stored.Seq) {
		if err := v.witness.Save(stored); err != nil {
			v.log.Warn("updating baseline witness failed", "path", v.witness.Path(), "error", err)
		}
	}
	return best, behind
}

// AcceptBaseline records the current content of path as its baseline,
// signed by cred. It is the only way a baseline changes. Accepting while
// the store is behind its last manifest rebuilds the manifest from the
// records the store still holds; paths only the old manifest listed
// become unbaselined.
func (v *Verifier) AcceptBaseline(path string, cred *Credential) (Record, error) {
	path, err := canonical(path)
	if err != nil {
		return Record{}, err
	}
	if cred == nil {
		return Record{}, &IntegrityError{Kind: InvalidCredential, Path: path, Err: errors.New("no credential presented")}
	}
	if !v.anchor.Contains(cred.Public()) {
		return Record{}, &IntegrityError{Kind: InvalidCredential, Path: path, Err: fmt.Errorf("key %s is not in the trust anchor", cred.KeyID())}
	}

	l := v.lock(path)
	l.Lock()
	defer l.Unlock()

	digest, err := DigestFile(path)
	if err != nil {
		return Record{}, fmt.Errorf("reading protected file: %w", err)
	}
	rec := Record{
		Path:      path,
		Digest:    digest,
		Timestamp: v.now().UTC().Truncate(time.Second),
		KeyID:     cred.KeyID(),
	}
	payload, err := rec.Payload()
	if err != nil {
		return Record{}, fmt.Errorf("encoding baseline: %w", err)
	}
	rec.Signature = ed25519.Sign(cred.key, payload)
	if err := v.verify(rec); err != nil {
		return Record{}, err
	}

	var written *Manifest
	err = v.store.Update(func(records map[string]Record, stored *Manifest) (*Manifest, error) {
		if err := v.verifyStore(records, stored); err != nil {
			return nil, err
		}
		trusted, behind := v.trusted(stored)
		if behind {
			var dropped []string
			for _, e := range trusted.Entries {
				if _, ok := records[e.Path]; !ok && e.Path != path {
					dropped = append(dropped, e.Path)
				}
			}
			v.log.Warn("rebuilding baseline manifest from a store that is behind", "seq", trusted.Seq, "dropped", dropped)
		}
		prev, had := records[path]
		records[path] = rec
		if stored != nil && !behind && had && prev.Digest == rec.Digest {
			written = stored
			return stored, nil
		}
		m := &Manifest{Entries: manifestEntries(records), KeyID: cred.KeyID()}
		if trusted != nil {
			m.Seq = trusted.Seq
		}
		m.Seq++
		payload, err := m.Payload()
		if err != nil {
			return nil, err
		}
		m.Signature = ed25519.Sign(cred.key, payload)
		written = m
		return m, nil
	})
	if err != nil {
		var ierr *IntegrityError
		if errors.As(err, &ierr) {
			return Record{}, err
		}
		return Record{}, &IntegrityError{Kind: StorageUnreadable, Path: path, Err: err}
	}
	v.remember(written)
	v.log.Info("baseline accepted", "path", path, "digest", digest, "key", rec.KeyID, "seq", written.Seq)
	return rec, nil
}

func (v *Verifier) remember(m *Manifest) {
	v.latestMu.Lock()
	defer v.latestMu.Unlock()
	if v.latest != nil && m.Seq < v.latest.Seq {
		return
	}
	v.latest = m
	if v.witness != nil {
		if err := v.witness.Save(m); err != nil {
			v.log.Warn("updating baseline witness failed", "path", v.witness.Path(), "error", err)
		}
	}
}

// Baselines returns every stored record, each verified. A store behind
// its last manifest is reported as SignatureInvalid.
func (v *Verifier) Baselines() ([]Record, error) {
	records, trusted, behind, err := v.snapshot()
	if err != nil {
		return nil, err
	}
	if behind {
		return nil, &IntegrityError{Kind: SignatureInvalid, Err: fmt.Errorf("baseline store is behind manifest %d", trusted.Seq)}
	}
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if err := v.verify(r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// BaselinedPaths lists the paths with a stored record or an entry in the
// newest trusted manifest. Records are not verified here; Check reports
// any forged record per path.
func (v *Verifier) BaselinedPaths() ([]string, error) {
	records, stored, err := v.store.Load()
	if err != nil {
		return nil, &IntegrityError{Kind: StorageUnreadable, Err: err}
	}
	if v.verifyStore(records, stored) != nil {
		stored = nil
	}
	seen := make(map[string]bool, len(records))
	for p := range records {
		seen[p] = true
	}
	if trusted, _ := v.trusted(stored); trusted != nil {
		for _, e := range trusted.Entries {
			seen[e.Path] = true
		}
	}
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// Anchor returns the trust anchor the verifier checks against.
func (v *Verifier) Anchor() *TrustAnchor { return v.anchor }
