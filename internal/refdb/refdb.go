// Package refdb implements namespaced reference storage with atomic
// compare-and-swap multi-updates, backed by a bare git repository (spec
// §2 "RefDB", §3 "Ref layout").
package refdb

import (
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/radicle-dev/radicle-link-sub006/internal/urn"
)

// RefDB is a namespaced view over a single bare git repository that hosts
// every identity's refs under `refs/namespaces/<id>/…`.
type RefDB struct {
	repo *git.Repository
}

// Open opens (or, if absent, initialises) a bare repository at path as the
// backing store for every namespace.
func Open(path string) (*RefDB, error) {
	repo, err := git.PlainOpen(path)
	if err == git.ErrRepositoryNotExists {
		repo, err = git.PlainInit(path, true)
	}
	if err != nil {
		return nil, fmt.Errorf("refdb: open %s: %w", path, err)
	}
	return &RefDB{repo: repo}, nil
}

// Repository exposes the underlying git repository for ODB access.
func (d *RefDB) Repository() *git.Repository { return d.repo }

// NamespacePrefix returns `refs/namespaces/<id>/` for u.
func NamespacePrefix(u urn.URN) string {
	return "refs/namespaces/" + u.NamespaceID() + "/"
}

// ValidateName rejects reference names that are unsafe to store or parse:
// missing the `refs/` prefix, containing a `..` path-traversal segment, or
// containing control characters (spec §8 boundary behavior).
func ValidateName(name string) error {
	if !strings.HasPrefix(name, "refs/") {
		return fmt.Errorf("refdb: refname %q missing refs/ prefix", name)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("refdb: refname %q contains '..'", name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("refdb: refname %q contains a control character", name)
		}
	}
	return nil
}

// Namespaced returns the fully-qualified reference name for ref (e.g.
// "refs/rad/id") scoped under u's namespace.
func Namespaced(u urn.URN, ref string) (plumbing.ReferenceName, error) {
	if err := ValidateName(ref); err != nil {
		return "", err
	}
	return plumbing.ReferenceName(NamespacePrefix(u) + ref), nil
}

// Get resolves a namespaced reference to its current object id. It returns
// plumbing.ZeroHash, nil if the reference does not exist.
func (d *RefDB) Get(u urn.URN, ref string) (plumbing.Hash, error) {
	name, err := Namespaced(u, ref)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	r, err := d.repo.Storer.Reference(name)
	if err == plumbing.ErrReferenceNotFound {
		return plumbing.ZeroHash, nil
	}
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("refdb: get %s: %w", name, err)
	}
	return r.Hash(), nil
}

// List returns every reference under u's namespace whose name (relative to
// the namespace root) has the given prefix. An empty prefix lists all of
// them.
func (d *RefDB) List(u urn.URN, prefix string) (map[string]plumbing.Hash, error) {
	base := NamespacePrefix(u)
	iter, err := d.repo.Storer.IterReferences()
	if err != nil {
		return nil, fmt.Errorf("refdb: iter: %w", err)
	}
	defer iter.Close()

	out := make(map[string]plumbing.Hash)
	err = iter.ForEach(func(r *plumbing.Reference) error {
		name := string(r.Name())
		if !strings.HasPrefix(name, base) {
			return nil
		}
		rel := strings.TrimPrefix(name, base)
		if prefix != "" && !strings.HasPrefix(rel, prefix) {
			return nil
		}
		if r.Type() == plumbing.HashReference {
			out[rel] = r.Hash()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("refdb: list %s%s: %w", base, prefix, err)
	}
	return out, nil
}

// Update is one entry in a compare-and-swap multi-update: ref (relative to
// the namespace root) moves from Old to New. Old == plumbing.ZeroHash means
// "must not currently exist"; New == plumbing.ZeroHash means "delete".
type Update struct {
	Ref string
	Old plumbing.Hash
	New plumbing.Hash
}

// ApplyUpdates performs every update in updates as one batch: each ref's
// current value is checked against Old before any mutation is made. An
// update of an existing ref is applied via storer.CheckAndSetReference
// against the value read in the check; a creation is set without a second
// compare and a deletion goes through RemoveReference. If a mutation
// fails, the ones already applied are rolled back best-effort from their
// recorded pre-images. Callers are not serialised: peer.New hands RefDB to
// the fetcher and git server directly, not through a storage.Handle.
func (d *RefDB) ApplyUpdates(u urn.URN, updates []Update) error {
	type resolved struct {
		name plumbing.ReferenceName
		old  *plumbing.Reference
		new  *plumbing.Reference
		del  bool
	}
	plan := make([]resolved, 0, len(updates))

	for _, up := range updates {
		name, err := Namespaced(u, up.Ref)
		if err != nil {
			return err
		}
		current, err := d.repo.Storer.Reference(name)
		if err != nil && err != plumbing.ErrReferenceNotFound {
			return fmt.Errorf("refdb: read %s: %w", name, err)
		}
		currentHash := plumbing.ZeroHash
		if current != nil {
			currentHash = current.Hash()
		}
		if currentHash != up.Old {
			return fmt.Errorf("refdb: cas mismatch on %s: have %s, want old %s", name, currentHash, up.Old)
		}

		r := resolved{name: name}
		if current != nil {
			r.old = current
		}
		if up.New == plumbing.ZeroHash {
			r.del = true
		} else {
			r.new = plumbing.NewHashReference(name, up.New)
		}
		plan = append(plan, r)
	}

	applied := make([]resolved, 0, len(plan))
	for _, r := range plan {
		var err error
		if r.del {
			err = d.repo.Storer.RemoveReference(r.name)
		} else {
			err = d.repo.Storer.(storer.ReferenceStorer).CheckAndSetReference(r.new, r.old)
		}
		if err != nil {
			// Best-effort rollback of everything already applied in this
			// batch: every ref update is reversible because we recorded
			// its pre-image above.
			for _, done := range applied {
				if done.old != nil {
					_ = d.repo.Storer.SetReference(done.old)
				} else {
					_ = d.repo.Storer.RemoveReference(done.name)
				}
			}
			return fmt.Errorf("refdb: apply %s: %w", r.name, err)
		}
		applied = append(applied, r)
	}
	return nil
}

// Snapshot captures every reference in the repository, for rollback-safety
// tests (spec §8 "For all fetches that raise a verification error: refdb
// snapshot before = snapshot after").
func (d *RefDB) Snapshot() (map[string]plumbing.Hash, error) {
	iter, err := d.repo.Storer.IterReferences()
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	out := make(map[string]plumbing.Hash)
	err = iter.ForEach(func(r *plumbing.Reference) error {
		if r.Type() == plumbing.HashReference {
			out[string(r.Name())] = r.Hash()
		}
		return nil
	})
	return out, err
}
