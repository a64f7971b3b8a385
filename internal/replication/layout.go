package replication

import (
	"strings"

	"github.com/radicle-dev/radicle-link-sub006/internal/peerid"
	"github.com/radicle-dev/radicle-link-sub006/internal/refdb"
)

// PreValidate checks that every advertised ref name conforms to the
// namespace layout: `refs/rad/id`, `refs/rad/ids/<urn>`,
// `refs/rad/signed_refs`, or a peer-scoped ref under
// `refs/remotes/<peer-id>/…` (spec §4.4 step 2 "Layout check").
func PreValidate(refs map[string]struct{}) error {
	for name := range refs {
		if err := refdb.ValidateName(name); err != nil {
			return layoutErr("advertised ref %q: %v", name, err)
		}
		if !isKnownShape(name) {
			return layoutErr("advertised ref %q does not match any known namespace shape", name)
		}
	}
	return nil
}

func isKnownShape(name string) bool {
	switch {
	case name == "refs/rad/id":
		return true
	case name == "refs/rad/signed_refs":
		return true
	case strings.HasPrefix(name, "refs/rad/ids/"):
		// The trailing component is a namespace id (the base-32
		// re-encoded URN used as a filesystem-safe path element, spec
		// §6), not the `rad:git:` string form.
		rest := strings.TrimPrefix(name, "refs/rad/ids/")
		return isNamespaceID(rest)
	case strings.HasPrefix(name, "refs/remotes/"):
		rest := strings.TrimPrefix(name, "refs/remotes/")
		peerPart, sub, ok := strings.Cut(rest, "/")
		if !ok || sub == "" {
			return false
		}
		_, err := peerid.Parse(peerPart)
		return err == nil
	default:
		return false
	}
}

func isNamespaceID(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '2' || r > '7') {
			return false
		}
	}
	return true
}
