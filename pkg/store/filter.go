package store

import (
	"regexp"

	"github.com/stratoform/cartograph/pkg/model"
)

// FilterNodes applies f to an already-materialized slice, honoring OrderBy.
// The temporal layer uses this to query snapshot revisions with the same
// filter semantics as live queries. Input nodes are returned as-is, not
// cloned.
func FilterNodes(nodes []*model.Node, f NodeFilter) ([]*model.Node, error) {
	var nameRe *regexp.Regexp
	if f.NameRegex != "" {
		re, err := regexp.Compile(f.NameRegex)
		if err != nil {
			return nil, model.WrapError(model.KindInvalidInput, "bad-name-regex", err, "invalid name regex %q", f.NameRegex)
		}
		nameRe = re
	}
	idSet := toSet(f.IDs)

	var out []*model.Node
	for _, n := range nodes {
		if matchNode(n, f, nameRe, idSet) {
			out = append(out, n)
		}
	}
	if err := orderNodes(out, f.OrderBy); err != nil {
		return nil, err
	}
	return out, nil
}
