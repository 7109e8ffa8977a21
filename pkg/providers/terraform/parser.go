package terraform

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/stratoform/cartograph/pkg/engine/source"
	"github.com/stratoform/cartograph/pkg/model"
)

// resourceBlock is one managed resource definition lifted out of a .tf
// file. Attribute values are captured only when they are statically known;
// anything referencing variables or other resources is left to the
// reference lists.
type resourceBlock struct {
	Type        string
	Name        string
	File        string
	Line        int
	AttrName    string
	ProviderRef string
	Tags        map[string]string
	DependsOn   []string
	Refs        []string
}

// Address is the configuration address, "type.name".
func (rb resourceBlock) Address() string { return rb.Type + "." + rb.Name }

// scanResult aggregates one pass over the configuration roots. Per-file
// parse failures land in errors; they never abort the scan.
type scanResult struct {
	resources []resourceBlock
	regions   map[string]string
	errors    []source.Error
}

// scanRoots walks every root and parses each .tf file it finds. A root
// that is missing or not a directory is reported and skipped; the scan
// fails only when no root was readable at all.
func scanRoots(roots []string) (*scanResult, error) {
	sc := &scanResult{regions: make(map[string]string)}
	parser := hclparse.NewParser()
	byAddr := make(map[string]bool)

	readable := 0
	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			sc.errors = append(sc.errors, source.Error{
				Message: fmt.Sprintf("configuration root %s is not a readable directory", root),
				Code:    "tf-root",
			})
			continue
		}
		readable++

		err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				if info.Name() == ".terraform" || info.Name() == ".git" {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(info.Name(), ".tf") {
				return nil
			}

			f, diags := parser.ParseHCLFile(path)
			if diags != nil && diags.HasErrors() {
				sc.errors = append(sc.errors, source.Error{
					Message: fmt.Sprintf("%s: %s", path, diags.Error()),
					Code:    "hcl-parse",
				})
				return nil
			}

			relPath, _ := filepath.Rel(root, path)
			body, ok := f.Body.(*hclsyntax.Body)
			if !ok {
				return nil
			}
			for _, block := range body.Blocks {
				switch {
				case block.Type == "resource" && len(block.Labels) == 2:
					rb := collectResource(block, relPath)
					if byAddr[rb.Address()] {
						sc.errors = append(sc.errors, source.Error{
							ResourceType: rb.Type,
							Message:      fmt.Sprintf("duplicate resource %s in %s", rb.Address(), relPath),
							Code:         "tf-duplicate",
						})
						continue
					}
					byAddr[rb.Address()] = true
					sc.resources = append(sc.resources, rb)
				case block.Type == "provider" && len(block.Labels) == 1:
					collectProvider(block, sc.regions)
				}
			}
			return nil
		})
		if err != nil {
			return nil, model.WrapError(model.KindTransient, "tf-walk", err, "walking configuration root %s", root)
		}
	}

	if readable == 0 {
		return nil, model.NewError(model.KindInvalidInput, "tf-roots", "no readable configuration root in %v", roots)
	}

	sort.Slice(sc.resources, func(i, j int) bool {
		return sc.resources[i].Address() < sc.resources[j].Address()
	})
	return sc, nil
}

// collectResource lifts one resource block. Top-level meta-arguments are
// interpreted; every other attribute, at any nesting depth, only feeds the
// reference list.
func collectResource(block *hclsyntax.Block, file string) resourceBlock {
	rb := resourceBlock{
		Type: block.Labels[0],
		Name: block.Labels[1],
		File: file,
		Line: block.Range().Start.Line,
	}

	attrs := block.Body.Attributes
	if a, ok := attrs["depends_on"]; ok {
		rb.DependsOn = addressesIn(a.Expr)
	}
	if a, ok := attrs["provider"]; ok {
		rb.ProviderRef = providerRefIn(a.Expr)
	}
	if a, ok := attrs["tags"]; ok {
		rb.Tags = stringMapValue(a.Expr)
	}
	if a, ok := attrs["name"]; ok {
		if v, ok := stringValue(a.Expr); ok {
			rb.AttrName = v
		}
	}

	for name, a := range attrs {
		if name == "depends_on" || name == "provider" {
			continue
		}
		rb.Refs = append(rb.Refs, addressesIn(a.Expr)...)
	}
	var nested func(b *hclsyntax.Body)
	nested = func(b *hclsyntax.Body) {
		for _, blk := range b.Blocks {
			for _, a := range blk.Body.Attributes {
				rb.Refs = append(rb.Refs, addressesIn(a.Expr)...)
			}
			nested(blk.Body)
		}
	}
	nested(block.Body)

	rb.DependsOn = dedupSorted(rb.DependsOn)
	rb.Refs = dedupSorted(rb.Refs)
	return rb
}

// collectProvider records the region a provider block pins, keyed by the
// provider name, or by name.alias for aliased blocks.
func collectProvider(block *hclsyntax.Block, regions map[string]string) {
	attrs := block.Body.Attributes
	region := ""
	if a, ok := attrs["region"]; ok {
		region, _ = stringValue(a.Expr)
	}
	if region == "" {
		return
	}
	key := block.Labels[0]
	if a, ok := attrs["alias"]; ok {
		if alias, ok := stringValue(a.Expr); ok && alias != "" {
			key = key + "." + alias
		}
	}
	regions[key] = region
}

// reservedRoots are traversal roots that never name a managed resource.
var reservedRoots = map[string]bool{
	"var": true, "local": true, "module": true, "data": true,
	"each": true, "count": true, "path": true, "terraform": true, "self": true,
}

// addressesIn extracts the resource addresses an expression refers to.
// Resource types always carry a provider prefix, so a root without an
// underscore cannot be one.
func addressesIn(expr hclsyntax.Expression) []string {
	var out []string
	for _, tr := range expr.Variables() {
		if addr, ok := traversalAddress(tr); ok {
			out = append(out, addr)
		}
	}
	return out
}

func traversalAddress(tr hcl.Traversal) (string, bool) {
	if len(tr) < 2 {
		return "", false
	}
	root, ok := tr[0].(hcl.TraverseRoot)
	if !ok || reservedRoots[root.Name] || !strings.Contains(root.Name, "_") {
		return "", false
	}
	attr, ok := tr[1].(hcl.TraverseAttr)
	if !ok {
		return "", false
	}
	return root.Name + "." + attr.Name, true
}

// providerRefIn reads a provider meta-argument, "aws" or "aws.west".
func providerRefIn(expr hclsyntax.Expression) string {
	vars := expr.Variables()
	if len(vars) == 0 {
		return ""
	}
	tr := vars[0]
	root, ok := tr[0].(hcl.TraverseRoot)
	if !ok {
		return ""
	}
	ref := root.Name
	if len(tr) > 1 {
		if a, ok := tr[1].(hcl.TraverseAttr); ok {
			ref = ref + "." + a.Name
		}
	}
	return ref
}

func stringValue(expr hclsyntax.Expression) (string, bool) {
	v, diags := expr.Value(nil)
	if diags.HasErrors() || !v.IsKnown() || v.IsNull() || v.Type() != cty.String {
		return "", false
	}
	return v.AsString(), true
}

// stringMapValue captures a tags-style map. The map is kept only when it
// is statically known in full; a single dynamic value drops the whole map.
func stringMapValue(expr hclsyntax.Expression) map[string]string {
	v, diags := expr.Value(nil)
	if diags.HasErrors() || !v.IsKnown() || v.IsNull() {
		return nil
	}
	t := v.Type()
	if !t.IsObjectType() && !t.IsMapType() {
		return nil
	}
	out := make(map[string]string)
	for it := v.ElementIterator(); it.Next(); {
		k, ev := it.Element()
		if k.Type() != cty.String || !ev.IsKnown() || ev.IsNull() || ev.Type() != cty.String {
			continue
		}
		out[k.AsString()] = ev.AsString()
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func dedupSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	sort.Strings(in)
	out := in[:0]
	for i, v := range in {
		if i > 0 && in[i-1] == v {
			continue
		}
		out = append(out, v)
	}
	return out
}
