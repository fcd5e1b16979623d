package binding

import (
	"fmt"
	"strings"

	"github.com/pocketomega/pocket-studio/internal/util"
	"github.com/pocketomega/pocket-studio/internal/workflow"
)

// DefaultSeparator joins accumulated text on append fields.
const DefaultSeparator = "\n\n"

// Upstream is one successful same-graph predecessor of the node being bound.
type Upstream struct {
	NodeID workflow.NodeID
	Output *workflow.Output
}

// Inputs is everything a node's config may be bound from.
type Inputs struct {
	// Upstream lists direct predecessors in topological order.
	Upstream []Upstream
	// Graph holds every successful output of the current graph run so far.
	Graph map[workflow.NodeID]*workflow.Output
	// Context is the chain context as of the start of the current step.
	Context *workflow.ChainContext
	Target  workflow.Target
	// Spec is the step binding for this node (BindingSpec.For).
	Spec map[string]workflow.Source
}

// Report maps a bound field to a description of its source, for example
// "spec:target:prompt", "upstream:A" or "previous:img1".
type Report map[string]string

// Binder applies catalog rules to produce a node's effective config.
type Binder struct {
	catalog   *Catalog
	separator string
}

// NewBinder creates a binder. A nil catalog uses DefaultCatalog and an
// empty separator uses DefaultSeparator.
func NewBinder(c *Catalog, separator string) *Binder {
	if c == nil {
		c = DefaultCatalog()
	}
	if separator == "" {
		separator = DefaultSeparator
	}
	return &Binder{catalog: c, separator: separator}
}

// value is a candidate field value gathered from one or more outputs.
type value struct {
	texts  []string
	images []string
	from   string
}

func (v value) empty() bool { return len(v.texts) == 0 && len(v.images) == 0 }

// Bind returns a copy of node whose config has every declared field bound.
// For each field the step binding wins; otherwise forwarded outputs apply
// (same-graph upstream for nodes with incoming edges, the previous step's
// outputs for root nodes); otherwise the static value or catalog default
// stays. The input node is never modified.
func (b *Binder) Bind(node workflow.Node, in Inputs) (workflow.Node, Report) {
	spec, _ := b.catalog.Spec(node.Capability)
	out := node.Clone()
	report := Report{}

	for _, f := range spec.Fields {
		if _, ok := out.Config[f.Name]; !ok && f.Default != nil {
			out.Config[f.Name] = f.Default
		}
	}

	bound := map[string]bool{}
	for _, f := range spec.Fields {
		rule := b.catalog.RuleFor(node.Capability, f)

		v, ok := b.fromSpec(f, in)
		if !ok && f.Forward {
			v, ok = b.forwarded(rule, in)
		}
		if !ok {
			continue
		}
		if b.apply(out.Config, f, rule, v) {
			bound[f.Name] = true
			report[f.Name] = v.from
		}
	}

	// Images normalization runs on every images field, bound or static.
	for _, f := range spec.Fields {
		if f.Type != FieldImages {
			continue
		}
		list := NormalizeImages(out.Config[f.Name], f.Max)
		if len(list) == 0 {
			delete(out.Config, f.Name)
			continue
		}
		out.Config[f.Name] = list
		// A freshly bound list replaces the primary; a static list only fills
		// an empty one.
		if f.Primary != "" && (bound[f.Name] || isEmpty(out.Config[f.Primary])) {
			out.Config[f.Primary] = list[0]
		}
	}

	return out, report
}

// fromSpec resolves an explicit step binding for a field.
func (b *Binder) fromSpec(f FieldDef, in Inputs) (value, bool) {
	src, ok := in.Spec[f.Name]
	if !ok {
		return value{}, false
	}
	from := "spec:" + string(src.Kind)
	if src.Value != "" {
		from += ":" + src.Value
	}

	var v value
	switch src.Kind {
	case workflow.SourceLiteral:
		v = literal(src.Value)
	case workflow.SourceTarget:
		v = literal(in.Target.Fields[src.Value])
	case workflow.SourcePrevious:
		v = fromEntries(in.Context.LastStep())
	case workflow.SourceNode:
		out, ok := in.Graph[src.Value]
		if !ok {
			out, _ = in.Context.Output(src.Value)
		}
		v = fromOutput(out)
	}
	v.from = from
	return v, !v.empty()
}

// forwarded gathers outputs flowing into the node without an explicit binding.
func (b *Binder) forwarded(rule Rule, in Inputs) (value, bool) {
	if len(in.Upstream) > 0 {
		return fromUpstream(rule, in.Upstream)
	}
	entries := in.Context.LastStep()
	if len(entries) == 0 {
		return value{}, false
	}
	v := fromEntries(entries)
	if rule == RuleImage && len(v.images) > 0 {
		v.images = v.images[:1]
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.NodeID)
	}
	v.from = "previous:" + strings.Join(ids, ",")
	return v, !v.empty()
}

// fromUpstream collects same-graph predecessor outputs. Text accumulates in
// topological order; a single-image field takes the nearest image, which is
// the last predecessor in topological order that produced one.
func fromUpstream(rule Rule, ups []Upstream) (value, bool) {
	var v value
	var from []string
	switch rule {
	case RuleImage:
		for i := len(ups) - 1; i >= 0; i-- {
			if imgs := ups[i].Output.Images(); len(imgs) > 0 {
				v.images = imgs[:1]
				from = append(from, ups[i].NodeID)
				break
			}
		}
	case RuleImages:
		for _, u := range ups {
			if imgs := u.Output.Images(); len(imgs) > 0 {
				v.images = append(v.images, imgs...)
				from = append(from, u.NodeID)
			}
		}
	default:
		for _, u := range ups {
			if u.Output != nil && u.Output.Kind == workflow.OutputText && u.Output.Text != "" {
				v.texts = append(v.texts, u.Output.Text)
				from = append(from, u.NodeID)
			}
		}
	}
	v.from = "upstream:" + strings.Join(from, ",")
	return v, !v.empty()
}

func fromEntries(entries []workflow.ContextEntry) value {
	var v value
	for _, e := range entries {
		o := fromOutput(e.Output)
		v.texts = append(v.texts, o.texts...)
		v.images = append(v.images, o.images...)
	}
	return v
}

func fromOutput(o *workflow.Output) value {
	if o == nil {
		return value{}
	}
	if o.Kind == workflow.OutputText {
		if o.Text == "" {
			return value{}
		}
		return value{texts: []string{o.Text}}
	}
	return value{images: o.Images()}
}

func literal(s string) value {
	if strings.TrimSpace(s) == "" {
		return value{}
	}
	return value{texts: []string{s}, images: []string{s}}
}

// apply writes v into config according to rule. It returns false when v
// carries nothing the rule can use.
func (b *Binder) apply(config map[string]any, f FieldDef, rule Rule, v value) bool {
	switch rule {
	case RuleAppend:
		if len(v.texts) == 0 {
			return false
		}
		parts := append([]string{stringOf(config[f.Name])}, v.texts...)
		config[f.Name] = util.JoinNonEmpty(parts, b.separator)
	case RuleOverwrite:
		if len(v.texts) == 0 {
			return false
		}
		config[f.Name] = v.texts[len(v.texts)-1]
	case RuleImage:
		if len(v.images) == 0 {
			return false
		}
		config[f.Name] = v.images[0]
	case RuleImages:
		if len(v.images) == 0 {
			return false
		}
		config[f.Name] = append([]string(nil), v.images...)
	default:
		return false
	}
	return true
}

// NormalizeImages coerces a field value into a list of image references
// truncated to max (0 means unlimited). Element 0 is the primary image.
func NormalizeImages(v any, max int) []string {
	var list []string
	switch vv := v.(type) {
	case nil:
	case string:
		if vv != "" {
			list = []string{vv}
		}
	case []string:
		list = append(list, vv...)
	case []any:
		for _, item := range vv {
			if s := stringOf(item); s != "" {
				list = append(list, s)
			}
		}
	default:
		if s := stringOf(vv); s != "" {
			list = []string{s}
		}
	}
	kept := list[:0]
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			kept = append(kept, s)
		}
	}
	if max > 0 && len(kept) > max {
		kept = kept[:max]
	}
	return kept
}

// Missing returns the required fields of node that hold no value.
func (b *Binder) Missing(node workflow.Node) []string {
	spec, _ := b.catalog.Spec(node.Capability)
	var missing []string
	for _, f := range spec.Fields {
		if f.Required && isEmpty(node.Config[f.Name]) {
			missing = append(missing, f.Name)
		}
	}
	return missing
}

func isEmpty(v any) bool {
	switch vv := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(vv) == ""
	case []string:
		return len(vv) == 0
	case []any:
		return len(vv) == 0
	}
	return false
}

func stringOf(v any) string {
	switch vv := v.(type) {
	case nil:
		return ""
	case string:
		return vv
	case map[string]any:
		if u, ok := vv["url"].(string); ok {
			return u
		}
		return ""
	}
	return fmt.Sprint(v)
}
