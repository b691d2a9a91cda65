package prepare

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// DefaultOrder places a phase without an explicit order.
const DefaultOrder = 50

// Strings is a list that may also be written as a single scalar.
type Strings []string

func (s *Strings) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var one string
		if err := node.Decode(&one); err != nil {
			return err
		}
		*s = Strings{one}
		return nil
	case yaml.SequenceNode:
		var many []string
		if err := node.Decode(&many); err != nil {
			return err
		}
		*s = many
		return nil
	}
	return fmt.Errorf("line %d: expected a string or a list of strings", node.Line)
}

// Phase is one prepare or finish action.
type Phase struct {
	Name    string  `yaml:"name,omitempty" json:"name,omitempty"`
	How     string  `yaml:"how" json:"how"`
	Script  string  `yaml:"script,omitempty" json:"script,omitempty"`
	Package Strings `yaml:"package,omitempty" json:"package,omitempty"`
	Path    string  `yaml:"path,omitempty" json:"path,omitempty"`
	Content string  `yaml:"content,omitempty" json:"content,omitempty"`
	Append  bool    `yaml:"append,omitempty" json:"append,omitempty"`
	// Where limits the phase to guests with these names or roles.
	Where Strings `yaml:"where,omitempty" json:"where,omitempty"`
	Order *int    `yaml:"order,omitempty" json:"order,omitempty"`
}

// Label names the phase in logs and errors.
func (p Phase) Label(index int) string {
	if p.Name != "" {
		return p.Name
	}
	return fmt.Sprintf("%s-%d", p.How, index)
}

func (p Phase) order() int {
	if p.Order == nil {
		return DefaultOrder
	}
	return *p.Order
}

// Sorted returns phases ordered by their order, keeping the declared order
// among equals.
func Sorted(phases []Phase) []Phase {
	out := append([]Phase(nil), phases...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].order() < out[j].order() })
	return out
}

// Applies reports whether the phase runs on the guest with name and role.
func (p Phase) Applies(name, role string) bool {
	if len(p.Where) == 0 {
		return true
	}
	for _, w := range p.Where {
		if w == name || (role != "" && w == role) {
			return true
		}
	}
	return false
}
