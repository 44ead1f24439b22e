package pipeline

import (
	"fmt"
	"strings"
)

const link = "!"

type ParseError struct {
	Launch string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("could not parse pipeline: %s", e.Reason)
}

type Property struct {
	Key   string
	Value string
}

func (p Property) String() string {
	return p.Key + "=" + quote(p.Value)
}

// Caps is the media type shorthand of a capsfilter, e.g. video/x-raw,format=I420.
type Caps struct {
	MediaType string
	Fields    []Property
}

func (c *Caps) Field(key string) (string, bool) {
	for _, f := range c.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

func (c *Caps) String() string {
	var sb strings.Builder
	sb.WriteString(c.MediaType)
	for _, f := range c.Fields {
		sb.WriteString(",")
		sb.WriteString(f.Key)
		sb.WriteString("=")
		sb.WriteString(f.Value)
	}
	return sb.String()
}

type Element struct {
	Factory    string
	Properties []Property

	// set when the element was written as caps shorthand
	Caps *Caps
}

func (e *Element) Property(key string) (string, bool) {
	for _, p := range e.Properties {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

func (e *Element) Name() string {
	name, _ := e.Property(nameProperty)
	return name
}

func (e *Element) args() []string {
	if e.Caps != nil {
		return []string{e.Caps.String()}
	}

	args := make([]string, 0, len(e.Properties)+1)
	args = append(args, e.Factory)
	for _, p := range e.Properties {
		args = append(args, p.String())
	}
	return args
}

func (e *Element) String() string {
	return strings.Join(e.args(), " ")
}

// Descriptor is a parsed, linear launch description.
type Descriptor struct {
	Elements []*Element
}

// String renders the canonical launch string.
func (d *Descriptor) String() string {
	parts := make([]string, 0, len(d.Elements))
	for _, e := range d.Elements {
		parts = append(parts, e.String())
	}
	return strings.Join(parts, " "+link+" ")
}

// Args renders the descriptor as gst-launch command line arguments.
func (d *Descriptor) Args() []string {
	args := make([]string, 0, len(d.Elements)*3)
	for i, e := range d.Elements {
		if i > 0 {
			args = append(args, link)
		}
		args = append(args, e.args()...)
	}
	return args
}

func (d *Descriptor) ElementByName(name string) *Element {
	for _, e := range d.Elements {
		if e.Name() == name {
			return e
		}
	}
	return nil
}

func (d *Descriptor) Source() *Element {
	if len(d.Elements) == 0 {
		return nil
	}
	return d.Elements[0]
}

// Parse parses a launch string of the form "src k=v ! type/subtype,f=v ! sink".
// Element factories and their properties must be registered.
func Parse(launch string) (*Descriptor, error) {
	return parse(launch, nil)
}

// parse falls back to inspect for factories or properties missing from the
// registry, and registers what it reports.
func parse(launch string, inspect inspectFunc) (*Descriptor, error) {
	fail := func(format string, args ...any) (*Descriptor, error) {
		return nil, &ParseError{Launch: launch, Reason: fmt.Sprintf(format, args...)}
	}

	tokens, err := tokenize(launch)
	if err != nil {
		return fail("%v", err)
	}
	if len(tokens) == 0 {
		return fail("empty pipeline")
	}

	var groups [][]string
	current := make([]string, 0)
	for _, tok := range tokens {
		if tok == link {
			if len(current) == 0 {
				return fail("link without element at position %d", len(groups))
			}
			groups = append(groups, current)
			current = make([]string, 0)
			continue
		}
		current = append(current, tok)
	}
	if len(current) == 0 {
		return fail("link without element at position %d", len(groups))
	}
	groups = append(groups, current)

	d := &Descriptor{Elements: make([]*Element, 0, len(groups))}
	names := make(map[string]struct{})

	for _, group := range groups {
		element, err := parseElement(group, inspect)
		if err != nil {
			return fail("%v", err)
		}

		if name := element.Name(); name != "" {
			if _, exists := names[name]; exists {
				return fail("duplicate element name %q", name)
			}
			names[name] = struct{}{}
		}

		d.Elements = append(d.Elements, element)
	}

	return d, nil
}

func parseElement(tokens []string, inspect inspectFunc) (*Element, error) {
	head := tokens[0]

	if typ, _, _ := strings.Cut(head, ","); strings.Contains(typ, "/") && !strings.Contains(typ, "=") {
		caps, err := parseCaps(strings.Join(tokens, ""))
		if err != nil {
			return nil, err
		}
		return &Element{Factory: "capsfilter", Caps: caps}, nil
	}

	props, exists := lookupElement(head)
	inspected := false

	resolve := func() bool {
		if inspect == nil || inspected {
			return false
		}
		inspected = true

		properties, err := inspect(head)
		if err != nil {
			return false
		}
		RegisterElement(head, properties...)
		props, exists = lookupElement(head)
		return exists
	}

	if !exists && !resolve() {
		return nil, fmt.Errorf("no element %q", head)
	}

	element := &Element{Factory: head, Properties: make([]Property, 0, len(tokens)-1)}
	for _, tok := range tokens[1:] {
		key, value, found := strings.Cut(tok, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("expected property=value after %q, got %q", head, tok)
		}
		if _, ok := props[key]; !ok {
			resolve()
			if _, ok := props[key]; !ok {
				return nil, fmt.Errorf("no property %q in element %q", key, head)
			}
		}
		element.Properties = append(element.Properties, Property{Key: key, Value: unquote(value)})
	}

	return element, nil
}

func parseCaps(s string) (*Caps, error) {
	parts := strings.Split(s, ",")

	mediaType := parts[0]
	major, minor, found := strings.Cut(mediaType, "/")
	if !found || major == "" || minor == "" || strings.Contains(minor, "/") {
		return nil, fmt.Errorf("invalid caps media type %q", mediaType)
	}

	caps := &Caps{MediaType: mediaType, Fields: make([]Property, 0, len(parts)-1)}
	for _, part := range parts[1:] {
		key, value, found := strings.Cut(part, "=")
		if !found || key == "" || value == "" {
			return nil, fmt.Errorf("invalid caps field %q in %q", part, s)
		}
		caps.Fields = append(caps.Fields, Property{Key: key, Value: value})
	}

	return caps, nil
}

// tokenize splits on whitespace and "!", keeping double quoted runs intact.
func tokenize(s string) ([]string, error) {
	var (
		tokens  []string
		current strings.Builder
		quoted  bool
	)

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			current.WriteRune(r)
		case quoted:
			current.WriteRune(r)
		case r == '!':
			flush()
			tokens = append(tokens, link)
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			flush()
		default:
			current.WriteRune(r)
		}
	}

	if quoted {
		return nil, fmt.Errorf("unterminated quote")
	}
	flush()

	return tokens, nil
}

func unquote(v string) string {
	if len(v) >= 2 && strings.HasPrefix(v, `"`) && strings.HasSuffix(v, `"`) {
		return v[1 : len(v)-1]
	}
	return v
}

func quote(v string) string {
	if v == "" || strings.ContainsAny(v, " \t!") {
		return `"` + v + `"`
	}
	return v
}
